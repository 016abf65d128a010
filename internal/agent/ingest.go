package agent

import (
	"regexp"
	"strings"
	"time"

	"github.com/fanrelay/fanrelay/internal/cache"
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/normalize"
	"github.com/fanrelay/fanrelay/internal/wire"
)

var numericID = regexp.MustCompile(`^\d+$`)

// HandleEnvelope ingests one envelope from a tab. This is the relay's
// delivery target: classification decides what, if anything, is cached and
// what is pushed upstream.
func (a *Agent) HandleEnvelope(tab string, e envelope.Envelope) {
	cls := envelope.Classify(e)
	switch cls.Kind {
	case envelope.KindChatList:
		chats := normalize.Chats(cls.Chats)
		a.store.UpsertMany(cache.TableChats, chats)
		a.storeChatUsers(chats)
		if len(cls.Messages) > 0 {
			a.store.UpsertMany(cache.TableMessages, normalize.Messages(cls.Messages))
		}

	case envelope.KindMessageHistory:
		a.store.UpsertMany(cache.TableMessages, normalize.Messages(cls.Messages))

	case envelope.KindOutboundSend:
		msg := normalize.Message(cls.Record, 0)
		a.store.UpsertOne(cache.TableMessages, msg)
		a.pushNewRawMessage(a.recoverMissingMetadata(msg))

	case envelope.KindInboundPush:
		msg := normalize.Message(unwrapPush(cls.Record), 0)
		a.pushNewRawMessage(a.recoverMissingMetadata(msg))

	case envelope.KindPresence:
		a.pushOnlineUsers(cls.Online)

	case envelope.KindUserID:
		a.SetUserID(cls.UserID)

	default:
		logging.Warnf("[Agent] Unrecognized envelope from tab %s: event=%q", tab, e.Event)
	}
}

// unwrapPush lifts the inner record out of the site's nested push frame
// shape and marks it inbound. Frames not matching the nested shape pass
// through unchanged.
func unwrapPush(rec map[string]any) map[string]any {
	inner, ok := rec["api2_chat_message"].(map[string]any)
	if !ok {
		return rec
	}
	if rt, _ := inner["responseType"].(string); rt != "message" {
		return rec
	}
	out := make(map[string]any, len(inner)+1)
	for k, v := range inner {
		out[k] = v
	}
	out["is_inbound"] = true
	return out
}

// storeChatUsers caches the counterpart user record carried inside each
// chat, so presence updates and message attribution can resolve them later.
func (a *Agent) storeChatUsers(chats []normalize.Record) {
	var users []normalize.Record
	for _, c := range chats {
		if wu, ok := c["withUser"].(map[string]any); ok && normalize.ValidID(wu) {
			users = append(users, wu)
		}
	}
	if len(users) > 0 {
		a.store.UpsertMany(cache.TableUsers, users)
	}
}

// recoverMissingMetadata backfills chat_id and fromUser on a pushed message
// from its cached copy. Pushed frames often omit both; the cached record
// from an earlier history fetch usually has them. When nothing cached
// helps, chat_id degrades to "unknown" rather than being dropped.
//
// A push arriving before its history fetch finds no cached copy and keeps
// the degraded fields; the next full snapshot carries the corrected record.
func (a *Agent) recoverMissingMetadata(msg normalize.Record) normalize.Record {
	chatID, _ := msg["chat_id"].(string)
	if chatID != "" && chatID != "unknown" && msg["fromUser"] != nil {
		return msg
	}

	cached, ok, err := a.store.Get(cache.TableMessages, msg["id"])
	if err != nil {
		logging.Warnf("[Agent] Metadata lookup failed for %v: %v", msg["id"], err)
	}
	if ok {
		if chatID == "" || chatID == "unknown" {
			if cid, isStr := cached["chat_id"].(string); isStr && cid != "" {
				msg["chat_id"] = cid
			} else if msg["chat_id"] == nil {
				msg["chat_id"] = "unknown"
			}
		}
		if msg["fromUser"] == nil {
			msg["fromUser"] = cached["fromUser"]
		}
	} else if msg["chat_id"] == nil {
		msg["chat_id"] = "unknown"
	}
	return msg
}

// pushNewRawMessage sends a single-message delta if the backend connection
// is open. Deltas are fire-and-forget: there is no buffering and no ack; a
// delta lost to a closed socket is recovered by the next full snapshot.
func (a *Agent) pushNewRawMessage(msg normalize.Record) {
	frame, err := wire.NewMessage(wire.TypeNewRawMessage, wire.NewRawMessagePayload{Message: msg})
	if err != nil {
		logging.Errorf("[Agent] Encode new_raw_message failed: %v", err)
		return
	}
	if a.send(frame) {
		logging.Infof("[Agent] Sent new_raw_message %v", msg["id"])
	}
}

// pushOnlineUsers sends a presence snapshot if the backend connection is
// open.
func (a *Agent) pushOnlineUsers(userIDs []int64) {
	frame, err := wire.NewMessage(wire.TypeOnlineUsersUpdate, wire.OnlineUsersUpdatePayload{
		UserIDs:   userIDs,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logging.Errorf("[Agent] Encode online_users_update failed: %v", err)
		return
	}
	a.send(frame)
}

// SetUserID applies a page-detected identity. Only a plain numeric id is
// accepted; an unchanged id is a no-op; a change is persisted and forces a
// reconnect under the new identity.
func (a *Agent) SetUserID(raw string) bool {
	id := strings.TrimSpace(raw)
	if id == "" || !numericID.MatchString(id) {
		logging.Warnf("[Agent] Rejected invalid user id: %q", raw)
		return false
	}

	a.mu.Lock()
	if id == a.userID {
		a.mu.Unlock()
		logging.Infof("[Agent] User id unchanged: %s", id)
		return true
	}
	a.userID = id
	closed := a.closed
	a.mu.Unlock()

	if err := a.store.SetState(stateKeyUserID, id); err != nil {
		logging.Errorf("[Agent] Failed to persist user id: %v", err)
	}
	logging.Infof("[Agent] Reconnecting with creator user id: %s", id)
	if !closed {
		go a.connect()
	}
	return true
}
