package hub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fanrelay/fanrelay/internal/events"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/wire"
)

const writeWait = 10 * time.Second

// clientConn is one connected websocket client of either type. The id
// disambiguates multiple connections from the same user in logs.
type clientConn struct {
	hub        *Hub
	id         string
	conn       *websocket.Conn
	clientType string
	userID     string

	writeMu sync.Mutex
}

func (c *clientConn) tag() string {
	return fmt.Sprintf("%s/%s#%s", c.clientType, c.userID, c.id)
}

func (c *clientConn) write(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// serveWS accepts a client connection, acknowledges it, subscribes it to
// its routing channel and runs its receive loop until disconnect.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	clientType := chi.URLParam(r, "clientType")
	userID := chi.URLParam(r, "userID")
	if clientType == "" || userID == "" {
		http.Error(w, "missing client type or user id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("[Hub] Upgrade failed for %s/%s: %v", clientType, userID, err)
		return
	}

	c := &clientConn{
		hub:        h,
		id:         uuid.NewString()[:8],
		conn:       conn,
		clientType: clientType,
		userID:     userID,
	}
	logging.Infof("[Hub] Connected: %s", c.tag())
	h.trackConn(clientType, +1)

	// Subscribe before acking so a frame routed right after the client saw
	// its ack can never be missed.
	sub := h.bus.Subscribe(events.ClientTopic(clientType, userID), func(ev events.Event) {
		msg, ok := ev.Data.(wire.Message)
		if !ok {
			return
		}
		if err := c.write(msg); err != nil {
			logging.Warnf("[Hub] Forward to %s failed: %v", c.tag(), err)
		}
	})

	// The ack echoes the resolved identity. With a configured creator id,
	// every extension converges on it regardless of the id it dialed with.
	ackUserID := userID
	if clientType == clientExtension && h.cfg.CreatorID != "" {
		ackUserID = h.cfg.CreatorID
	}
	ack, err := wire.NewMessage(wire.TypeConnectionAck, wire.ConnectionAckPayload{
		Version:       Version,
		ClientType:    clientType,
		UserID:        ackUserID,
		StatusMessage: "Connected successfully",
	})
	if err == nil {
		if err := c.write(ack); err != nil {
			logging.Errorf("[Hub] Failed to send connection_ack to %s: %v", c.tag(), err)
		}
	}

	c.readLoop()

	sub.Cancel()
	conn.Close()
	h.trackConn(clientType, -1)
	logging.Infof("[Hub] Disconnected: %s", c.tag())
}

func (h *Hub) trackConn(clientType string, delta int) {
	h.mu.Lock()
	h.counts[clientType] += delta
	if h.counts[clientType] <= 0 {
		delete(h.counts, clientType)
	}
	h.mu.Unlock()
}

func (c *clientConn) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Parse(raw)
		if err != nil {
			logging.Errorf("[Hub] Undecodable frame from %s: %v", c.tag(), err)
			c.hub.publishSystemError(c.userID, "json_parse_error", err.Error())
			continue
		}
		c.hub.route(c, msg)
	}
}

// route dispatches one inbound frame. Extension traffic is translated and
// re-published to the user's frontend channel; traffic from any other
// client type is forwarded raw to the user's extension channel.
func (h *Hub) route(c *clientConn, msg wire.Message) {
	if msg.Type == wire.TypeKeepalive {
		if c.clientType != clientExtension {
			logging.Warnf("[Hub] Unexpected keepalive from %s", c.tag())
		}
		return
	}

	if c.clientType != clientExtension {
		// Frontends and other consumers talk toward the extension; their
		// frames are forwarded raw, the hub does not interpret them.
		h.bus.Publish(events.ExtensionTopic(c.userID), msg)
		return
	}

	frontend := events.FrontendTopic(c.userID)
	switch msg.Type {
	case wire.TypeCacheUpdate:
		// Tell waiting frontends a snapshot is in flight before relaying
		// the (potentially large) snapshot itself.
		status, err := wire.NewMessage(wire.TypeSystemStatus, wire.SystemStatusPayload{
			Status: "PROCESSING_SNAPSHOT",
		})
		if err == nil {
			h.bus.Publish(frontend, status)
		}
		h.bus.Publish(frontend, msg)
		logging.Infof("[Hub] Snapshot relayed for %s", c.tag())

	case wire.TypeNewRawMessage:
		h.bus.Publish(frontend, msg)
		logging.Infof("[Hub] Delta relayed for %s", c.tag())

	case wire.TypeOnlineUsersUpdate:
		// Presence is decoded and re-encoded so malformed payloads stop
		// here instead of reaching every frontend.
		payload, err := wire.DecodePayload[wire.OnlineUsersUpdatePayload](msg)
		if err != nil {
			logging.Warnf("[Hub] Malformed presence from %s: %v", c.tag(), err)
			h.publishSystemError(c.userID, "validation_error", err.Error())
			return
		}
		out, err := wire.NewMessage(wire.TypeOnlineUsersUpdate, payload)
		if err != nil {
			return
		}
		h.bus.Publish(frontend, out)

	default:
		logging.Warnf("[Hub] Unhandled type %q from %s", msg.Type, c.tag())
		h.publishSystemError(c.userID, "unhandled_type", "unhandled type: "+msg.Type)
	}
}

// publishSystemError pushes an error status to the user's frontends.
func (h *Hub) publishSystemError(userID, code, detail string) {
	msg, err := wire.NewMessage(wire.TypeSystemStatus, wire.SystemStatusPayload{
		Status: "ERROR",
		Detail: code + ": " + detail,
	})
	if err != nil {
		return
	}
	h.bus.Publish(events.FrontendTopic(userID), msg)
}
