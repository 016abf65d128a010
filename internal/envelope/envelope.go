// Package envelope defines the tagged payloads passed between the
// interceptor, the relay, and the agent. Envelopes are transient: they
// carry observed traffic or commands across context boundaries and are
// never persisted.
package envelope

import "encoding/json"

// Forwarder event tags emitted by the interceptor.
const (
	EventFetchRequest  = "fetch_request"
	EventFetchResponse = "fetch_response"
	EventWSMessage     = "ws_message"
	EventSetUserID     = "set_user_id"
)

// Command actions accepted by the interceptor.
const (
	ActionSendWSMessage    = "send_ws_message"
	ActionSendFetchCommand = "send_fetch_command"
)

// Envelope is one observed-event payload flowing page → agent.
type Envelope struct {
	Event  string         `json:"event"`
	URL    string         `json:"url,omitempty"`
	Body   string         `json:"body,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	UserID string         `json:"user_id,omitempty"`
}

// Command is one backend-issued instruction flowing agent → page.
type Command struct {
	Action string          `json:"action"`
	URL    string          `json:"url,omitempty"`
	Init   json.RawMessage `json:"init,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Valid reports whether the envelope passes the minimal shape check applied
/// at every boundary: a known event tag, and a payload where the tag
// requires one. Invalid envelopes are dropped where detected.
func (e Envelope) Valid() bool {
	switch e.Event {
	case EventFetchRequest, EventFetchResponse:
		return e.URL != "" && e.Body != ""
	case EventWSMessage:
		return e.Data != nil
	case EventSetUserID:
		return e.UserID != ""
	default:
		return false
	}
}

// Valid reports whether the command carries a recognized action and the
// fields that action requires.
func (c Command) Valid() bool {
	switch c.Action {
	case ActionSendWSMessage:
		return len(c.Data) > 0
	case ActionSendFetchCommand:
		return c.URL != "" && len(c.Init) > 0
	default:
		return false
	}
}
