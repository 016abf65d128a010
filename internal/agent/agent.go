// Package agent is the coordinator between the interception side and the
// backend. It owns the local cache and the single backend socket, pushes a
// full cache snapshot whenever the socket opens, relays deltas
// opportunistically while it stays open, and fans incoming commands out to
// every connected tab.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fanrelay/fanrelay/internal/cache"
	"github.com/fanrelay/fanrelay/internal/config"
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/normalize"
	"github.com/fanrelay/fanrelay/internal/wire"
)

// ConnState is the backend socket lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// Conn is the slice of a websocket connection the agent uses. It lets tests
// substitute an in-memory peer for a dialed socket.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a backend connection.
type Dialer func(url string) (Conn, error)

func gorillaDialer(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CommandSink receives backend commands for fan-out to tabs.
type CommandSink interface {
	Broadcast(envelope.Command) int
}

const stateKeyUserID = "user_id"

// Agent coordinates cache, backend socket and tab fan-out.
type Agent struct {
	cfg      config.Config
	store    *cache.Store
	commands CommandSink
	dial     Dialer

	mu             sync.Mutex
	state          ConnState
	conn           Conn
	userID         string
	reconnectTimer *time.Timer
	closed         bool

	writeMu sync.Mutex

	stopKeepalive chan struct{}
}

// New creates an agent. commands may be nil when no tab fan-out exists yet.
func New(cfg config.Config, store *cache.Store, commands CommandSink) *Agent {
	return &Agent{
		cfg:           cfg,
		store:         store,
		commands:      commands,
		dial:          gorillaDialer,
		state:         StateDisconnected,
		stopKeepalive: make(chan struct{}),
	}
}

// SetDialer replaces the backend dialer. Must be called before Start.
func (a *Agent) SetDialer(d Dialer) {
	a.dial = d
}

// SetCommandSink attaches the tab fan-out target.
func (a *Agent) SetCommandSink(s CommandSink) {
	a.mu.Lock()
	a.commands = s
	a.mu.Unlock()
}

// UserID returns the identity currently used for the backend connection.
func (a *Agent) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

// State returns the backend connection state.
func (a *Agent) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start loads the persisted identity, begins the keepalive loop and opens
// the backend connection.
func (a *Agent) Start() {
	uid, err := a.store.State(stateKeyUserID)
	if err != nil {
		logging.Errorf("[Agent] Failed to load persisted user id: %v", err)
	}
	if uid == "" {
		uid = a.cfg.Backend.UserID
	}
	a.mu.Lock()
	a.userID = uid
	a.mu.Unlock()

	go a.keepaliveLoop()
	go a.connect()
}

// Stop closes the backend connection and cancels any pending reconnect.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	conn := a.conn
	a.conn = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	close(a.stopKeepalive)
	if conn != nil {
		conn.Close()
	}
}

func (a *Agent) backendURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("%s/api/ws/extension/%s", a.cfg.Backend.URL, a.userID)
}

func (a *Agent) connect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.state = StateConnecting
	a.mu.Unlock()

	url := a.backendURL()
	logging.Infof("[Agent] Connecting: %s", url)

	conn, err := a.dial(url)
	if err != nil {
		logging.Errorf("[Agent] Dial failed: %v", err)
		a.scheduleReconnect()
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	if a.conn != nil {
		// A concurrent connect finished first; the newest dial wins and
		// the displaced connection is closed rather than leaked.
		a.conn.Close()
	}
	a.conn = conn
	a.state = StateOpen
	uid := a.userID
	a.mu.Unlock()

	logging.Infof("[Agent] Connection open for user %s", uid)
	a.SendSnapshot()
	go a.readLoop(conn)
}

// scheduleReconnect arms the reconnect timer. At most one timer is ever
// pending; overlapping failures collapse into a single retry.
func (a *Agent) scheduleReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.reconnectTimer != nil {
		return
	}
	a.state = StateDisconnected
	logging.Infof("[Agent] Reconnecting in %s", a.cfg.Backend.ReconnectDelay)
	a.reconnectTimer = time.AfterFunc(a.cfg.Backend.ReconnectDelay, func() {
		a.mu.Lock()
		a.reconnectTimer = nil
		closed := a.closed
		a.mu.Unlock()
		if !closed {
			a.connect()
		}
	})
}

func (a *Agent) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			current := a.conn == conn
			if current {
				a.conn = nil
				a.state = StateDisconnected
			}
			closed := a.closed
			a.mu.Unlock()
			if current && !closed {
				logging.Infof("[Agent] Connection closed: %v", err)
				a.scheduleReconnect()
			}
			return
		}

		msg, err := wire.Parse(raw)
		if err != nil {
			logging.Errorf("[Agent] Undecodable backend frame: %v", err)
			continue
		}

		switch msg.Type {
		case wire.TypeCommandToExecute:
			cmd, err := wire.DecodePayload[envelope.Command](msg)
			if err != nil || !cmd.Valid() {
				logging.Warnf("[Agent] Dropped malformed command payload")
				continue
			}
			a.forwardCommand(cmd)
		case wire.TypeConnectionAck:
			ack, err := wire.DecodePayload[wire.ConnectionAckPayload](msg)
			if err != nil {
				logging.Warnf("[Agent] Undecodable connection_ack: %v", err)
				continue
			}
			a.handleAck(ack)
		default:
			logging.Warnf("[Agent] Ignoring backend frame type %q", msg.Type)
		}
	}
}

// handleAck applies a server-side identity correction. A changed id is
// persisted and forces an immediate reconnect under the new identity, the
// same path SetUserID takes. Repeated identical acks are no-ops.
func (a *Agent) handleAck(ack wire.ConnectionAckPayload) {
	logging.Infof("[Agent] Connection acknowledged: %s", ack.StatusMessage)
	if ack.UserID == "" {
		return
	}
	a.mu.Lock()
	changed := ack.UserID != a.userID
	if changed {
		a.userID = ack.UserID
	}
	closed := a.closed
	a.mu.Unlock()
	if !changed {
		return
	}
	if err := a.store.SetState(stateKeyUserID, ack.UserID); err != nil {
		logging.Errorf("[Agent] Failed to persist corrected user id: %v", err)
	}
	logging.Infof("[Agent] Identity corrected by backend, reconnecting as %s", ack.UserID)
	if !closed {
		go a.connect()
	}
}

func (a *Agent) forwardCommand(cmd envelope.Command) {
	a.mu.Lock()
	sink := a.commands
	a.mu.Unlock()
	if sink == nil {
		logging.Warnf("[Agent] No command sink attached, command dropped")
		return
	}
	n := sink.Broadcast(cmd)
	logging.Infof("[Agent] Command %s forwarded to %d tab(s)", cmd.Action, n)
}

func (a *Agent) keepaliveLoop() {
	ticker := time.NewTicker(a.cfg.Backend.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.send(wire.NewKeepalive(time.Now()))
		case <-a.stopKeepalive:
			return
		}
	}
}

// send writes one frame if the connection is open. There is no buffering:
// frames produced while disconnected are dropped.
func (a *Agent) send(msg wire.Message) bool {
	a.mu.Lock()
	if a.state != StateOpen || a.conn == nil {
		a.mu.Unlock()
		return false
	}
	conn := a.conn
	a.mu.Unlock()

	a.writeMu.Lock()
	err := conn.WriteJSON(msg)
	a.writeMu.Unlock()
	if err != nil {
		logging.Errorf("[Agent] Write failed: %v", err)
		return false
	}
	return true
}

// SendSnapshot pushes the entire cache as one cache_update frame. Records
// are re-normalized on the way out so stale rows stored by older versions
// still leave in canonical shape.
func (a *Agent) SendSnapshot() {
	chats, err := a.store.GetAll(cache.TableChats)
	if err != nil {
		logging.Errorf("[Agent] Snapshot chats read failed: %v", err)
		return
	}
	messages, err := a.store.GetAll(cache.TableMessages)
	if err != nil {
		logging.Errorf("[Agent] Snapshot messages read failed: %v", err)
		return
	}

	payload := wire.CacheUpdatePayload{
		Chats:    toRecords(normalize.Chats(chats)),
		Messages: toRecords(normalize.Messages(messages)),
	}
	msg, err := wire.NewMessage(wire.TypeCacheUpdate, payload)
	if err != nil {
		logging.Errorf("[Agent] Snapshot encode failed: %v", err)
		return
	}
	if a.send(msg) {
		logging.Infof("[Agent] Sent cache_update: %d chats, %d messages", len(payload.Chats), len(payload.Messages))
	}
}

func toRecords(in []normalize.Record) []wire.Record {
	out := make([]wire.Record, len(in))
	for i, r := range in {
		out[i] = wire.Record(r)
	}
	return out
}
