package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame is the wire form exchanged between the bridge and a tab-side
// conduit: envelopes travel up, commands travel down.
type Frame struct {
	Kind     string             `json:"kind"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Command  *envelope.Command  `json:"command,omitempty"`
}

const (
	FrameEnvelope = "envelope"
	FrameCommand  = "command"
)

// Bridge is a local websocket endpoint that out-of-process interception
// sides connect to, one connection per tab. A tab that is already connected
// stays connected; a second attempt for the same tab is refused, mirroring
// the hook's own double-install guard.
type Bridge struct {
	onEnvelope Handler
	upgrader   websocket.Upgrader

	mu   sync.Mutex
	tabs map[string]*tabConn
}

type tabConn struct {
	id   string
	conn *websocket.Conn
	send chan Frame
	done chan struct{}
	once sync.Once
}

// NewBridge creates a bridge delivering inbound envelopes to onEnvelope.
func NewBridge(onEnvelope Handler) *Bridge {
	return &Bridge{
		onEnvelope: onEnvelope,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Loopback-only endpoint, same-host callers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tabs: make(map[string]*tabConn),
	}
}

// Handler returns the bridge's HTTP routes, mountable under any prefix.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/tabs/{tab}", b.serveTab)
	return r
}

func (b *Bridge) serveTab(w http.ResponseWriter, r *http.Request) {
	tab := chi.URLParam(r, "tab")
	if tab == "" {
		http.Error(w, "missing tab id", http.StatusBadRequest)
		return
	}

	// Reserve the slot before the handshake so a concurrent connect for
	// the same tab cannot slip past the guard.
	tc := &tabConn{
		id:   tab,
		send: make(chan Frame, 64),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if _, exists := b.tabs[tab]; exists {
		b.mu.Unlock()
		logging.Warnf("[Relay] Tab %s already connected, refusing reinstall", tab)
		http.Error(w, "tab already connected", http.StatusConflict)
		return
	}
	b.tabs[tab] = tc
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("[Relay] Upgrade failed for tab %s: %v", tab, err)
		b.mu.Lock()
		delete(b.tabs, tab)
		b.mu.Unlock()
		return
	}
	tc.conn = conn

	logging.Infof("[Relay] Tab connected: %s", tab)
	go b.writePump(tc)
	b.readPump(tc)
}

func (b *Bridge) removeTab(tc *tabConn) {
	tc.once.Do(func() {
		b.mu.Lock()
		if b.tabs[tc.id] == tc {
			delete(b.tabs, tc.id)
		}
		b.mu.Unlock()
		close(tc.done)
		if tc.conn != nil {
			tc.conn.Close()
		}
		logging.Infof("[Relay] Tab disconnected: %s", tc.id)
	})
}

func (b *Bridge) readPump(tc *tabConn) {
	defer b.removeTab(tc)
	tc.conn.SetReadDeadline(time.Now().Add(pongWait))
	tc.conn.SetPongHandler(func(string) error {
		tc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := tc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logging.Warnf("[Relay] Undecodable frame from tab %s: %v", tc.id, err)
			continue
		}
		if frame.Kind != FrameEnvelope || frame.Envelope == nil || !frame.Envelope.Valid() {
			logging.Warnf("[Relay] Dropped malformed frame from tab %s", tc.id)
			continue
		}
		b.onEnvelope(tc.id, *frame.Envelope)
	}
}

func (b *Bridge) writePump(tc *tabConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.removeTab(tc)
	}()
	for {
		select {
		case frame := <-tc.send:
			tc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := tc.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			tc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := tc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-tc.done:
			return
		}
	}
}

// Broadcast queues a command for every connected tab. Tabs whose send queue
// is full are skipped; commands are fire-and-forget.
func (b *Bridge) Broadcast(cmd envelope.Command) int {
	b.mu.Lock()
	conns := make([]*tabConn, 0, len(b.tabs))
	for _, tc := range b.tabs {
		conns = append(conns, tc)
	}
	b.mu.Unlock()

	sent := 0
	frame := Frame{Kind: FrameCommand, Command: &cmd}
	for _, tc := range conns {
		select {
		case tc.send <- frame:
			sent++
		default:
			logging.Warnf("[Relay] Send queue full for tab %s, command dropped", tc.id)
		}
	}
	return sent
}

// Tabs returns the ids of currently connected tabs.
func (b *Bridge) Tabs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tabs))
	for id := range b.tabs {
		out = append(out, id)
	}
	return out
}

// Close disconnects every tab.
func (b *Bridge) Close() {
	b.mu.Lock()
	conns := make([]*tabConn, 0, len(b.tabs))
	for _, tc := range b.tabs {
		conns = append(conns, tc)
	}
	b.mu.Unlock()
	for _, tc := range conns {
		b.removeTab(tc)
	}
}
