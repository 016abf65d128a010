package agent

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fanrelay/fanrelay/internal/cache"
	"github.com/fanrelay/fanrelay/internal/config"
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/normalize"
	"github.com/fanrelay/fanrelay/internal/wire"
)

func init() {
	logging.Disable()
}

// fakeConn is an in-memory backend peer.
type fakeConn struct {
	in     chan []byte
	out    chan wire.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan wire.Message, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.in:
		return 1, raw, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	msg, ok := v.(wire.Message)
	if !ok {
		return errors.New("unexpected write type")
	}
	c.out <- msg
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push injects a backend frame into the agent's read loop.
func (c *fakeConn) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	msg, err := wire.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	raw := `{"type":"` + msg.Type + `","payload":` + string(msg.Payload) + `}`
	c.in <- []byte(raw)
}

// nextOfType skips keepalives and other noise until the wanted type shows.
func (c *fakeConn) nextOfType(t *testing.T, msgType string) wire.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.out:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", msgType)
		}
	}
}

// fakeDialer hands out queued connections and records dialed URLs.
type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	queue []*fakeConn
}

func (d *fakeDialer) dial(url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.queue) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.queue[0]
	d.queue = d.queue[1:]
	return conn, nil
}

func (d *fakeDialer) enqueue(c *fakeConn) {
	d.mu.Lock()
	d.queue = append(d.queue, c)
	d.mu.Unlock()
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

type recordingSink struct {
	mu   sync.Mutex
	cmds []envelope.Command
	ch   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan struct{}, 16)}
}

func (s *recordingSink) Broadcast(cmd envelope.Command) int {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return 1
}

func testConfig() config.Config {
	cfg, _ := config.LoadFromBytes(nil)
	cfg.Backend.URL = "ws://backend.test"
	cfg.Backend.KeepaliveInterval = time.Hour
	cfg.Backend.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func newTestAgent(t *testing.T) (*Agent, *fakeDialer, *cache.Store) {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dialer := &fakeDialer{}
	a := New(testConfig(), store, nil)
	a.SetDialer(dialer.dial)
	t.Cleanup(a.Stop)
	return a, dialer, store
}

func TestSnapshotPushedOnOpen(t *testing.T) {
	a, dialer, store := newTestAgent(t)
	store.UpsertOne(cache.TableChats, normalize.Record{"id": "c1", "name": "alpha"})
	store.UpsertOne(cache.TableMessages, normalize.Record{"id": "m1", "text": "hello", "chat_id": "c1"})

	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()

	msg := conn.nextOfType(t, wire.TypeCacheUpdate)
	payload, err := wire.DecodePayload[wire.CacheUpdatePayload](msg)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(payload.Chats) != 1 || len(payload.Messages) != 1 {
		t.Fatalf("snapshot: %d chats, %d messages", len(payload.Chats), len(payload.Messages))
	}
	if payload.Chats[0]["id"] != "c1" || payload.Messages[0]["id"] != "m1" {
		t.Fatalf("snapshot contents: %+v", payload)
	}
	if got := dialer.lastURL(); !strings.Contains(got, "/api/ws/extension/demo_user") {
		t.Fatalf("dialed %q", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	first := newFakeConn()
	second := newFakeConn()
	dialer.enqueue(first)
	a.Start()
	first.nextOfType(t, wire.TypeCacheUpdate)

	dialer.enqueue(second)
	first.Close()

	// The agent reconnects after the fixed delay and pushes a fresh snapshot.
	second.nextOfType(t, wire.TypeCacheUpdate)
	if a.State() != StateOpen {
		t.Fatalf("state = %v", a.State())
	}
}

func TestSinglePendingReconnectTimer(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	a.Start()

	// With every dial refused, attempts accumulate one per delay interval.
	time.Sleep(150 * time.Millisecond)
	got := dialer.attempts()
	if got < 2 {
		t.Fatalf("only %d attempts, reconnect not firing", got)
	}
	// 150ms at one attempt per 20ms allows at most ~8 even with scheduling
	// slop; stacked timers would produce far more.
	if got > 10 {
		t.Fatalf("%d attempts in 150ms, reconnect timers are stacking", got)
	}
}

func TestConcurrentConnectClosesDisplacedConn(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	c1 := newFakeConn()
	c2 := newFakeConn()
	dialer.enqueue(c1)
	dialer.enqueue(c2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.connect()
		}()
	}
	wg.Wait()

	// Whichever dial lost the race must have been closed, not left to
	// linger until its read loop happens to error.
	closed := 0
	for _, c := range []*fakeConn{c1, c2} {
		select {
		case <-c.closed:
			closed++
		default:
		}
	}
	if closed != 1 {
		t.Fatalf("closed %d of 2 connections, want exactly 1", closed)
	}
	if a.State() != StateOpen {
		t.Fatalf("state = %v", a.State())
	}
}

func TestConnectionAckIdentityCorrection(t *testing.T) {
	a, dialer, store := newTestAgent(t)
	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()
	conn.nextOfType(t, wire.TypeCacheUpdate)

	next := newFakeConn()
	dialer.enqueue(next)
	conn.push(t, wire.TypeConnectionAck, wire.ConnectionAckPayload{
		UserID: "777", StatusMessage: "Connected successfully",
	})

	// The correction forces an immediate reconnect under the new identity.
	next.nextOfType(t, wire.TypeCacheUpdate)
	if got := dialer.lastURL(); !strings.Contains(got, "/api/ws/extension/777") {
		t.Fatalf("reconnected to %q", got)
	}
	if a.UserID() != "777" {
		t.Fatalf("user id = %q, correction not applied", a.UserID())
	}
	if v, _ := store.State("user_id"); v != "777" {
		t.Fatalf("persisted id = %q", v)
	}

	// A repeat of the same ack is a no-op: no further dial.
	attempts := dialer.attempts()
	next.push(t, wire.TypeConnectionAck, wire.ConnectionAckPayload{UserID: "777"})
	time.Sleep(50 * time.Millisecond)
	if got := dialer.attempts(); got != attempts {
		t.Fatalf("repeat ack dialed again: %d -> %d attempts", attempts, got)
	}
	if a.UserID() != "777" {
		t.Fatalf("user id = %q", a.UserID())
	}
}

func TestCommandForwardedToSink(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	sink := newRecordingSink()
	a.SetCommandSink(sink)

	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()
	conn.nextOfType(t, wire.TypeCacheUpdate)

	conn.push(t, wire.TypeCommandToExecute, envelope.Command{
		Action: envelope.ActionSendFetchCommand,
		URL:    "https://onlyfans.com/api2/v2/chats/1/mark-as-read",
		Init:   []byte(`{"method":"POST"}`),
	})

	select {
	case <-sink.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached sink")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.cmds) != 1 || sink.cmds[0].URL != "https://onlyfans.com/api2/v2/chats/1/mark-as-read" {
		t.Fatalf("cmds = %+v", sink.cmds)
	}
}

func TestMalformedCommandDropped(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	sink := newRecordingSink()
	a.SetCommandSink(sink)

	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()
	conn.nextOfType(t, wire.TypeCacheUpdate)

	conn.push(t, wire.TypeCommandToExecute, map[string]any{"action": "self_destruct"})
	time.Sleep(100 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.cmds) != 0 {
		t.Fatalf("malformed command forwarded: %+v", sink.cmds)
	}
}

func TestKeepaliveOnlyWhileOpen(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer store.Close()

	cfg := testConfig()
	cfg.Backend.KeepaliveInterval = 30 * time.Millisecond
	dialer := &fakeDialer{}
	a := New(cfg, store, nil)
	a.SetDialer(dialer.dial)
	defer a.Stop()

	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()
	conn.nextOfType(t, wire.TypeCacheUpdate)

	msg := conn.nextOfType(t, wire.TypeKeepalive)
	if _, err := wire.DecodePayload[wire.KeepalivePayload](msg); err != nil {
		t.Fatalf("keepalive payload: %v", err)
	}
}

func TestSetUserID(t *testing.T) {
	a, dialer, store := newTestAgent(t)
	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()
	conn.nextOfType(t, wire.TypeCacheUpdate)

	if a.SetUserID("not-a-number") {
		t.Fatal("non-numeric id accepted")
	}
	if a.SetUserID("  ") {
		t.Fatal("blank id accepted")
	}

	next := newFakeConn()
	dialer.enqueue(next)
	if !a.SetUserID("4242") {
		t.Fatal("numeric id rejected")
	}
	next.nextOfType(t, wire.TypeCacheUpdate)
	if got := dialer.lastURL(); !strings.Contains(got, "/api/ws/extension/4242") {
		t.Fatalf("reconnected to %q", got)
	}
	if v, _ := store.State("user_id"); v != "4242" {
		t.Fatalf("persisted id = %q", v)
	}

	// Same id again is a no-op: no further dialing.
	after := dialer.attempts()
	if !a.SetUserID("4242") {
		t.Fatal("unchanged id rejected")
	}
	time.Sleep(50 * time.Millisecond)
	if dialer.attempts() != after {
		t.Fatal("unchanged id triggered a reconnect")
	}
}

func TestPersistedIdentityUsedOnStart(t *testing.T) {
	a, dialer, store := newTestAgent(t)
	if err := store.SetState("user_id", "31337"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	conn := newFakeConn()
	dialer.enqueue(conn)
	a.Start()
	conn.nextOfType(t, wire.TypeCacheUpdate)
	if got := dialer.lastURL(); !strings.Contains(got, "/api/ws/extension/31337") {
		t.Fatalf("dialed %q", got)
	}
}
