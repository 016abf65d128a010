package relay

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
)

func init() {
	logging.Disable()
}

func TestLoopbackDeliversValidEnvelopes(t *testing.T) {
	var got []envelope.Envelope
	loop := NewLoopback("local", func(tab string, e envelope.Envelope) {
		if tab != "local" {
			t.Errorf("tab = %q", tab)
		}
		got = append(got, e)
	})

	loop.Send(envelope.Envelope{Event: envelope.EventFetchResponse, URL: "https://x", Body: "{}"})
	loop.Send(envelope.Envelope{Event: "bogus"})
	loop.Send(envelope.Envelope{Event: envelope.EventFetchResponse}) // missing fields

	if len(got) != 1 {
		t.Fatalf("delivered %d envelopes, want 1", len(got))
	}
}

type envelopeSink struct {
	mu   sync.Mutex
	recv []envelope.Envelope
	tabs []string
	ch   chan struct{}
}

func newEnvelopeSink() *envelopeSink {
	return &envelopeSink{ch: make(chan struct{}, 16)}
}

func (s *envelopeSink) handle(tab string, e envelope.Envelope) {
	s.mu.Lock()
	s.recv = append(s.recv, e)
	s.tabs = append(s.tabs, tab)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *envelopeSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func dialBridge(t *testing.T, srv *httptest.Server, tab string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tabs/" + tab
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", tab, err)
	}
	return conn
}

func TestBridgeEnvelopeFlow(t *testing.T) {
	sink := newEnvelopeSink()
	bridge := NewBridge(sink.handle)
	srv := httptest.NewServer(bridge.Handler())
	defer srv.Close()
	defer bridge.Close()

	conn := dialBridge(t, srv, "tab1")
	defer conn.Close()

	err := conn.WriteJSON(Frame{Kind: FrameEnvelope, Envelope: &envelope.Envelope{
		Event: envelope.EventFetchResponse, URL: "https://x", Body: `{"chats":[]}`,
	}})
	if err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recv) != 1 || sink.tabs[0] != "tab1" {
		t.Fatalf("recv=%d tabs=%v", len(sink.recv), sink.tabs)
	}
}

func TestBridgeDropsMalformedFrames(t *testing.T) {
	sink := newEnvelopeSink()
	bridge := NewBridge(sink.handle)
	srv := httptest.NewServer(bridge.Handler())
	defer srv.Close()
	defer bridge.Close()

	conn := dialBridge(t, srv, "tab1")
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	conn.WriteJSON(Frame{Kind: "mystery"})
	conn.WriteJSON(Frame{Kind: FrameEnvelope, Envelope: &envelope.Envelope{Event: "bogus"}})
	// A valid frame after the garbage proves the connection survived.
	conn.WriteJSON(Frame{Kind: FrameEnvelope, Envelope: &envelope.Envelope{
		Event: envelope.EventSetUserID, UserID: "42",
	}})
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recv) != 1 || sink.recv[0].UserID != "42" {
		t.Fatalf("recv = %+v", sink.recv)
	}
}

func TestBridgeRefusesDuplicateTab(t *testing.T) {
	bridge := NewBridge(func(string, envelope.Envelope) {})
	srv := httptest.NewServer(bridge.Handler())
	defer srv.Close()
	defer bridge.Close()

	conn := dialBridge(t, srv, "tab1")
	defer conn.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tabs/tab1"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("second connection for same tab should be refused")
	}

	// The original connection is unaffected.
	if got := bridge.Tabs(); len(got) != 1 || got[0] != "tab1" {
		t.Fatalf("tabs = %v", got)
	}
}

func TestBridgeTabFreedOnDisconnect(t *testing.T) {
	bridge := NewBridge(func(string, envelope.Envelope) {})
	srv := httptest.NewServer(bridge.Handler())
	defer srv.Close()
	defer bridge.Close()

	conn := dialBridge(t, srv, "tab1")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(bridge.Tabs()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("tab not freed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The same tab can reconnect now.
	conn2 := dialBridge(t, srv, "tab1")
	conn2.Close()
}

func TestBroadcastReachesAllTabs(t *testing.T) {
	bridge := NewBridge(func(string, envelope.Envelope) {})
	srv := httptest.NewServer(bridge.Handler())
	defer srv.Close()
	defer bridge.Close()

	conn1 := dialBridge(t, srv, "tab1")
	defer conn1.Close()
	conn2 := dialBridge(t, srv, "tab2")
	defer conn2.Close()

	cmd := envelope.Command{Action: envelope.ActionSendWSMessage, Data: []byte(`{"x":1}`)}
	if sent := bridge.Broadcast(cmd); sent != 2 {
		t.Fatalf("sent to %d tabs, want 2", sent)
	}

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if frame.Kind != FrameCommand || frame.Command == nil || frame.Command.Action != envelope.ActionSendWSMessage {
			t.Fatalf("frame = %+v", frame)
		}
	}
}
