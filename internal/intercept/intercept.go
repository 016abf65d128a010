// Package intercept observes a chat site's network traffic and executes the
// narrow set of commands allowed against it. Observation taps the HTTP
// transport and the site's realtime socket; everything captured is forwarded
// as envelopes, raw text included, so downstream consumers decide what
// matters. Command execution is gated by a hard-coded URL allow-list that no
// configuration can widen.
package intercept

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
)

// Socket is the minimal surface of a live site socket the interceptor can
// send on. *websocket.Conn satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
}

// NetworkObserver is the seam traffic sources bind to: an HTTP transport
// decorator plus the realtime socket tap. Interceptor is the production
// implementation.
type NetworkObserver interface {
	Transport(next http.RoundTripper) http.RoundTripper
	TrackSocket(url string, s Socket) bool
	NoteSocketFrame(url string, raw []byte)
}

var _ NetworkObserver = (*Interceptor)(nil)

// Interceptor taps site traffic and executes allowed commands. One
// interceptor serves one site origin.
type Interceptor struct {
	rules ruleSet
	emit  func(envelope.Envelope)

	client *http.Client

	mu        sync.Mutex
	installed bool
	socket    Socket
	socketURL string
}

// New creates an interceptor for the given site origin and realtime socket
// prefix. Captured traffic is delivered through emit; emit must be non-nil
// and is called from multiple goroutines.
func New(origin, wsPrefix string, emit func(envelope.Envelope)) *Interceptor {
	ic := &Interceptor{
		rules: compileRules(origin, wsPrefix),
		emit:  emit,
	}
	ic.client = &http.Client{Timeout: 30 * time.Second}
	return ic
}

// Install marks the interceptor active. Installing twice is a no-op; the
// second call reports false and changes nothing.
func (ic *Interceptor) Install() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.installed {
		return false
	}
	ic.installed = true
	logging.Infof("[Intercept] Interceptor active")
	return true
}

// Installed reports whether Install has run.
func (ic *Interceptor) Installed() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.installed
}

func (ic *Interceptor) forward(e envelope.Envelope) {
	if !e.Valid() {
		logging.Warnf("[Intercept] Ignored malformed envelope: %+v", e)
		return
	}
	ic.emit(e)
}

// Transport wraps next so that requests to observed URLs are captured.
// Unmatched URLs pass through untouched. The caller's response body is
// never consumed: the body is buffered once and both the caller and the
// capture path read from their own copy.
func (ic *Interceptor) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		url := req.URL.String()
		if !ic.rules.observedURL(url) {
			return next.RoundTrip(req)
		}

		if req.Body != nil && req.Body != http.NoBody {
			body, err := io.ReadAll(req.Body)
			req.Body.Close()
			if err != nil {
				return nil, err
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			if len(body) > 0 {
				ic.forward(envelope.Envelope{
					Event: envelope.EventFetchRequest,
					URL:   url,
					Body:  string(body),
				})
			}
		}

		resp, err := next.RoundTrip(req)
		if err != nil {
			return nil, err
		}

		resp.Body = &captureBody{ic: ic, url: url, rc: resp.Body}
		return resp, nil
	})
}

// captureBody tees a response body: the caller streams it untouched while a
// copy accumulates for observation. The capture fires once the caller has
// read to EOF; a body closed early is drained first so the observed text is
// still complete.
type captureBody struct {
	ic   *Interceptor
	url  string
	rc   io.ReadCloser
	buf  bytes.Buffer
	once sync.Once
}

func (cb *captureBody) Read(p []byte) (int, error) {
	n, err := cb.rc.Read(p)
	if n > 0 {
		cb.buf.Write(p[:n])
	}
	if err == io.EOF {
		cb.fire()
	}
	return n, err
}

func (cb *captureBody) Close() error {
	if _, err := io.Copy(&cb.buf, cb.rc); err != nil {
		logging.Warnf("[Intercept] Failed to drain response body for %s: %v", cb.url, err)
	}
	cb.fire()
	return cb.rc.Close()
}

func (cb *captureBody) fire() {
	cb.once.Do(func() {
		body := cb.buf.String()
		go cb.ic.captureResponse(cb.url, body)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// captureResponse forwards a response body, detecting the creator's own user
// id and pre-shaping the two list endpoints on the way through. Bodies that
// do not parse as JSON are forwarded raw; observation never drops text.
func (ic *Interceptor) captureResponse(url, body string) {
	out := envelope.Envelope{Event: envelope.EventFetchResponse, URL: url, Body: body}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		ic.detectUserID(url, parsed)
		if reshaped, ok := ic.reshape(url, parsed); ok {
			out.Body = reshaped
		}
	}
	ic.forward(out)
}

// reshape rewraps chat-list and message-history responses into their keyed
// forms, patching in fallback ids and timestamps.
func (ic *Interceptor) reshape(url string, parsed map[string]any) (string, bool) {
	switch {
	case ic.rules.chatListURL(url):
		list, _ := parsed["list"].([]any)
		chats := make([]any, 0, len(list))
		for _, item := range list {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out := make(map[string]any, len(c)+2)
			for k, v := range c {
				out[k] = v
			}
			if out["id"] == nil || out["id"] == "" {
				if out["chat_id"] != nil {
					out["id"] = out["chat_id"]
				} else {
					out["id"] = "unknown"
				}
			}
			if out["createdAt"] == nil {
				if out["created_at"] != nil {
					out["createdAt"] = out["created_at"]
				} else {
					out["createdAt"] = time.Now().UTC().Format(time.RFC3339)
				}
			}
			chats = append(chats, out)
		}
		raw, err := json.Marshal(map[string]any{"chats": chats})
		if err != nil {
			return "", false
		}
		return string(raw), true

	case ic.rules.messageHistoryURL(url):
		list, _ := parsed["messages"].([]any)
		msgs := make([]any, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out := make(map[string]any, len(m)+2)
			for k, v := range m {
				out[k] = v
			}
			if out["id"] == nil || out["id"] == "" {
				if out["message_id"] != nil {
					out["id"] = out["message_id"]
				} else {
					out["id"] = fmt.Sprintf("msg_%d", time.Now().UnixMilli())
				}
			}
			if out["createdAt"] == nil {
				if out["created_at"] != nil {
					out["createdAt"] = out["created_at"]
				} else {
					out["createdAt"] = time.Now().UTC().Format(time.RFC3339)
				}
			}
			previews := make([]any, 0)
			if ps, ok := out["previews"].([]any); ok {
				for _, p := range ps {
					if _, isObj := p.(map[string]any); isObj {
						previews = append(previews, p)
					}
				}
			}
			out["previews"] = previews
			msgs = append(msgs, out)
		}
		raw, err := json.Marshal(map[string]any{"messages": msgs})
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	return "", false
}

// detectUserID recognizes the creator's own numeric id in a handful of
// response shapes and forwards it as a set_user_id envelope.
func (ic *Interceptor) detectUserID(url string, parsed map[string]any) {
	var uid float64
	switch {
	case ic.rules.userMeURL(url):
		uid, _ = parsed["id"].(float64)
	case ic.rules.initURL(url):
		if user, ok := parsed["user"].(map[string]any); ok {
			uid, _ = user["id"].(float64)
		}
	case ic.rules.chatListURL(url):
		list, _ := parsed["list"].([]any)
		for _, item := range list {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			wu, ok := c["withUser"].(map[string]any)
			if !ok {
				continue
			}
			isMe, _ := wu["is_me"].(bool)
			me, _ := wu["me"].(bool)
			if id, idOK := wu["id"].(float64); idOK && (isMe || me) {
				uid = id
				break
			}
		}
	}
	if uid == 0 || uid != float64(int64(uid)) {
		return
	}
	id := fmt.Sprintf("%d", int64(uid))
	logging.Infof("[Intercept] Detected creator user id: %s", id)
	ic.forward(envelope.Envelope{Event: envelope.EventSetUserID, UserID: id})
}

// TrackSocket registers a live socket as the command target if its URL is
// the site's realtime endpoint. The most recently tracked socket wins; the
// previous one is dropped without being closed.
func (ic *Interceptor) TrackSocket(url string, s Socket) bool {
	if !ic.rules.socketURL(url) {
		return false
	}
	ic.mu.Lock()
	ic.socket = s
	ic.socketURL = url
	ic.mu.Unlock()
	logging.Infof("[Intercept] Tracking realtime socket: %s", url)
	return true
}

// NoteSocketFrame captures one inbound frame from a tracked socket URL.
// Presence frames are minimized to just the online list; every other JSON
// object is forwarded whole. Non-JSON frames are dropped.
func (ic *Interceptor) NoteSocketFrame(url string, raw []byte) {
	if !ic.rules.socketURL(url) {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logging.Warnf("[Intercept] Socket frame parse error: %v", err)
		return
	}
	if online, ok := parsed["online"].([]any); ok && allIntegers(online) {
		ic.forward(envelope.Envelope{
			Event: envelope.EventWSMessage,
			URL:   url,
			Data:  map[string]any{"online": online},
		})
		return
	}
	ic.forward(envelope.Envelope{Event: envelope.EventWSMessage, URL: url, Data: parsed})
}

func allIntegers(vals []any) bool {
	for _, v := range vals {
		f, ok := v.(float64)
		if !ok || f != float64(int64(f)) {
			return false
		}
	}
	return true
}

// fetchInit mirrors the init object a command carries alongside its URL.
type fetchInit struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Execute runs one command. Unknown actions are ignored. Fetch commands
// whose URL is outside the allow-list are rejected and never executed.
func (ic *Interceptor) Execute(cmd envelope.Command) error {
	switch cmd.Action {
	case envelope.ActionSendWSMessage:
		ic.mu.Lock()
		s := ic.socket
		ic.mu.Unlock()
		if s == nil {
			return fmt.Errorf("no tracked socket")
		}
		if err := s.WriteMessage(websocket.TextMessage, cmd.Data); err != nil {
			return fmt.Errorf("send socket message: %w", err)
		}
		return nil

	case envelope.ActionSendFetchCommand:
		if !ic.rules.commandAllowed(cmd.URL) {
			logging.Securityf("[Intercept] Blocked disallowed fetch: %s", cmd.URL)
			return fmt.Errorf("url not allowed: %s", cmd.URL)
		}
		var init fetchInit
		if len(cmd.Init) > 0 {
			if err := json.Unmarshal(cmd.Init, &init); err != nil {
				return fmt.Errorf("decode command init: %w", err)
			}
		}
		method := strings.ToUpper(init.Method)
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if init.Body != "" {
			body = strings.NewReader(init.Body)
		}
		req, err := http.NewRequest(method, cmd.URL, body)
		if err != nil {
			return fmt.Errorf("build command request: %w", err)
		}
		for k, v := range init.Headers {
			req.Header.Set(k, v)
		}
		resp, err := ic.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute command fetch: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	}

	logging.Warnf("[Intercept] Unknown command action: %s", cmd.Action)
	return nil
}

// SetClient overrides the HTTP client used for command execution. The agent
// installs a client whose transport is itself observed, so command traffic
// is captured like any page request.
func (ic *Interceptor) SetClient(c *http.Client) {
	ic.client = c
}
