// Package relay carries envelopes between the interception side and the
// agent without interpreting them. It validates shape, guards against a
// conduit being installed twice for the same tab, and passes everything
// else through untouched.
package relay

import (
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/logging"
)

// Channel is one direction of an envelope conduit.
type Channel interface {
	Send(envelope.Envelope) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(envelope.Envelope) error

func (f ChannelFunc) Send(e envelope.Envelope) error { return f(e) }

// Handler receives envelopes arriving from a tab.
type Handler func(tab string, e envelope.Envelope)

// Loopback is the in-process conduit used when the interception side runs
// in the same process as the agent. It applies the same shape check the
// bridge applies to remote frames.
type Loopback struct {
	tab     string
	handler Handler
}

// NewLoopback creates a loopback channel delivering to handler under the
// given tab identity.
func NewLoopback(tab string, handler Handler) *Loopback {
	return &Loopback{tab: tab, handler: handler}
}

var _ Channel = (*Loopback)(nil)

// Send delivers one envelope. Malformed envelopes are dropped with a log,
// never forwarded.
func (l *Loopback) Send(e envelope.Envelope) error {
	if !e.Valid() {
		logging.Warnf("[Relay] Dropped malformed envelope: event=%q", e.Event)
		return nil
	}
	l.handler(l.tab, e)
	return nil
}
