package stratum

import (
	"context"
	"time"
)

// Envelope pairs a parsed request with the clock reading taken when its
// bytes finished parsing, so dispatchers can reason about latency and
// ordering without re-querying the clock.
type Envelope struct {
	Request    *Request
	ReceivedAt time.Time
}

// Dispatcher is the protocol policy plugged into the engine. OnConnect fires
// after the session is registered, so it may immediately look up or
// broadcast to every client including the new one. OnRequest is invoked
// sequentially per session, in arrival order. Panics and errors from any
// hook are contained at the connection boundary and never reach the accept
// loop or receive pipeline.
type Dispatcher interface {
	// LogCategory labels this dispatcher's traffic in engine logs.
	LogCategory() string

	OnConnect(sess *Session)

	// OnDisconnect receives the connection id of a torn-down session. It is
	// called exactly once per session, after the registry entry is gone.
	OnDisconnect(connID string)

	OnRequest(ctx context.Context, sess *Session, env *Envelope) error
}

// NopDispatcher is an embeddable Dispatcher with no-op hooks, so concrete
// dispatchers only override what they need.
type NopDispatcher struct{}

func (NopDispatcher) LogCategory() string { return "stratum" }

func (NopDispatcher) OnConnect(*Session) {}

func (NopDispatcher) OnDisconnect(string) {}

func (NopDispatcher) OnRequest(context.Context, *Session, *Envelope) error { return nil }

// BanGate is the banning policy consulted at admission and again before each
// dispatched request. Implementations must be safe for arbitrary concurrent
// use.
type BanGate interface {
	IsBanned(addr string) bool
	Ban(addr string, d time.Duration)
}
