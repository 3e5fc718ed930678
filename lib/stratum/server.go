package stratum

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/samber/oops"

	"github.com/go-stratum/stratumd/lib/metrics"
	"github.com/go-stratum/stratumd/lib/util/clock"
	"github.com/go-stratum/stratumd/lib/util/logger"
)

var log = logger.GetLogger()

// Config holds the engine's tunables.
type Config struct {
	// BanOnMalformed bans an address that sends undecodable payload.
	BanOnMalformed bool

	// MalformedBanDuration is the ban window applied on junk input.
	MalformedBanDuration time.Duration

	// MaxLineBytes caps one framed request line.
	MaxLineBytes int

	// MaxSessions rejects new connections past this many live sessions.
	// Zero means unlimited.
	MaxSessions int

	// Codec frames and decodes inbound chunks. Defaults to LineJSONCodec.
	Codec RequestCodec
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		BanOnMalformed:       true,
		MalformedBanDuration: 30 * time.Minute,
		MaxLineBytes:         defaultMaxLineBytes,
		MaxSessions:          0,
		Codec:                LineJSONCodec{},
	}
}

// Server binds TCP endpoints, runs one accept loop per endpoint, and drives
// every accepted connection through admission, dispatch, and teardown. The
// registry and the listener set are the only state touched from more than
// one goroutine; each sits behind its own lock held only for the mutation
// itself.
type Server struct {
	config     *Config
	dispatcher Dispatcher
	bans       BanGate
	clock      clock.Clock
	registry   *Registry

	lmu       sync.Mutex
	listeners map[int]net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the engine. A nil config takes DefaultConfig, a nil clock
// the system clock. Dispatcher and ban gate are required collaborators.
func NewServer(config *Config, dispatcher Dispatcher, bans BanGate, clk clock.Clock) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Codec == nil {
		config.Codec = LineJSONCodec{}
	}
	if clk == nil {
		clk = clock.System{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:     config,
		dispatcher: dispatcher,
		bans:       bans,
		clock:      clk,
		registry:   NewRegistry(),
		listeners:  make(map[int]net.Listener),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// StartListeners binds and begins accepting on each endpoint, one accept
// loop per endpoint. ownerID labels the loops in logs. Binding failures are
// returned to the caller, who decides whether they are fatal; endpoints
// bound before the failure stay up.
func (s *Server) StartListeners(ownerID string, endpoints ...string) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}

	for _, endpoint := range endpoints {
		ln, err := net.Listen("tcp", endpoint)
		if err != nil {
			return oops.Wrapf(err, "listen on %s", endpoint)
		}

		port := ln.Addr().(*net.TCPAddr).Port
		s.lmu.Lock()
		s.listeners[port] = ln
		s.lmu.Unlock()

		log.WithFields(logger.Fields{
			"at":       "stratum.Server.StartListeners",
			"owner":    ownerID,
			"category": s.dispatcher.LogCategory(),
			"endpoint": endpoint,
			"port":     port,
		}).Info("listener_started")

		s.wg.Add(1)
		go s.acceptLoop(ownerID, ln)
	}
	return nil
}

// StopListeners closes every tracked listening socket. Already-accepted
// sessions are untouched; they drain through their own completion and error
// paths.
func (s *Server) StopListeners() {
	s.lmu.Lock()
	listeners := s.listeners
	s.listeners = make(map[int]net.Listener)
	s.lmu.Unlock()

	for port, ln := range listeners {
		if err := ln.Close(); err != nil {
			log.WithFields(logger.Fields{
				"at":    "stratum.Server.StopListeners",
				"port":  port,
				"error": err.Error(),
			}).Warn("error_closing_listener")
		}
	}
}

// Shutdown stops accepting, disconnects every live session, and waits for
// all engine goroutines to exit.
func (s *Server) Shutdown() {
	s.cancel()
	s.StopListeners()
	for _, sess := range s.registry.Snapshot() {
		s.disconnect(sess, metrics.CauseAdmin)
	}
	s.wg.Wait()

	log.WithFields(logger.Fields{
		"at":       "stratum.Server.Shutdown",
		"category": s.dispatcher.LogCategory(),
	}).Info("server_stopped")
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	return s.registry.Len()
}

// Session returns the registered session for a connection id, if any.
func (s *Server) Session(id string) (*Session, bool) {
	return s.registry.Get(id)
}

// ListenerAddrs returns the bound address of every tracked listener. Useful
// when listening on port 0.
func (s *Server) ListenerAddrs() []string {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// acceptLoop accepts until its listening socket closes. A single failed
// accept never terminates the loop; repeated failures back off with jitter
// so a hot error does not spin the CPU.
func (s *Server) acceptLoop(ownerID string, ln net.Listener) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "stratum.Server.acceptLoop",
				"owner": ownerID,
				"panic": r,
			}).Error("panic_in_accept_loop")
		}
	}()

	retry := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    time.Second,
		Jitter: true,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// A closed listening socket is the shutdown signal, not an error.
			if errors.Is(err, net.ErrClosed) {
				log.WithFields(logger.Fields{
					"at":    "stratum.Server.acceptLoop",
					"owner": ownerID,
					"addr":  ln.Addr().String(),
				}).Debug("listener_closed")
				return
			}
			log.WithFields(logger.Fields{
				"at":    "stratum.Server.acceptLoop",
				"owner": ownerID,
				"error": err.Error(),
			}).Error("failed_to_accept_connection")
			time.Sleep(retry.Duration())
			continue
		}
		retry.Reset()

		tuneConn(conn)
		s.onAccepted(conn)
	}
}

// tuneConn applies per-socket options: keep-alive on, Nagle off. Stratum
// traffic is many small latency-sensitive writes.
func tuneConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetNoDelay(true)
}

// onAccepted is the admission path: ban gate, identifier, registration,
// connect hook, receive pipeline — in that order, so the connect hook can
// already see the new session in the registry.
func (s *Server) onAccepted(conn net.Conn) {
	remoteHost := hostOnly(conn.RemoteAddr())

	if s.bans.IsBanned(remoteHost) {
		metrics.ConnectionsRejectedBanned.Inc()
		log.WithFields(logger.Fields{
			"at":      "stratum.Server.onAccepted",
			"address": remoteHost,
		}).Debug("rejected_banned_address")
		_ = conn.Close()
		return
	}

	if s.config.MaxSessions > 0 && s.registry.Len() >= s.config.MaxSessions {
		metrics.ConnectionsRejectedLimit.Inc()
		log.WithFields(logger.Fields{
			"at":          "stratum.Server.onAccepted",
			"address":     remoteHost,
			"maxSessions": s.config.MaxSessions,
		}).Warn("max_sessions_reached_rejecting_connection")
		_ = conn.Close()
		return
	}

	sess := newSession(uuid.NewString(), conn, s.clock, s.config.Codec, s.config.MaxLineBytes)
	s.registry.Add(sess)
	metrics.ConnectionsAccepted.Inc()
	metrics.ActiveConnections.Inc()

	log.WithFields(logger.Fields{
		"at":       "stratum.Server.onAccepted",
		"category": s.dispatcher.LogCategory(),
		"connId":   sess.ID(),
		"remote":   sess.RemoteAddr().String(),
		"local":    sess.LocalAddr().String(),
	}).Debug("client_connected")

	s.safeOnConnect(sess)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(
			func(chunk []byte) { s.onData(sess, chunk) },
			func() { s.onComplete(sess) },
			func(err error) { s.onError(sess, err) },
		)
	}()
}

// onData handles one fully-framed inbound chunk: ban re-check, decode,
// envelope, dispatch. A failure here never crashes the receive pipeline.
func (s *Server) onData(sess *Session, chunk []byte) {
	// An address can be banned mid-session, e.g. for junk sent on another
	// connection from the same host.
	if s.bans.IsBanned(sess.RemoteHost()) {
		log.WithFields(logger.Fields{
			"at":      "stratum.Server.onData",
			"connId":  sess.ID(),
			"address": sess.RemoteHost(),
		}).Debug("disconnecting_banned_session")
		s.disconnect(sess, metrics.CauseBan)
		return
	}

	req, err := sess.decodeRequest(chunk)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			s.onMalformed(sess, err)
			return
		}
		log.WithFields(logger.Fields{
			"at":     "stratum.Server.onData",
			"connId": sess.ID(),
			"error":  err.Error(),
		}).Error("request_decode_failed")
		return
	}
	if req == nil {
		return
	}

	env := &Envelope{Request: req, ReceivedAt: s.clock.Now()}
	metrics.RequestsDispatched.Inc()
	s.safeOnRequest(sess, env)
}

// onMalformed applies the junk policy: log, count, and conditionally ban.
// The connection itself is left alone; the ban re-check on the next chunk or
// the transport layer closes it.
func (s *Server) onMalformed(sess *Session, err error) {
	metrics.MalformedPayloads.Inc()
	log.WithFields(logger.Fields{
		"at":      "stratum.Server.onMalformed",
		"connId":  sess.ID(),
		"address": sess.RemoteHost(),
		"error":   err.Error(),
	}).Warn("malformed_payload")

	if s.config.BanOnMalformed {
		s.bans.Ban(sess.RemoteHost(), s.config.MalformedBanDuration)
	}
}

// onComplete is the clean-EOF path.
func (s *Server) onComplete(sess *Session) {
	log.WithFields(logger.Fields{
		"at":     "stratum.Server.onComplete",
		"connId": sess.ID(),
	}).Debug("peer_closed_connection")
	s.disconnect(sess, metrics.CauseEOF)
}

// onError classifies a receive failure. Resets and our own closes are
// expected peer behavior; everything else is a real transport error.
func (s *Server) onError(sess *Session, err error) {
	cause := metrics.CauseError
	switch {
	case isBenignClose(err):
		cause = metrics.CauseAdmin
	case isConnReset(err):
		cause = metrics.CauseReset
		log.WithFields(logger.Fields{
			"at":     "stratum.Server.onError",
			"connId": sess.ID(),
		}).Debug("connection_reset_by_peer")
	default:
		log.WithFields(logger.Fields{
			"at":     "stratum.Server.onError",
			"connId": sess.ID(),
			"error":  err.Error(),
		}).Error("receive_error")
	}
	s.disconnect(sess, cause)
}

// Disconnect tears down a session on administrative request. Safe to call
// concurrently and repeatedly; only the first teardown does visible work.
func (s *Server) Disconnect(sess *Session) {
	s.disconnect(sess, metrics.CauseAdmin)
}

// DisconnectAddress disconnects every session whose peer host matches addr.
// Returns the number of sessions torn down.
func (s *Server) DisconnectAddress(addr string) int {
	n := 0
	for _, sess := range s.registry.Snapshot() {
		if sess.RemoteHost() == addr {
			s.disconnect(sess, metrics.CauseAdmin)
			n++
		}
	}
	return n
}

func (s *Server) disconnect(sess *Session, cause string) {
	id := sess.ID()
	sess.teardown(func() {
		s.registry.Remove(id)
		metrics.ActiveConnections.Dec()
		metrics.Disconnects.WithLabelValues(cause).Inc()
		s.safeOnDisconnect(id)

		log.WithFields(logger.Fields{
			"at":     "stratum.Server.disconnect",
			"connId": id,
			"cause":  cause,
		}).Debug("client_disconnected")
	})
}

// ForEachClient applies action to a point-in-time snapshot of all live
// sessions. One client's failure, error or panic, never stops the sweep,
// and the registry lock is not held while action runs.
func (s *Server) ForEachClient(action func(*Session) error) {
	for _, sess := range s.registry.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":     "stratum.Server.ForEachClient",
						"connId": sess.ID(),
						"panic":  r,
					}).Error("panic_in_broadcast_action")
				}
			}()
			if err := action(sess); err != nil {
				log.WithFields(logger.Fields{
					"at":     "stratum.Server.ForEachClient",
					"connId": sess.ID(),
					"error":  err.Error(),
				}).Warn("broadcast_action_failed")
			}
		}()
	}
}

func (s *Server) safeOnConnect(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":       "stratum.Server.safeOnConnect",
				"category": s.dispatcher.LogCategory(),
				"connId":   sess.ID(),
				"panic":    r,
			}).Error("panic_in_connect_hook")
		}
	}()
	s.dispatcher.OnConnect(sess)
}

func (s *Server) safeOnDisconnect(id string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":       "stratum.Server.safeOnDisconnect",
				"category": s.dispatcher.LogCategory(),
				"connId":   id,
				"panic":    r,
			}).Error("panic_in_disconnect_hook")
		}
	}()
	s.dispatcher.OnDisconnect(id)
}

func (s *Server) safeOnRequest(sess *Session, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":       "stratum.Server.safeOnRequest",
				"category": s.dispatcher.LogCategory(),
				"connId":   sess.ID(),
				"method":   env.Request.Method,
				"panic":    r,
			}).Error("panic_in_request_hook")
		}
	}()
	if err := s.dispatcher.OnRequest(s.ctx, sess, env); err != nil {
		log.WithFields(logger.Fields{
			"at":       "stratum.Server.safeOnRequest",
			"category": s.dispatcher.LogCategory(),
			"connId":   sess.ID(),
			"method":   env.Request.Method,
			"error":    err.Error(),
		}).Error("request_dispatch_failed")
	}
}
