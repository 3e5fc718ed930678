package stratum

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stratum/stratumd/lib/util/clock"
	"github.com/samber/oops"
)

// Session states. Transitions are one-way: Active -> Draining -> Closed.
// Closed is terminal; receive events arriving after it are ignored.
const (
	stateActive int32 = iota
	stateDraining
	stateClosed
)

const defaultMaxLineBytes = 8 * 1024

// Session is the server-side state for one accepted TCP connection. It owns
// the socket, frames inbound bytes into chunks, and decodes chunks into
// requests through its codec. All receive-side work happens on a single
// goroutine, which is what makes per-connection dispatch ordering structural
// rather than enforced.
type Session struct {
	id          string
	conn        net.Conn
	remoteAddr  net.Addr
	localAddr   net.Addr
	remoteHost  string
	connectedAt time.Time

	clock        clock.Clock
	codec        RequestCodec
	maxLineBytes int

	state     atomic.Int32
	closeOnce sync.Once

	// wmu serializes writers; dispatchers and broadcasts send concurrently.
	wmu sync.Mutex
}

func newSession(id string, conn net.Conn, clk clock.Clock, codec RequestCodec, maxLineBytes int) *Session {
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}
	return &Session{
		id:           id,
		conn:         conn,
		remoteAddr:   conn.RemoteAddr(),
		localAddr:    conn.LocalAddr(),
		remoteHost:   hostOnly(conn.RemoteAddr()),
		connectedAt:  clk.Now(),
		clock:        clk,
		codec:        codec,
		maxLineBytes: maxLineBytes,
	}
}

// ID returns the process-unique connection identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer endpoint.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// LocalAddr returns the listener endpoint that accepted this connection.
func (s *Session) LocalAddr() net.Addr { return s.localAddr }

// RemoteHost returns the peer address without the port, the key the ban
// gate is queried with.
func (s *Session) RemoteHost() string { return s.remoteHost }

// ConnectedAt returns the clock reading taken at accept time.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// IsClosed reports whether teardown has run.
func (s *Session) IsClosed() bool { return s.state.Load() == stateClosed }

// Send marshals v as one JSON line and writes it to the peer. Safe for
// concurrent use; fails with ErrSessionClosed once teardown has run.
func (s *Session) Send(v interface{}) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return oops.Wrapf(err, "marshal outbound message")
	}
	data = append(data, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.IsClosed() {
		return ErrSessionClosed
	}
	if _, err := s.conn.Write(data); err != nil {
		return oops.Wrapf(err, "write to %s", s.remoteHost)
	}
	return nil
}

// decodeRequest runs one framed chunk through the session's codec.
func (s *Session) decodeRequest(chunk []byte) (*Request, error) {
	return s.codec.Decode(chunk)
}

// run is the receive pipeline: it frames inbound bytes line by line and
// feeds the three lifecycle callbacks. One call per complete chunk to
// onData, then exactly one of onComplete (clean EOF) or onError. Events
// after the session closes are dropped.
func (s *Session) run(onData func([]byte), onComplete func(), onError func(error)) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 1024), s.maxLineBytes)

	for scanner.Scan() {
		if s.state.Load() != stateActive {
			return
		}
		onData(scanner.Bytes())
	}

	if !s.beginDraining() {
		// Teardown already ran; the read failure is our own close racing the
		// scanner and carries no signal.
		return
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = oops.Wrapf(ErrLineTooLong, "line from %s exceeds %d bytes", s.remoteHost, s.maxLineBytes)
		}
		onError(err)
		return
	}
	onComplete()
}

// beginDraining moves Active -> Draining, reporting false if the session
// already left the Active state.
func (s *Session) beginDraining() bool {
	return s.state.CompareAndSwap(stateActive, stateDraining)
}

// teardown releases the socket exactly once and then runs after, which the
// server uses for registry removal and the disconnect hook. Subsequent calls
// are no-ops regardless of which path triggered the first.
func (s *Session) teardown(after func()) {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		_ = s.conn.Close()
		if after != nil {
			after()
		}
	})
}

// hostOnly strips the port from a peer address, falling back to the raw
// string for non-TCP addresses (tests use net.Pipe).
func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
