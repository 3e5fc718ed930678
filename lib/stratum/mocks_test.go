package stratum

// mocks_test.go — shared mock types and helpers used across the package
// tests.

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryBanGate is a minimal BanGate for tests: no expiry, just membership.
type memoryBanGate struct {
	mu     sync.Mutex
	banned map[string]bool
}

func newMemoryBanGate() *memoryBanGate {
	return &memoryBanGate{banned: make(map[string]bool)}
}

func (g *memoryBanGate) IsBanned(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.banned[addr]
}

func (g *memoryBanGate) Ban(addr string, _ time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banned[addr] = true
}

func (g *memoryBanGate) Unban(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.banned, addr)
}

// recordingDispatcher records every hook invocation for assertions.
type recordingDispatcher struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	requests    []*Envelope
	reqSessions []*Session

	// panicOnConnect makes OnConnect panic, for isolation tests.
	panicOnConnect bool
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{}
}

func (d *recordingDispatcher) LogCategory() string { return "test" }

func (d *recordingDispatcher) OnConnect(sess *Session) {
	d.mu.Lock()
	d.connects = append(d.connects, sess.ID())
	d.mu.Unlock()
	if d.panicOnConnect {
		panic("connect hook exploded")
	}
}

func (d *recordingDispatcher) OnDisconnect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects = append(d.disconnects, connID)
}

func (d *recordingDispatcher) OnRequest(_ context.Context, sess *Session, env *Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, env)
	d.reqSessions = append(d.reqSessions, sess)
	return nil
}

func (d *recordingDispatcher) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connects)
}

func (d *recordingDispatcher) DisconnectIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.disconnects))
	copy(out, d.disconnects)
	return out
}

func (d *recordingDispatcher) Requests() []*Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Envelope, len(d.requests))
	copy(out, d.requests)
	return out
}

// startTestServer brings up a server on an ephemeral localhost port and
// returns it with the dialable address.
func startTestServer(t *testing.T, cfg *Config, d Dispatcher, bans BanGate) (*Server, string) {
	t.Helper()

	srv := NewServer(cfg, d, bans, nil)
	require.NoError(t, srv.StartListeners("test", "127.0.0.1:0"))
	addrs := srv.ListenerAddrs()
	require.Len(t, addrs, 1)

	t.Cleanup(srv.Shutdown)
	return srv, addrs[0]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func dialTest(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
