package stratum

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBannedAddressRejectedAtAccept(t *testing.T) {
	disp := newRecordingDispatcher()
	bans := newMemoryBanGate()
	bans.Ban("127.0.0.1", time.Hour)

	srv, addr := startTestServer(t, nil, disp, bans)

	conn := dialTest(t, addr)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// The server must close without sending a single byte.
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 0, srv.SessionCount())
	assert.Equal(t, 0, disp.ConnectCount())
}

func TestRequestsDispatchedInOrder(t *testing.T) {
	disp := newRecordingDispatcher()
	srv, addr := startTestServer(t, nil, disp, newMemoryBanGate())

	conn := dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	const n = 20
	for i := 0; i < n; i++ {
		_, err := fmt.Fprintf(conn, `{"id":%d,"method":"method_%d"}`+"\n", i, i)
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(disp.Requests()) == n }, "all requests dispatched")

	for i, env := range disp.Requests() {
		assert.Equal(t, fmt.Sprintf("method_%d", i), env.Request.Method)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	disp := newRecordingDispatcher()
	srv, addr := startTestServer(t, nil, disp, newMemoryBanGate())

	dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	sess := srv.registry.Snapshot()[0]

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Disconnect(sess)
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool { return len(disp.DisconnectIDs()) >= 1 }, "disconnect hook")
	// Give any duplicate teardown a chance to surface before asserting.
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{sess.ID()}, disp.DisconnectIDs())
	assert.Equal(t, 0, srv.SessionCount())
	assert.True(t, sess.IsClosed())
}

func TestMalformedPayloadBansAddress(t *testing.T) {
	disp := newRecordingDispatcher()
	bans := newMemoryBanGate()
	srv, addr := startTestServer(t, nil, disp, bans)

	conn := dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	_, err := conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return bans.IsBanned("127.0.0.1") }, "address ban")

	// The junk itself does not tear the session down; the re-check on the
	// next inbound chunk does.
	assert.Equal(t, 1, srv.SessionCount())

	_, err = conn.Write([]byte(`{"id":1,"method":"subscribe"}` + "\n"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 0 }, "banned session disconnect")
	assert.Empty(t, disp.Requests())
}

func TestMalformedPayloadNoBanWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanOnMalformed = false

	disp := newRecordingDispatcher()
	bans := newMemoryBanGate()
	srv, addr := startTestServer(t, cfg, disp, bans)

	conn := dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	_, err := conn.Write([]byte("junk junk junk\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"id":2,"method":"authorize"}` + "\n"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return len(disp.Requests()) == 1 }, "request after junk")

	assert.False(t, bans.IsBanned("127.0.0.1"))
	assert.Equal(t, 1, srv.SessionCount())
	assert.Equal(t, "authorize", disp.Requests()[0].Request.Method)
}

func TestBroadcastSurvivesFailingClients(t *testing.T) {
	disp := newRecordingDispatcher()
	srv, addr := startTestServer(t, nil, disp, newMemoryBanGate())

	for i := 0; i < 3; i++ {
		dialTest(t, addr)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 3 }, "three sessions")

	var (
		mu      sync.Mutex
		visited []string
	)
	i := 0
	srv.ForEachClient(func(sess *Session) error {
		mu.Lock()
		visited = append(visited, sess.ID())
		mu.Unlock()
		i++
		switch i {
		case 1:
			return fmt.Errorf("transient send failure")
		case 2:
			panic("broadcast action exploded")
		}
		return nil
	})

	assert.Len(t, visited, 3)
}

func TestTwoPortsAcceptIndependently(t *testing.T) {
	disp := newRecordingDispatcher()
	srv := NewServer(nil, disp, newMemoryBanGate(), nil)
	require.NoError(t, srv.StartListeners("test", "127.0.0.1:0", "127.0.0.1:0"))
	t.Cleanup(srv.Shutdown)

	addrs := srv.ListenerAddrs()
	require.Len(t, addrs, 2)

	for _, addr := range addrs {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
	}

	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 2 }, "one session per port")
}

func TestStopListenersLeavesSessionsDraining(t *testing.T) {
	disp := newRecordingDispatcher()
	srv, addr := startTestServer(t, nil, disp, newMemoryBanGate())

	dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	srv.StopListeners()

	_, err := net.Dial("tcp", addr)
	assert.Error(t, err, "closed listener should refuse new connections")
	assert.Equal(t, 1, srv.SessionCount(), "existing session keeps draining")
}

func TestConnectHookPanicIsContained(t *testing.T) {
	disp := newRecordingDispatcher()
	disp.panicOnConnect = true
	srv, addr := startTestServer(t, nil, disp, newMemoryBanGate())

	conn := dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	// The session survives the panicking hook and still dispatches.
	_, err := conn.Write([]byte(`{"id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return len(disp.Requests()) == 1 }, "request after hook panic")
}

func TestSubscribeScenario(t *testing.T) {
	disp := newRecordingDispatcher()
	srv, addr := startTestServer(t, nil, disp, newMemoryBanGate())

	conn := dialTest(t, addr)
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 1 }, "session registration")

	sess := srv.registry.Snapshot()[0]

	_, err := conn.Write([]byte(`{"id":1,"method":"subscribe"}` + "\n"))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return len(disp.Requests()) == 1 }, "subscribe dispatch")

	// Connect fired exactly once, before the request.
	require.Equal(t, 1, disp.ConnectCount())

	env := disp.Requests()[0]
	assert.Equal(t, "subscribe", env.Request.Method)
	assert.Equal(t, "1", env.Request.IDString())
	assert.False(t, env.ReceivedAt.Before(sess.ConnectedAt()), "request timestamp precedes connection time")

	// Peer closes its write side: clean EOF path.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	waitFor(t, 2*time.Second, func() bool { return len(disp.DisconnectIDs()) == 1 }, "disconnect hook")
	assert.Equal(t, []string{sess.ID()}, disp.DisconnectIDs())
	assert.Equal(t, 0, srv.SessionCount())
	assert.Empty(t, srv.registry.Snapshot())
}
