package ban

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	m := NewManager(clk, time.Hour)
	t.Cleanup(m.Close)
	return m, clk
}

func TestBanAndExpiry(t *testing.T) {
	m, clk := newTestManager(t)

	m.Ban("203.0.113.7", 30*time.Minute)
	assert.True(t, m.IsBanned("203.0.113.7"))
	assert.False(t, m.IsBanned("203.0.113.8"))

	clk.Advance(29 * time.Minute)
	assert.True(t, m.IsBanned("203.0.113.7"))

	clk.Advance(2 * time.Minute)
	assert.False(t, m.IsBanned("203.0.113.7"))
	assert.Equal(t, 0, m.Len(), "expired entry should be dropped on lookup")
}

func TestBanExtendsNotShortens(t *testing.T) {
	m, clk := newTestManager(t)

	m.Ban("198.51.100.1", time.Hour)
	m.Ban("198.51.100.1", time.Minute)

	clk.Advance(30 * time.Minute)
	assert.True(t, m.IsBanned("198.51.100.1"), "shorter re-ban must not cut the existing window")

	m.Ban("198.51.100.1", 2*time.Hour)
	clk.Advance(90 * time.Minute)
	assert.True(t, m.IsBanned("198.51.100.1"), "longer re-ban must extend the window")
}

func TestUnban(t *testing.T) {
	m, _ := newTestManager(t)

	m.Ban("192.0.2.1", time.Hour)
	m.Unban("192.0.2.1")
	assert.False(t, m.IsBanned("192.0.2.1"))
}

func TestSweepDropsExpired(t *testing.T) {
	m, clk := newTestManager(t)

	for i := 0; i < 10; i++ {
		m.Ban(fmt.Sprintf("192.0.2.%d", i), time.Minute)
	}
	m.Ban("192.0.2.100", time.Hour)

	clk.Advance(5 * time.Minute)
	m.sweep()

	assert.Equal(t, 1, m.Len())
	assert.True(t, m.IsBanned("192.0.2.100"))
}

func TestConcurrentUse(t *testing.T) {
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.0.%d", i)
			for j := 0; j < 100; j++ {
				m.Ban(addr, time.Minute)
				m.IsBanned(addr)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, m.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(nil, time.Hour)
	m.Close()
	m.Close()
}
