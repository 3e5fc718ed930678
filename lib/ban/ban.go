// Package ban provides the in-memory implementation of the ban gate consumed
// by the stratum server core. Bans are keyed by remote IP address and expire
// after their recorded deadline; expired entries are dropped lazily on lookup
// and by a periodic background sweep.
package ban

import (
	"sync"
	"time"

	"github.com/go-stratum/stratumd/lib/util/clock"
	"github.com/go-stratum/stratumd/lib/util/logger"
)

var log = logger.GetLogger()

const defaultSweepInterval = 5 * time.Minute

// Manager tracks banned addresses with expiry deadlines. Safe for use from
// arbitrary concurrent contexts.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	clock clock.Clock

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager using the given clock and starts the expiry
// sweep loop. A nil clock falls back to the system clock.
func NewManager(clk clock.Clock, sweepInterval time.Duration) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	m := &Manager{
		entries:  make(map[string]time.Time),
		clock:    clk,
		stopChan: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop(sweepInterval)
	return m
}

// Ban records addr as banned for the given duration, extending any existing
// entry if the new deadline is later.
func (m *Manager) Ban(addr string, d time.Duration) {
	deadline := m.clock.Now().Add(d)

	m.mu.Lock()
	if existing, ok := m.entries[addr]; !ok || deadline.After(existing) {
		m.entries[addr] = deadline
	}
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":       "ban.Manager.Ban",
		"address":  addr,
		"duration": d,
	}).Info("address_banned")
}

// IsBanned reports whether addr is currently banned. Expired entries are
// removed as a side effect.
func (m *Manager) IsBanned(addr string) bool {
	m.mu.RLock()
	deadline, ok := m.entries[addr]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	if m.clock.Now().Before(deadline) {
		return true
	}

	m.mu.Lock()
	// Re-check under the write lock; a concurrent Ban may have extended it.
	if deadline, ok = m.entries[addr]; ok && !m.clock.Now().Before(deadline) {
		delete(m.entries, addr)
	}
	m.mu.Unlock()
	return false
}

// Unban removes any ban for addr.
func (m *Manager) Unban(addr string) {
	m.mu.Lock()
	delete(m.entries, addr)
	m.mu.Unlock()
}

// Len returns the number of tracked entries, expired ones included until the
// next sweep.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the sweep loop. Safe to call multiple times.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	removed := 0
	for addr, deadline := range m.entries {
		if !now.Before(deadline) {
			delete(m.entries, addr)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "ban.Manager.sweep",
			"removed": removed,
		}).Debug("expired_bans_swept")
	}
}
