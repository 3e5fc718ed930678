package clock

import (
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-stratum/stratumd/lib/util/logger"
)

var log = logger.GetLogger()

// Clock is the shared time source handed to sessions so that request
// timestamps and ban expiries come from one place.
type Clock interface {
	Now() time.Time
}

// System reads the local wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// NTPClient abstracts the NTP query so tests can substitute responses.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type defaultNTPClient struct{}

func (defaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

const (
	defaultQueryInterval = 11 * time.Minute
	maxPlausibleOffset   = 10 * time.Minute
)

// NTP is a Clock that corrects the local wall clock by the offset measured
// against an NTP server. Reads never block on the network; the offset is
// refreshed by a background loop and is zero until the first sample lands.
type NTP struct {
	server   string
	interval time.Duration
	client   NTPClient

	mu     sync.RWMutex
	offset time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNTP creates an NTP clock querying the given server. Call Start to begin
// sampling and Stop to shut the sampling loop down.
func NewNTP(server string) *NTP {
	return &NTP{
		server:   server,
		interval: defaultQueryInterval,
		client:   defaultNTPClient{},
		stopChan: make(chan struct{}),
	}
}

func (c *NTP) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Offset returns the currently applied correction.
func (c *NTP) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Start launches the sampling loop. The first query happens immediately.
func (c *NTP) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop terminates the sampling loop and waits for it to exit.
// Safe to call multiple times.
func (c *NTP) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

func (c *NTP) run() {
	defer c.wg.Done()

	c.sample()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *NTP) sample() {
	resp, err := c.client.QueryWithOptions(c.server, ntp.QueryOptions{Timeout: 10 * time.Second})
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "clock.NTP.sample",
			"server": c.server,
			"error":  err.Error(),
		}).Warn("ntp_query_failed")
		return
	}
	if err := resp.Validate(); err != nil {
		log.WithFields(logger.Fields{
			"at":     "clock.NTP.sample",
			"server": c.server,
			"error":  err.Error(),
		}).Warn("ntp_response_invalid")
		return
	}
	if resp.ClockOffset > maxPlausibleOffset || resp.ClockOffset < -maxPlausibleOffset {
		log.WithFields(logger.Fields{
			"at":     "clock.NTP.sample",
			"server": c.server,
			"offset": resp.ClockOffset,
		}).Warn("ntp_offset_implausible_ignored")
		return
	}

	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "clock.NTP.sample",
		"server": c.server,
		"offset": resp.ClockOffset,
	}).Debug("ntp_offset_applied")
}
