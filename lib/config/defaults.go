package config

import "time"

// DefaultDaemonConfig returns the built-in defaults: one listener on the
// conventional stratum port, junk input banned for thirty minutes, system
// clock, metrics off.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Endpoints:            []string{"0.0.0.0:3333"},
		BanOnMalformed:       true,
		MalformedBanDuration: 30 * time.Minute,
		BanSweepInterval:     5 * time.Minute,
		MaxLineBytes:         8 * 1024,
		MaxSessions:          0,
		MetricsAddress:       "",
		NTPEnabled:           false,
		NTPServer:            "pool.ntp.org",
	}
}
