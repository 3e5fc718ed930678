// Package config loads daemon configuration through viper, layering a YAML
// config file over built-in defaults. A default config file is created on
// first run.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/go-stratum/stratumd/lib/util"
	"github.com/go-stratum/stratumd/lib/util/logger"
)

var (
	// CfgFile is an explicit config file path, usually set from the CLI flag.
	CfgFile string

	log = logger.GetLogger()
)

const baseDirName = ".stratumd"

// DaemonConfig is the full materialized configuration of the daemon.
type DaemonConfig struct {
	// Endpoints the server listens on, host:port.
	Endpoints []string

	// BanOnMalformed bans addresses that send undecodable payload.
	BanOnMalformed bool
	// MalformedBanDuration is the ban window applied on junk input.
	MalformedBanDuration time.Duration
	// BanSweepInterval is how often expired bans are swept.
	BanSweepInterval time.Duration

	// MaxLineBytes caps one framed request line.
	MaxLineBytes int
	// MaxSessions caps concurrent sessions; zero means unlimited.
	MaxSessions int

	// MetricsAddress serves prometheus metrics when non-empty.
	MetricsAddress string

	// NTPEnabled switches the shared clock to NTP-corrected time.
	NTPEnabled bool
	// NTPServer is the NTP host queried when NTPEnabled is set.
	NTPServer string
}

// InitConfig wires viper: config file location, defaults, and first-run
// file creation.
func InitConfig() {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildBaseDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	handleConfigFile()
}

func setDefaults() {
	viper.SetDefault("listen.endpoints", DefaultDaemonConfig().Endpoints)

	viper.SetDefault("ban.on_malformed", DefaultDaemonConfig().BanOnMalformed)
	viper.SetDefault("ban.malformed_duration", DefaultDaemonConfig().MalformedBanDuration)
	viper.SetDefault("ban.sweep_interval", DefaultDaemonConfig().BanSweepInterval)

	viper.SetDefault("read.max_line_bytes", DefaultDaemonConfig().MaxLineBytes)
	viper.SetDefault("limits.max_sessions", DefaultDaemonConfig().MaxSessions)

	viper.SetDefault("metrics.address", DefaultDaemonConfig().MetricsAddress)

	viper.SetDefault("clock.ntp_enabled", DefaultDaemonConfig().NTPEnabled)
	viper.SetDefault("clock.ntp_server", DefaultDaemonConfig().NTPServer)
}

// NewDaemonConfigFromViper materializes a DaemonConfig from current viper
// settings.
func NewDaemonConfigFromViper() *DaemonConfig {
	return &DaemonConfig{
		Endpoints:            viper.GetStringSlice("listen.endpoints"),
		BanOnMalformed:       viper.GetBool("ban.on_malformed"),
		MalformedBanDuration: viper.GetDuration("ban.malformed_duration"),
		BanSweepInterval:     viper.GetDuration("ban.sweep_interval"),
		MaxLineBytes:         viper.GetInt("read.max_line_bytes"),
		MaxSessions:          viper.GetInt("limits.max_sessions"),
		MetricsAddress:       viper.GetString("metrics.address"),
		NTPEnabled:           viper.GetBool("clock.ntp_enabled"),
		NTPServer:            viper.GetString("clock.ntp_server"),
	}
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildBaseDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

// BuildBaseDirPath returns the daemon's configuration directory.
func BuildBaseDirPath() string {
	return filepath.Join(util.UserHome(), baseDirName)
}
