package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all sadmin server configuration from environment variables.
type Config struct {
	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// Web gateway
	WebPort    string
	WebEnabled bool

	// Authentication
	AuthEnabled   *bool // nil = use DB default (true); non-nil = env override
	SessionExpiry time.Duration
	CookieSecure  bool

	// Web gateway TLS
	TLSCert string
	TLSKey  string
	TLSAuto bool

	MetricsEnabled bool

	// Host-agent protocol (spec §4.4, §6). The rotation and timeout fields
	// are loaded, validated and listed by Values only; internal/hostserver
	// and internal/certs use their own fixed constants with the same defaults.
	HostAgentPort     string        // fixed TCP port, default 8888
	HostAgentCertDir  string        // directory holding the rotating host TLS cert/key
	HostCertRotation  time.Duration // cert rotation interval, spec default 24h
	PingInterval      time.Duration // spec default 80s
	PingTimeout       time.Duration // spec default 40s
	IdleTimeout       time.Duration // spec default 120s
	HostSendTimeout   time.Duration // spec default 60s

	// Persistence daemon (spec §4.6, §6)
	PersistSocketPath string // default /run/simpleadmin/persist.socket
	ControlSocketPath string // default /run/simpleadmin/control.socket

	// Image registry & pruner (spec §4.7)
	RegistryBlobsDir   string
	RegistryUploadsDir string
	RegistryPruneEvery time.Duration // spec default 12h
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		DBPath:             ":memory:",
		SessionExpiry:      720 * time.Hour,
		HostAgentPort:      "8888",
		PingInterval:       80 * time.Second,
		PingTimeout:        40 * time.Second,
		IdleTimeout:        120 * time.Second,
		HostSendTimeout:    60 * time.Second,
		HostCertRotation:   24 * time.Hour,
		RegistryPruneEvery: 12 * time.Hour,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:             envStr("SADMIN_DB_PATH", "/data/sadmin.db"),
		LogJSON:            envBool("SADMIN_LOG_JSON", true),
		WebPort:            envStr("SADMIN_WEB_PORT", "8080"),
		WebEnabled:         envBool("SADMIN_WEB_ENABLED", true),
		AuthEnabled:        envBoolPtr("SADMIN_AUTH_ENABLED"),
		SessionExpiry:      envDuration("SADMIN_SESSION_EXPIRY", 720*time.Hour),
		CookieSecure:       envBool("SADMIN_COOKIE_SECURE", true),
		TLSCert:            envStr("SADMIN_TLS_CERT", ""),
		TLSKey:             envStr("SADMIN_TLS_KEY", ""),
		TLSAuto:            envBool("SADMIN_TLS_AUTO", true),
		MetricsEnabled:     envBool("SADMIN_METRICS", false),
		HostAgentPort:      envStr("SADMIN_HOST_AGENT_PORT", "8888"),
		HostAgentCertDir:   envStr("SADMIN_HOST_CERT_DIR", "/data/host-certs"),
		HostCertRotation:   envDuration("SADMIN_HOST_CERT_ROTATION", 24*time.Hour),
		PingInterval:       envDuration("SADMIN_PING_INTERVAL", 80*time.Second),
		PingTimeout:        envDuration("SADMIN_PING_TIMEOUT", 40*time.Second),
		IdleTimeout:        envDuration("SADMIN_IDLE_TIMEOUT", 120*time.Second),
		HostSendTimeout:    envDuration("SADMIN_HOST_SEND_TIMEOUT", 60*time.Second),
		PersistSocketPath:  envStr("SADMIN_PERSIST_SOCKET", "/run/simpleadmin/persist.socket"),
		ControlSocketPath:  envStr("SADMIN_CONTROL_SOCKET", "/run/simpleadmin/control.socket"),
		RegistryBlobsDir:   envStr("SADMIN_REGISTRY_BLOBS_DIR", "/data/registry/blobs"),
		RegistryUploadsDir: envStr("SADMIN_REGISTRY_UPLOADS_DIR", "/data/registry/uploads"),
		RegistryPruneEvery: envDuration("SADMIN_REGISTRY_PRUNE_EVERY", 12*time.Hour),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, fmt.Errorf("SADMIN_TLS_CERT and SADMIN_TLS_KEY must both be set or both empty"))
	}
	if c.HostCertRotation <= 0 {
		errs = append(errs, fmt.Errorf("SADMIN_HOST_CERT_ROTATION must be > 0, got %s", c.HostCertRotation))
	}
	if c.PingTimeout >= c.PingInterval {
		errs = append(errs, fmt.Errorf("SADMIN_PING_TIMEOUT must be less than SADMIN_PING_INTERVAL"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"SADMIN_DB_PATH":              c.DBPath,
		"SADMIN_LOG_JSON":             fmt.Sprintf("%t", c.LogJSON),
		"SADMIN_WEB_PORT":             c.WebPort,
		"SADMIN_WEB_ENABLED":         fmt.Sprintf("%t", c.WebEnabled),
		"SADMIN_SESSION_EXPIRY":       c.SessionExpiry.String(),
		"SADMIN_COOKIE_SECURE":        fmt.Sprintf("%t", c.CookieSecure),
		"SADMIN_TLS_CERT":             c.TLSCert,
		"SADMIN_TLS_KEY":              redactPath(c.TLSKey),
		"SADMIN_TLS_AUTO":             fmt.Sprintf("%t", c.TLSAuto),
		"SADMIN_METRICS":              fmt.Sprintf("%t", c.MetricsEnabled),
		"SADMIN_HOST_AGENT_PORT":      c.HostAgentPort,
		"SADMIN_HOST_CERT_DIR":        c.HostAgentCertDir,
		"SADMIN_HOST_CERT_ROTATION":   c.HostCertRotation.String(),
		"SADMIN_PING_INTERVAL":        c.PingInterval.String(),
		"SADMIN_PING_TIMEOUT":         c.PingTimeout.String(),
		"SADMIN_IDLE_TIMEOUT":         c.IdleTimeout.String(),
		"SADMIN_HOST_SEND_TIMEOUT":    c.HostSendTimeout.String(),
		"SADMIN_PERSIST_SOCKET":       c.PersistSocketPath,
		"SADMIN_CONTROL_SOCKET":       c.ControlSocketPath,
		"SADMIN_REGISTRY_BLOBS_DIR":   c.RegistryBlobsDir,
		"SADMIN_REGISTRY_UPLOADS_DIR": c.RegistryUploadsDir,
		"SADMIN_REGISTRY_PRUNE_EVERY": c.RegistryPruneEvery.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envBoolPtr returns a *bool from env. Returns nil if unset (lets DB default apply).
func envBoolPtr(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// redactPath returns "(set)" if the path is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// TLSEnabled returns true when TLS is configured (cert+key or auto).
func (c *Config) TLSEnabled() bool {
	return (c.TLSCert != "" && c.TLSKey != "") || c.TLSAuto
}
