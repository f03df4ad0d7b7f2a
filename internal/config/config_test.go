package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"SADMIN_DB_PATH", "SADMIN_LOG_JSON", "SADMIN_HOST_AGENT_PORT",
		"SADMIN_PING_INTERVAL", "SADMIN_PING_TIMEOUT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DBPath != "/data/sadmin.db" {
		t.Errorf("DBPath = %q, want /data/sadmin.db", cfg.DBPath)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.HostAgentPort != "8888" {
		t.Errorf("HostAgentPort = %q, want 8888", cfg.HostAgentPort)
	}
	if cfg.PingInterval != 80*time.Second {
		t.Errorf("PingInterval = %s, want 80s", cfg.PingInterval)
	}
	if cfg.PingTimeout != 40*time.Second {
		t.Errorf("PingTimeout = %s, want 40s", cfg.PingTimeout)
	}
	if cfg.HostCertRotation != 24*time.Hour {
		t.Errorf("HostCertRotation = %s, want 24h", cfg.HostCertRotation)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SADMIN_DB_PATH", "/tmp/x.db")
	t.Setenv("SADMIN_LOG_JSON", "false")
	t.Setenv("SADMIN_HOST_AGENT_PORT", "9999")

	cfg := Load()
	if cfg.DBPath != "/tmp/x.db" {
		t.Errorf("DBPath = %q, want /tmp/x.db", cfg.DBPath)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
	if cfg.HostAgentPort != "9999" {
		t.Errorf("HostAgentPort = %q, want 9999", cfg.HostAgentPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"mismatched tls cert/key", func(c *Config) { c.TLSCert = "cert.pem" }, true},
		{"zero cert rotation", func(c *Config) { c.HostCertRotation = 0 }, true},
		{"ping timeout exceeds interval", func(c *Config) {
			c.PingInterval = 10 * time.Second
			c.PingTimeout = 20 * time.Second
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				HostCertRotation: 24 * time.Hour,
				PingInterval:     80 * time.Second,
				PingTimeout:      40 * time.Second,
			}
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "SADMIN_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("SADMIN_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvBool(t *testing.T) {
	const key = "SADMIN_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "SADMIN_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestEnvBoolPtr(t *testing.T) {
	const key = "SADMIN_TEST_ENV_BOOL_PTR"
	os.Unsetenv(key)
	if p := envBoolPtr(key); p != nil {
		t.Errorf("got %v, want nil for unset var", p)
	}
	t.Setenv(key, "false")
	if p := envBoolPtr(key); p == nil || *p != false {
		t.Errorf("got %v, want pointer to false", p)
	}
}
