package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func minimalYAML() string {
	return `
db_url: postgres://fleetmon@localhost/fleetmon
broker_url: nats://localhost:4222
credential_key: ` + testKey + `
influxdb:
  url: http://localhost:8086
  token: tok
  org: bank
  bucket: fleetmon
`
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("expected default ping interval 30s, got %v", cfg.PingInterval)
	}
	if cfg.SNMPInterval != 60*time.Second {
		t.Errorf("expected default snmp interval 60s, got %v", cfg.SNMPInterval)
	}
	if cfg.AlertEvalInterval != 10*time.Second {
		t.Errorf("expected default alert eval interval 10s, got %v", cfg.AlertEvalInterval)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.BatchSize)
	}
	if cfg.PingCount != 2 || cfg.PingTimeout != time.Second {
		t.Errorf("expected 2 packets with 1s timeout, got %d/%v", cfg.PingCount, cfg.PingTimeout)
	}
	if cfg.FlapK != 3 || cfg.FlapWindow != 5*time.Minute || cfg.ISPFlapK != 2 {
		t.Errorf("unexpected flap defaults: K=%d W=%v ispK=%d", cfg.FlapK, cfg.FlapWindow, cfg.ISPFlapK)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("PING_INTERVAL_SECS", "15")
	t.Setenv("BATCH_SIZE", "50")
	cfg, err := Load(writeConfig(t, minimalYAML()+"ping_interval_secs: 45\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingInterval != 15*time.Second {
		t.Errorf("env override lost: got %v", cfg.PingInterval)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("env override lost: got %d", cfg.BatchSize)
	}
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("DB_URL", "postgres://fleetmon@db/fleetmon")
	t.Setenv("BROKER_URL", "nats://broker:4222")
	t.Setenv("CREDENTIAL_KEY", testKey)
	t.Setenv("TIME_SERIES_URL", "http://influx:8086")
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.yml"))
	if err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if cfg.DBURL != "postgres://fleetmon@db/fleetmon" {
		t.Errorf("unexpected db url %q", cfg.DBURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{"ping interval too small", "ping_interval_secs: 5\n", "outside the 10s-60s range"},
		{"ping interval too large", "ping_interval_secs: 120\n", "outside the 10s-60s range"},
		{"discovery hour out of range", "discovery_hour_local: 25\n", "outside 0-23"},
		{"probe exchange exceeds sweep", "ping_timeout_ms: 9000\nping_count: 4\nping_interval_secs: 30\n", "below the ping interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, minimalYAML()+tt.mutate))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateRequiresBackends(t *testing.T) {
	_, err := Load(writeConfig(t, "ping_interval_secs: 30\n"))
	if err == nil {
		t.Fatal("expected error for missing backends")
	}
}

func TestValidateCredentialKeyLength(t *testing.T) {
	body := strings.Replace(minimalYAML(), testKey, "deadbeef", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "CREDENTIAL_KEY") {
		t.Errorf("expected credential key error, got %v", err)
	}
}
