// Package config loads engine configuration from an optional YAML file and
// applies environment-variable overrides. Environment always wins so the same
// binary can run unchanged across deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable the engine recognizes. Durations are stored
// resolved; the YAML file and the environment express them in seconds.
type Config struct {
	PingInterval       time.Duration
	SNMPInterval       time.Duration
	IfMetricsInterval  time.Duration
	AlertEvalInterval  time.Duration
	DiscoveryHourLocal int // local hour for the daily interface-discovery sweep

	BatchSize       int
	PingWorkers     int
	SNMPWorkers     int
	PingCount       int
	PingTimeout     time.Duration
	PingPrivileged  bool
	SNMPTimeout     time.Duration
	SNMPRetries     int
	FlapK           int
	FlapWindow      time.Duration
	ISPFlapK        int
	RetentionDays   int
	HistoryDays     int
	StaleIfaceDays  int
	ShutdownGrace   time.Duration
	HealthPort      int
	APIListenAddr   string
	APICacheTTL     time.Duration
	QueueDepthLimit int

	DBURL         string
	BrokerURL     string
	CredentialKey string

	Influx InfluxConfig
}

// InfluxConfig is the time-series backend connection block.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type rawConfig struct {
	PingIntervalSecs      int          `yaml:"ping_interval_secs"`
	SNMPIntervalSecs      int          `yaml:"snmp_interval_secs"`
	IfMetricsIntervalSecs int          `yaml:"interface_metrics_interval_secs"`
	AlertEvalIntervalSecs int          `yaml:"alert_eval_interval_secs"`
	DiscoveryHourLocal    *int         `yaml:"discovery_hour_local"`
	BatchSize             int          `yaml:"batch_size"`
	PingWorkers           int          `yaml:"worker_concurrency_ping"`
	SNMPWorkers           int          `yaml:"worker_concurrency_snmp"`
	PingCount             int          `yaml:"ping_count"`
	PingTimeoutMs         int          `yaml:"ping_timeout_ms"`
	PingPrivileged        *bool        `yaml:"ping_privileged"`
	SNMPTimeoutSecs       int          `yaml:"snmp_timeout_secs"`
	SNMPRetries           *int         `yaml:"snmp_retries"`
	FlapK                 int          `yaml:"flap_k"`
	FlapWindowSecs        int          `yaml:"flap_window_secs"`
	ISPFlapK              int          `yaml:"isp_flap_k"`
	RetentionDays         int          `yaml:"retention_days_timeseries"`
	HistoryDays           int          `yaml:"alert_history_days"`
	StaleIfaceDays        int          `yaml:"interface_stale_days"`
	ShutdownGraceSecs     int          `yaml:"shutdown_grace_secs"`
	HealthPort            int          `yaml:"health_port"`
	APIListenAddr         string       `yaml:"api_listen_addr"`
	APICacheTTLSecs       int          `yaml:"api_cache_ttl_secs"`
	QueueDepthLimit       int          `yaml:"queue_depth_limit"`
	DBURL                 string       `yaml:"db_url"`
	BrokerURL             string       `yaml:"broker_url"`
	CredentialKey         string       `yaml:"credential_key"`
	Influx                InfluxConfig `yaml:"influxdb"`
}

// Load reads path (ignored when empty or missing), applies defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var raw rawConfig

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}

	applyDefaults(&raw)
	applyEnv(&raw)

	cfg := &Config{
		PingInterval:       time.Duration(raw.PingIntervalSecs) * time.Second,
		SNMPInterval:       time.Duration(raw.SNMPIntervalSecs) * time.Second,
		IfMetricsInterval:  time.Duration(raw.IfMetricsIntervalSecs) * time.Second,
		AlertEvalInterval:  time.Duration(raw.AlertEvalIntervalSecs) * time.Second,
		DiscoveryHourLocal: *raw.DiscoveryHourLocal,
		BatchSize:          raw.BatchSize,
		PingWorkers:        raw.PingWorkers,
		SNMPWorkers:        raw.SNMPWorkers,
		PingCount:          raw.PingCount,
		PingTimeout:        time.Duration(raw.PingTimeoutMs) * time.Millisecond,
		PingPrivileged:     *raw.PingPrivileged,
		SNMPTimeout:        time.Duration(raw.SNMPTimeoutSecs) * time.Second,
		SNMPRetries:        *raw.SNMPRetries,
		FlapK:              raw.FlapK,
		FlapWindow:         time.Duration(raw.FlapWindowSecs) * time.Second,
		ISPFlapK:           raw.ISPFlapK,
		RetentionDays:      raw.RetentionDays,
		HistoryDays:        raw.HistoryDays,
		StaleIfaceDays:     raw.StaleIfaceDays,
		ShutdownGrace:      time.Duration(raw.ShutdownGraceSecs) * time.Second,
		HealthPort:         raw.HealthPort,
		APIListenAddr:      raw.APIListenAddr,
		APICacheTTL:        time.Duration(raw.APICacheTTLSecs) * time.Second,
		QueueDepthLimit:    raw.QueueDepthLimit,
		DBURL:              raw.DBURL,
		BrokerURL:          raw.BrokerURL,
		CredentialKey:      raw.CredentialKey,
		Influx:             raw.Influx,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(raw *rawConfig) {
	if raw.PingIntervalSecs == 0 {
		raw.PingIntervalSecs = 30
	}
	if raw.SNMPIntervalSecs == 0 {
		raw.SNMPIntervalSecs = 60
	}
	if raw.IfMetricsIntervalSecs == 0 {
		raw.IfMetricsIntervalSecs = 60
	}
	if raw.AlertEvalIntervalSecs == 0 {
		raw.AlertEvalIntervalSecs = 10
	}
	if raw.DiscoveryHourLocal == nil {
		h := 3
		raw.DiscoveryHourLocal = &h
	}
	if raw.BatchSize == 0 {
		raw.BatchSize = 100
	}
	if raw.PingWorkers == 0 {
		raw.PingWorkers = 100
	}
	if raw.SNMPWorkers == 0 {
		raw.SNMPWorkers = 10
	}
	if raw.PingCount == 0 {
		raw.PingCount = 2
	}
	if raw.PingTimeoutMs == 0 {
		raw.PingTimeoutMs = 1000
	}
	if raw.PingPrivileged == nil {
		b := false
		raw.PingPrivileged = &b
	}
	if raw.SNMPTimeoutSecs == 0 {
		raw.SNMPTimeoutSecs = 5
	}
	if raw.SNMPRetries == nil {
		r := 3
		raw.SNMPRetries = &r
	}
	if raw.FlapK == 0 {
		raw.FlapK = 3
	}
	if raw.FlapWindowSecs == 0 {
		raw.FlapWindowSecs = 300
	}
	if raw.ISPFlapK == 0 {
		raw.ISPFlapK = 2
	}
	if raw.RetentionDays == 0 {
		raw.RetentionDays = 30
	}
	if raw.HistoryDays == 0 {
		raw.HistoryDays = 180
	}
	if raw.StaleIfaceDays == 0 {
		raw.StaleIfaceDays = 7
	}
	if raw.ShutdownGraceSecs == 0 {
		raw.ShutdownGraceSecs = 30
	}
	if raw.HealthPort == 0 {
		raw.HealthPort = 8090
	}
	if raw.APIListenAddr == "" {
		raw.APIListenAddr = ":8080"
	}
	if raw.APICacheTTLSecs == 0 {
		raw.APICacheTTLSecs = 15
	}
	if raw.QueueDepthLimit == 0 {
		raw.QueueDepthLimit = 5000
	}
}

func applyEnv(raw *rawConfig) {
	envInt("PING_INTERVAL_SECS", &raw.PingIntervalSecs)
	envInt("SNMP_INTERVAL_SECS", &raw.SNMPIntervalSecs)
	envInt("INTERFACE_METRICS_INTERVAL_SECS", &raw.IfMetricsIntervalSecs)
	envInt("ALERT_EVAL_INTERVAL_SECS", &raw.AlertEvalIntervalSecs)
	envIntPtr("DISCOVERY_HOUR_LOCAL", &raw.DiscoveryHourLocal)
	envInt("BATCH_SIZE", &raw.BatchSize)
	envInt("WORKER_CONCURRENCY_PING", &raw.PingWorkers)
	envInt("WORKER_CONCURRENCY_SNMP", &raw.SNMPWorkers)
	envInt("PING_COUNT", &raw.PingCount)
	envInt("PING_TIMEOUT_MS", &raw.PingTimeoutMs)
	envBoolPtr("PING_PRIVILEGED", &raw.PingPrivileged)
	envInt("SNMP_TIMEOUT_SECS", &raw.SNMPTimeoutSecs)
	envIntPtr("SNMP_RETRIES", &raw.SNMPRetries)
	envInt("FLAP_K", &raw.FlapK)
	envInt("FLAP_WINDOW_SECS", &raw.FlapWindowSecs)
	envInt("ISP_FLAP_K", &raw.ISPFlapK)
	envInt("RETENTION_DAYS_TIMESERIES", &raw.RetentionDays)
	envInt("ALERT_HISTORY_DAYS", &raw.HistoryDays)
	envInt("INTERFACE_STALE_DAYS", &raw.StaleIfaceDays)
	envInt("SHUTDOWN_GRACE_SECS", &raw.ShutdownGraceSecs)
	envInt("HEALTH_PORT", &raw.HealthPort)
	envStr("API_LISTEN_ADDR", &raw.APIListenAddr)
	envInt("API_CACHE_TTL_SECS", &raw.APICacheTTLSecs)
	envInt("QUEUE_DEPTH_LIMIT", &raw.QueueDepthLimit)
	envStr("DB_URL", &raw.DBURL)
	envStr("BROKER_URL", &raw.BrokerURL)
	envStr("CREDENTIAL_KEY", &raw.CredentialKey)
	envStr("TIME_SERIES_URL", &raw.Influx.URL)
	envStr("TIME_SERIES_TOKEN", &raw.Influx.Token)
	envStr("TIME_SERIES_ORG", &raw.Influx.Org)
	envStr("TIME_SERIES_BUCKET", &raw.Influx.Bucket)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envIntPtr(key string, dst **int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = &n
		}
	}
}

func envBoolPtr(key string, dst **bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = &b
		}
	}
}

func (c *Config) validate() error {
	if c.PingInterval < 10*time.Second || c.PingInterval > 60*time.Second {
		return fmt.Errorf("ping interval %v outside the 10s-60s range", c.PingInterval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.PingCount < 1 {
		return fmt.Errorf("ping count must be positive, got %d", c.PingCount)
	}
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("BROKER_URL is required")
	}
	if c.Influx.URL == "" {
		return fmt.Errorf("TIME_SERIES_URL is required")
	}
	if len(c.CredentialKey) != 64 { // 32 bytes hex-encoded
		return fmt.Errorf("CREDENTIAL_KEY must be 64 hex characters (32 bytes)")
	}
	if c.DiscoveryHourLocal < 0 || c.DiscoveryHourLocal > 23 {
		return fmt.Errorf("discovery hour %d outside 0-23", c.DiscoveryHourLocal)
	}
	// The full per-probe exchange (count * timeout) has to fit well inside a
	// sweep period or batches pile up behind their own probes.
	if time.Duration(c.PingCount)*c.PingTimeout >= c.PingInterval {
		return fmt.Errorf("ping_count*ping_timeout (%v) must be below the ping interval (%v)",
			time.Duration(c.PingCount)*c.PingTimeout, c.PingInterval)
	}
	if c.SNMPTimeout*time.Duration(c.SNMPRetries+1) > c.SNMPInterval/2 {
		return fmt.Errorf("snmp timeout*retries (%v) exceeds half the snmp interval (%v)",
			c.SNMPTimeout*time.Duration(c.SNMPRetries+1), c.SNMPInterval)
	}
	return nil
}
