package config

// Config is the root of the YAML/JSON configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at load time instead of
// silently falling back to defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Analytics AnalyticsConfig `json:"analytics"`
	Notify    NotifyConfig    `json:"notify"`
	Health    HealthConfig    `json:"health"`
	Cron      CronConfig      `json:"cron"`
	Server    ServerConfig    `json:"server"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the worker pool and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - max_retries: 3
//   - retry_base: "500ms", retry_max_delay: "15s"
//   - default_timeout: "2m" ("0s" disables the per-attempt deadline)
//   - grace_timeout: "10s"
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	GraceTimeout   string `json:"grace_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// AnalyticsConfig controls the rolling stats window and terminal-job retention.
type AnalyticsConfig struct {
	Window        string `json:"window,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PurgeInterval string `json:"purge_interval,omitempty"`
}

type NotifyConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type HealthConfig struct {
	QueueWarnDepth int    `json:"queue_warn_depth,omitempty"`
	HeartbeatStale string `json:"heartbeat_stale,omitempty"`
	PingTimeout    string `json:"ping_timeout,omitempty"`
}

// CronConfig lists the configured schedules.
type CronConfig struct {
	Timezone      string      `json:"timezone,omitempty"`
	StartupSpread string      `json:"startup_spread,omitempty"`
	Entries       []CronEntry `json:"entries,omitempty"`
}

type CronEntry struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Type     string         `json:"type"`
	Priority int            `json:"priority,omitempty"`
	DedupKey string         `json:"dedup_key,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ServerConfig controls the HTTP command surface.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// AllowedOrigins feeds the CORS layer; empty means same-origin only.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	IdleTimeout    string   `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional job archive.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autopilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
