package app

import (
	"fmt"
	"strings"
	"time"

	"autopilot/internal/analytics"
	"autopilot/internal/config"
	"autopilot/internal/cron"
	"autopilot/internal/health"
	"autopilot/internal/jobs"
	"autopilot/internal/jobs/engine"
	"autopilot/internal/notify"
	"autopilot/internal/observability/pprof"
	"autopilot/internal/storage"
	logx "autopilot/pkg/logx"
)

// Mapping from the flat file config (duration strings, plain ints) to each
// service's typed Config. Every mapper is also used by the hot-reload
// validator, so parse errors here block a bad revision from being committed.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	if e.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if e.MaxRetries < 0 {
		return engine.Config{}, fmt.Errorf("engine.max_retries must be >= 0")
	}
	if e.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	}

	retryBase, err := config.ParseDurationField("engine.retry_base", e.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax, err := config.ParseDurationField("engine.retry_max_delay", e.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	defTimeout, err := config.ParseDurationOrDefault("engine.default_timeout", e.DefaultTimeout, 2*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.ParseDurationField("engine.grace_timeout", e.GraceTimeout)
	if err != nil {
		return engine.Config{}, err
	}

	mr := e.MaxRetries
	if mr == 0 {
		mr = 3
	}
	return engine.Config{
		Workers:        e.Workers,
		MaxRetries:     mr,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
		DefaultTimeout: defTimeout,
		GraceTimeout:   grace,
		HistorySize:    e.HistorySize,
	}, nil
}

func mapAnalyticsConfig(cfg *config.Config) (analytics.Config, error) {
	window, err := config.ParseDurationField("analytics.window", cfg.Analytics.Window)
	if err != nil {
		return analytics.Config{}, err
	}
	retention, err := config.ParseDurationField("analytics.retention", cfg.Analytics.Retention)
	if err != nil {
		return analytics.Config{}, err
	}
	purge, err := config.ParseDurationField("analytics.purge_interval", cfg.Analytics.PurgeInterval)
	if err != nil {
		return analytics.Config{}, err
	}
	return analytics.Config{Window: window, Retention: retention, PurgeInterval: purge}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Notify.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	sendTimeout, err := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{RatePerSec: cfg.Notify.RatePerSec, SendTimeout: sendTimeout}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	if cfg.Health.QueueWarnDepth < 0 {
		return health.Config{}, fmt.Errorf("health.queue_warn_depth must be >= 0")
	}
	stale, err := config.ParseDurationField("health.heartbeat_stale", cfg.Health.HeartbeatStale)
	if err != nil {
		return health.Config{}, err
	}
	ping, err := config.ParseDurationField("health.ping_timeout", cfg.Health.PingTimeout)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{QueueWarnDepth: cfg.Health.QueueWarnDepth, HeartbeatStale: stale, PingTimeout: ping}, nil
}

func mapCronConfig(cfg *config.Config) (cron.Config, error) {
	if tz := strings.TrimSpace(cfg.Cron.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return cron.Config{}, fmt.Errorf("cron.timezone: invalid %q: %w", tz, err)
		}
	}
	spread, err := config.ParseDurationField("cron.startup_spread", cfg.Cron.StartupSpread)
	if err != nil {
		return cron.Config{}, err
	}

	entries := make([]cron.Entry, 0, len(cfg.Cron.Entries))
	for _, e := range cfg.Cron.Entries {
		entry := cron.Entry{
			Name:     e.Name,
			Schedule: e.Schedule,
			Type:     jobs.AutomationType(e.Type),
			Priority: e.Priority,
			DedupKey: e.DedupKey,
			Payload:  e.Payload,
		}
		if err := cron.ValidateEntry(entry); err != nil {
			return cron.Config{}, fmt.Errorf("cron.entries: %w", err)
		}
		entries = append(entries, entry)
	}
	return cron.Config{Timezone: cfg.Cron.Timezone, StartupSpread: spread, Entries: entries}, nil
}

// mapStorageConfig returns enabled=false when no storage section is present
// or the driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: cfg.Storage.Path, BusyTimeout: busy}, true, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
