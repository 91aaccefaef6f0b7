package engine

import (
	"context"
	"time"

	"autopilot/internal/jobs"
)

// Config controls the worker pool and retry policy.
type Config struct {
	// Workers is the hard concurrency cap: at most this many jobs run at once.
	Workers int `json:"workers"`

	// MaxRetries is the retry ceiling per job. A job whose RetryCount has
	// reached this value fails permanently on its next error.
	MaxRetries    int           `json:"max_retries"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryMaxDelay time.Duration `json:"retry_max_delay"`
	RetryJitter   float64       `json:"retry_jitter"`

	// DefaultTimeout bounds each execution attempt. Zero disables the deadline.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// GraceTimeout is how long Stop waits for running jobs before force-failing them.
	GraceTimeout time.Duration `json:"grace_timeout"`

	// PollInterval is the fallback re-check period for delayed retries when no
	// wake signal arrives.
	PollInterval time.Duration `json:"poll_interval"`

	HistorySize int `json:"history_size"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Recorder receives every terminal job for aggregation.
type Recorder interface {
	RecordCompletion(j jobs.Job)
}

// Archiver persists terminal jobs for later inspection.
type Archiver interface {
	ArchiveJob(ctx context.Context, j jobs.Job) error
}

// HistoryItem is one completed execution kept in the in-memory ring.
type HistoryItem struct {
	ID         string              `json:"id"`
	Type       jobs.AutomationType `json:"type"`
	State      jobs.State          `json:"state"`
	Started    time.Time           `json:"started"`
	QueueDelay time.Duration       `json:"queue_delay"`
	Duration   time.Duration       `json:"duration"`
	Attempt    int                 `json:"attempt"`
	Error      string              `json:"error,omitempty"`
}

// Snapshot is a point-in-time diagnostic view of the engine.
type Snapshot struct {
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	QueueDepth     int           `json:"queue_depth"`
	InFlight       int           `json:"in_flight"`
	MaxRetries     int           `json:"max_retries"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	LastBeat       time.Time     `json:"last_beat"`
	History        []HistoryItem `json:"history,omitempty"`
}
