package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the job archive.
//
// Driver values:
//   - "memory": in-process archive, lost on restart
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// JobRecord is the archived form of a terminal job.
// Keep it compact and schema-stable.
type JobRecord struct {
	ID          string
	Type        string
	State       string
	Priority    int
	Attempts    int
	OwnerUserID string
	SubmittedAt time.Time
	CompletedAt time.Time
	DurationMS  int64
	Error       string
}
