package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownTemplate is returned for template keys outside the catalog.
	ErrUnknownTemplate = errors.New("unknown notification template")
	// ErrValidation marks malformed send input.
	ErrValidation = errors.New("invalid notification input")
)

// Config controls the synchronous send path.
type Config struct {
	// RatePerSec caps outbound mail; burst equals the rate so short spikes
	// don't block too hard.
	RatePerSec int `json:"rate_per_sec"`
	// SendTimeout bounds one lookup+render+send round trip.
	SendTimeout time.Duration `json:"send_timeout"`
	HistorySize int           `json:"history_size"`
}

// Recipient is a resolved mail target.
type Recipient struct {
	UserID string
	Name   string
	Email  string
}

// Directory resolves user ids to mail recipients. External collaborator.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Recipient, error)
}

// Mailer delivers rendered mail. External collaborator.
//
// Ping is a cheap reachability probe used by the health monitor.
type Mailer interface {
	Send(ctx context.Context, to, subject, html, text string) (bool, error)
	Ping(ctx context.Context) error
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	UserID   string    `json:"user_id"`
	Template string    `json:"template"`
	Sent     bool      `json:"sent"`
	Error    string    `json:"error,omitempty"`
}

// Event is emitted on the event bus for dispatch outcomes.
type Event struct {
	UserID   string    `json:"user_id"`
	Template string    `json:"template"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
