package jobs

import (
	"context"
	"time"
)

// AutomationType selects which registered handler executes a job.
type AutomationType string

// Built-in automation types registered by the app at startup.
const (
	TypePricingAnalysis AutomationType = "pricing_analysis"
	TypeHistoryCleanup  AutomationType = "history_cleanup"
	TypeHealthReport    AutomationType = "health_report"
	TypeNotifyDigest    AutomationType = "notify_digest"
)

// State is the lifecycle state of a job.
//
// Legal transitions:
//
//	Queued  -> Running   (dequeue)
//	Queued  -> Cancelled (cancel)
//	Running -> Queued    (retry path only, increments RetryCount)
//	Running -> Succeeded | Failed
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Job is one unit of automated work.
//
// A Job is created on enqueue and mutated only by the queue's own operations
// (state, timestamps, RetryCount). Callers always see copies.
type Job struct {
	ID          string         `json:"id"`
	Type        AutomationType `json:"type"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	OwnerUserID string         `json:"owner_user_id,omitempty"`

	State       State     `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	// AvailableAt gates retry eligibility: a queued job is not dequeueable
	// before this instant. Zero means immediately eligible.
	AvailableAt time.Time `json:"available_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`

	// seq breaks ties deterministically for jobs submitted in the same instant.
	seq uint64
	// done is closed when the job reaches a terminal state.
	done chan struct{}
}

// Result is the opaque output of a handler execution.
type Result map[string]any

// Handler executes the logic bound to an AutomationType.
//
// Handlers must honor ctx at I/O boundaries: the engine applies a per-job
// deadline and cancels ctx on shutdown. A handler that ignores ctx runs to
// completion, but its result is discarded once the job was force-failed.
type Handler interface {
	Execute(ctx context.Context, payload map[string]any) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload map[string]any) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	return f(ctx, payload)
}

// Event is published on the event bus for job lifecycle transitions.
// Keep it small; Data may be logged/serialized by subscribers.
type Event struct {
	ID         string         `json:"id"`
	Type       AutomationType `json:"type"`
	State      State          `json:"state"`
	Priority   int            `json:"priority"`
	QueueDelay time.Duration  `json:"queue_delay,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}
