package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"autopilot/internal/analytics"
	"autopilot/internal/health"
	"autopilot/internal/jobs"
	"autopilot/internal/jobs/engine"
	"autopilot/internal/notify"
	logx "autopilot/pkg/logx"
)

// defaultTriggerPriority ranks admin/API triggers above routine scheduled
// work (cron entries default to 0) without starving explicit high-priority
// submissions.
const defaultTriggerPriority = 5

// SystemStatus is the operator-facing process summary.
type SystemStatus struct {
	State        State         `json:"state"`
	QueueDepth   int           `json:"queue_depth"`
	RunningCount int           `json:"running_count"`
	Uptime       time.Duration `json:"uptime"`
}

func (a *App) GetSystemStatus() SystemStatus {
	a.mu.Lock()
	state := a.state
	startedAt := a.startedAt
	a.mu.Unlock()

	var uptime time.Duration
	if state == StateRunning && !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}
	return SystemStatus{
		State:        state,
		QueueDepth:   a.queue.Depth(),
		RunningCount: a.queue.RunningCount(),
		Uptime:       uptime,
	}
}

func (a *App) GetAnalyticsDashboard() analytics.Snapshot {
	return a.stats.Snapshot()
}

func (a *App) HealthCheck(ctx context.Context) health.Report {
	return a.monitor.Check(ctx)
}

// TriggerOptions tunes one TriggerAutomation call. Zero value: default
// priority, asynchronous.
type TriggerOptions struct {
	// Priority overrides the default trigger priority when set.
	Priority *int
	Payload  map[string]any
	// Sync blocks until the job reaches a terminal state.
	Sync bool
	// Timeout bounds a Sync wait. On expiry the job's current state is
	// returned; the job itself keeps running.
	Timeout time.Duration
}

type TriggerResult struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	// Job is the post-wait snapshot, only set for Sync triggers.
	Job *jobs.Job `json:"job,omitempty"`
}

// TriggerAutomation enqueues one job of the given type. Unknown types are
// rejected before anything is queued.
func (a *App) TriggerAutomation(ctx context.Context, t jobs.AutomationType, opts TriggerOptions) (TriggerResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !a.registry.Known(t) {
		return TriggerResult{}, fmt.Errorf("%w: %q", jobs.ErrUnknownType, t)
	}

	priority := defaultTriggerPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}

	id, err := a.queue.Enqueue(jobs.Job{
		Type:     t,
		Priority: priority,
		Payload:  opts.Payload,
	})
	if err != nil {
		return TriggerResult{}, err
	}
	a.log.Debug("automation triggered",
		logx.String("type", string(t)),
		logx.String("job", id),
		logx.Bool("sync", opts.Sync),
	)

	res := TriggerResult{JobID: id, Accepted: true}
	if !opts.Sync {
		return res, nil
	}

	wctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	j, werr := a.queue.WaitTerminal(wctx, id)
	// A timed-out wait still returns the job's current snapshot; the job is
	// not cancelled.
	if werr != nil && !errors.Is(werr, context.DeadlineExceeded) && !errors.Is(werr, context.Canceled) {
		return res, werr
	}
	res.Job = &j
	return res, nil
}

// QueuePriorityJob submits a caller-shaped job. Type must be registered;
// dedup key conflicts surface as jobs.ErrDuplicateJob.
func (a *App) QueuePriorityJob(j jobs.Job) (string, error) {
	if !a.registry.Known(j.Type) {
		return "", fmt.Errorf("%w: %q", jobs.ErrUnknownType, j.Type)
	}
	return a.queue.Enqueue(j)
}

// CancelJob cancels a Queued job. Running and terminal jobs fail with
// jobs.ErrInvalidState.
func (a *App) CancelJob(id string) error {
	return a.queue.Cancel(id)
}

// GetJob returns a snapshot of the job with the given id.
func (a *App) GetJob(id string) (jobs.Job, error) {
	j, ok := a.queue.Get(id)
	if !ok {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return j, nil
}

// SendImmediateNotification delivers one templated mail synchronously.
func (a *App) SendImmediateNotification(ctx context.Context, userID, templateKey string, data map[string]any) (bool, error) {
	return a.dispatch.SendImmediate(ctx, userID, templateKey, data)
}

// AutomationTypes lists the registered automation types.
func (a *App) AutomationTypes() []jobs.AutomationType {
	return a.registry.Types()
}

// EngineSnapshot exposes the worker-pool diagnostics.
func (a *App) EngineSnapshot() engine.Snapshot {
	return a.engine.Snapshot()
}

// NotifyHistory exposes recent notification outcomes.
func (a *App) NotifyHistory() []notify.HistoryItem {
	return a.dispatch.Snapshot()
}

// MetricsGatherer is the prometheus registry served on /metrics.
func (a *App) MetricsGatherer() prometheus.Gatherer {
	return a.metrics
}
