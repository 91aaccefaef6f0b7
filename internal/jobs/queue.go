package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the priority-ordered store of pending and running jobs.
//
// Ordering: strict priority first (higher value dequeues sooner), FIFO
// within a priority band (earliest SubmittedAt wins, submission sequence
// breaks exact ties). Jobs whose AvailableAt lies in the future are
// skipped until eligible (retry backoff).
//
// All methods are safe for concurrent use; every mutation runs under one
// mutex so DequeueNext's select-and-transition is a single atomic step.
type Queue struct {
	mu sync.Mutex

	jobs    map[string]*Job
	pending []*Job            // State == StateQueued only
	dedup   map[string]string // dedup key -> job id, Queued|Running only

	queued  int
	running int
	seq     uint64

	wake chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		jobs:  map[string]*Job{},
		dedup: map[string]string{},
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Wake returns a channel signaled whenever new work may be dequeueable.
// The signal is coalesced; receivers must re-check the queue.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue validates and stores a new job in Queued state, returning its id.
//
// The zero-value fields of j are filled in: a missing ID gets a UUID, and
// SubmittedAt is stamped by the queue. Fails with ErrDuplicateJob when
// j.DedupKey is already held by a Queued or Running job.
func (q *Queue) Enqueue(j Job) (string, error) {
	if strings.TrimSpace(string(j.Type)) == "" {
		return "", fmt.Errorf("%w: type is required", ErrValidation)
	}
	if j.State != "" && j.State != StateQueued {
		return "", fmt.Errorf("%w: new jobs must be queued", ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, exists := q.jobs[j.ID]; exists {
		return "", fmt.Errorf("%w: id %s already known", ErrValidation, j.ID)
	}
	if j.DedupKey != "" {
		if holder, busy := q.dedup[j.DedupKey]; busy {
			return "", fmt.Errorf("%w: key %q held by job %s", ErrDuplicateJob, j.DedupKey, holder)
		}
	}

	now := q.now()
	j.State = StateQueued
	j.SubmittedAt = now
	q.seq++
	j.seq = q.seq
	j.done = make(chan struct{})

	stored := j
	q.jobs[stored.ID] = &stored
	q.pending = append(q.pending, &stored)
	q.queued++
	if stored.DedupKey != "" {
		q.dedup[stored.DedupKey] = stored.ID
	}

	q.signal()
	return stored.ID, nil
}

// DequeueNext atomically selects the eligible Queued job with the highest
// priority (FIFO within a band), transitions it to Running, and returns a
// copy. ok is false when nothing is eligible right now.
func (q *Queue) DequeueNext() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	best := -1
	for i, j := range q.pending {
		if !j.AvailableAt.IsZero() && j.AvailableAt.After(now) {
			continue
		}
		if best < 0 || pickBefore(j, q.pending[best]) {
			best = i
		}
	}
	if best < 0 {
		return Job{}, false
	}

	j := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	j.State = StateRunning
	j.StartedAt = now
	q.queued--
	q.running++
	return *j, true
}

// pickBefore reports whether a should be dequeued before b.
func pickBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.seq < b.seq
}

// Cancel transitions a Queued job to Cancelled. A cancelled job is never
// dequeued. Any other current state fails with ErrInvalidState.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != StateQueued {
		return fmt.Errorf("%w: cannot cancel %s job %s", ErrInvalidState, j.State, id)
	}

	for i, p := range q.pending {
		if p.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	j.State = StateCancelled
	j.CompletedAt = q.now()
	q.queued--
	q.settleLocked(j)
	return nil
}

// Requeue moves a Running job back to Queued for the retry path, preserving
// priority and dedup key, incrementing RetryCount, and delaying eligibility
// by delay.
func (q *Queue) Requeue(id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != StateRunning {
		return fmt.Errorf("%w: cannot requeue %s job %s", ErrInvalidState, j.State, id)
	}

	now := q.now()
	j.State = StateQueued
	j.RetryCount++
	j.StartedAt = time.Time{}
	j.AvailableAt = now.Add(delay)
	q.pending = append(q.pending, j)
	q.running--
	q.queued++

	q.signal()
	return nil
}

// MarkTerminal transitions a Running job to Succeeded or Failed, recording
// execErr (if any) as the job's last error.
func (q *Queue) MarkTerminal(id string, state State, execErr error) error {
	if state != StateSucceeded && state != StateFailed {
		return fmt.Errorf("%w: %s is not a terminal mark", ErrInvalidState, state)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State != StateRunning {
		return fmt.Errorf("%w: cannot mark %s job %s as %s", ErrInvalidState, j.State, id, state)
	}

	j.State = state
	j.CompletedAt = q.now()
	if execErr != nil {
		j.LastError = execErr.Error()
	}
	q.running--
	q.settleLocked(j)
	return nil
}

// FailRunning force-fails every Running job with the given reason and
// returns copies of the affected jobs. Used by the engine when the
// shutdown grace period expires.
func (q *Queue) FailRunning(reason error) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var failed []Job
	for _, j := range q.jobs {
		if j.State != StateRunning {
			continue
		}
		j.State = StateFailed
		j.CompletedAt = now
		if reason != nil {
			j.LastError = reason.Error()
		}
		q.running--
		q.settleLocked(j)
		failed = append(failed, *j)
	}
	return failed
}

// settleLocked releases the dedup hold and wakes terminal-state waiters.
func (q *Queue) settleLocked(j *Job) {
	if j.DedupKey != "" {
		if holder, ok := q.dedup[j.DedupKey]; ok && holder == j.ID {
			delete(q.dedup, j.DedupKey)
		}
	}
	if j.done != nil {
		close(j.done)
	}
}

// Get returns a copy of the job with the given id.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// WaitTerminal blocks until the job reaches a terminal state or ctx is done.
// On ctx expiry the job's current (possibly non-terminal) snapshot is
// returned along with ctx's error; the job itself is not cancelled.
func (q *Queue) WaitTerminal(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	done := j.done
	q.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		snap, _ := q.Get(id)
		return snap, ctx.Err()
	}
	snap, _ := q.Get(id)
	return snap, nil
}

// Depth returns the number of Queued jobs (including not-yet-eligible retries).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// RunningCount returns the number of Running jobs.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// PurgeTerminal removes terminal jobs that completed before the cutoff and
// returns how many were dropped. The dedup index never holds terminal jobs,
// so this only bounds the retained job records.
func (q *Queue) PurgeTerminal(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, j := range q.jobs {
		if j.State.Terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(before) {
			delete(q.jobs, id)
			n++
		}
	}
	return n
}
