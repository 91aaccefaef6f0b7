package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	// A(priority=1, t=0), B(priority=5, t=1), C(priority=5, t=2)
	a, err := q.Enqueue(Job{Type: TypePricingAnalysis, Priority: 1})
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	b, err := q.Enqueue(Job{Type: TypePricingAnalysis, Priority: 5})
	if err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	c, err := q.Enqueue(Job{Type: TypePricingAnalysis, Priority: 5})
	if err != nil {
		t.Fatalf("enqueue C: %v", err)
	}

	want := []string{b, c, a}
	for i, id := range want {
		j, ok := q.DequeueNext()
		if !ok {
			t.Fatalf("dequeue %d: queue unexpectedly empty", i)
		}
		if j.ID != id {
			t.Fatalf("dequeue %d = %s, want %s", i, j.ID, id)
		}
		if j.State != StateRunning {
			t.Fatalf("dequeued job state = %s, want running", j.State)
		}
	}
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("expected empty queue after draining")
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	if _, err := q.Enqueue(Job{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing type, got %v", err)
	}
	if _, err := q.Enqueue(Job{Type: TypeHealthReport, State: StateRunning}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for pre-set state, got %v", err)
	}
}

func TestDedupKeyBlocksWhileActive(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	id, err := q.Enqueue(Job{Type: TypeHistoryCleanup, DedupKey: "cleanup"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Blocked while Queued.
	if _, err := q.Enqueue(Job{Type: TypeHistoryCleanup, DedupKey: "cleanup"}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob while queued, got %v", err)
	}

	// Still blocked while Running.
	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("dequeue failed")
	}
	if _, err := q.Enqueue(Job{Type: TypeHistoryCleanup, DedupKey: "cleanup"}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob while running, got %v", err)
	}

	// Released on terminal state.
	if err := q.MarkTerminal(id, StateSucceeded, nil); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if _, err := q.Enqueue(Job{Type: TypeHistoryCleanup, DedupKey: "cleanup"}); err != nil {
		t.Fatalf("expected re-submission to succeed after terminal state, got %v", err)
	}
}

func TestCancelTransitions(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	id, _ := q.Enqueue(Job{Type: TypeNotifyDigest})
	if err := q.Cancel(id); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	j, _ := q.Get(id)
	if j.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", j.State)
	}

	// Cancelled jobs are never dequeued.
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("cancelled job was dequeued")
	}

	// Cancel on any non-queued state fails.
	if err := q.Cancel(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling cancelled job, got %v", err)
	}

	run, _ := q.Enqueue(Job{Type: TypeNotifyDigest})
	q.DequeueNext()
	if err := q.Cancel(run); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling running job, got %v", err)
	}
}

func TestRequeuePreservesIdentityAndDelays(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	q.now = func() time.Time { return now }

	id, _ := q.Enqueue(Job{Type: TypePricingAnalysis, Priority: 7, DedupKey: "listing-42"})
	q.DequeueNext()

	if err := q.Requeue(id, 2*time.Second); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	j, _ := q.Get(id)
	if j.State != StateQueued || j.RetryCount != 1 {
		t.Fatalf("after requeue: state=%s retries=%d", j.State, j.RetryCount)
	}
	if j.Priority != 7 || j.DedupKey != "listing-42" {
		t.Fatal("requeue must preserve priority and dedup key")
	}

	// Not eligible until the backoff delay has passed.
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("job dequeued before its availability delay")
	}
	now = base.Add(3 * time.Second)
	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("job not dequeued after its availability delay")
	}

	// Requeue is only legal from Running (it is, now) and then only once running.
	if err := q.Requeue(id, 0); err != nil {
		t.Fatalf("second requeue from running: %v", err)
	}
	now = now.Add(time.Second)
	q.DequeueNext()
	q.MarkTerminal(id, StateFailed, errors.New("boom"))
	if err := q.Requeue(id, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState requeueing terminal job, got %v", err)
	}
}

func TestMarkTerminalRules(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	id, _ := q.Enqueue(Job{Type: TypeHealthReport})
	if err := q.MarkTerminal(id, StateSucceeded, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState marking queued job, got %v", err)
	}
	q.DequeueNext()
	if err := q.MarkTerminal(id, StateCancelled, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for non-terminal mark, got %v", err)
	}
	if err := q.MarkTerminal(id, StateFailed, errors.New("handler exploded")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	j, _ := q.Get(id)
	if j.LastError != "handler exploded" || j.CompletedAt.IsZero() {
		t.Fatalf("terminal job not recorded: %+v", j)
	}
	if err := q.MarkTerminal(id, StateSucceeded, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState double-marking, got %v", err)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	for i := 0; i < 3; i++ {
		q.Enqueue(Job{Type: TypeNotifyDigest})
	}
	if d := q.Depth(); d != 3 {
		t.Fatalf("depth = %d, want 3", d)
	}
	q.DequeueNext()
	if d, r := q.Depth(), q.RunningCount(); d != 2 || r != 1 {
		t.Fatalf("depth=%d running=%d, want 2/1", d, r)
	}
}

func TestFailRunning(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	a, _ := q.Enqueue(Job{Type: TypePricingAnalysis})
	b, _ := q.Enqueue(Job{Type: TypePricingAnalysis})
	q.DequeueNext()
	q.DequeueNext()

	failed := q.FailRunning(ErrShutdownTimeout)
	if len(failed) != 2 {
		t.Fatalf("failed %d jobs, want 2", len(failed))
	}
	for _, id := range []string{a, b} {
		j, _ := q.Get(id)
		if j.State != StateFailed {
			t.Fatalf("job %s state = %s, want failed", id, j.State)
		}
		if j.LastError != ErrShutdownTimeout.Error() {
			t.Fatalf("job %s last error = %q", id, j.LastError)
		}
	}
	if q.RunningCount() != 0 {
		t.Fatal("running count not drained")
	}
}

func TestWaitTerminal(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	id, _ := q.Enqueue(Job{Type: TypeHealthReport})
	q.DequeueNext()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.MarkTerminal(id, StateSucceeded, nil)
	}()

	j, err := q.WaitTerminal(context.Background(), id)
	if err != nil {
		t.Fatalf("wait terminal: %v", err)
	}
	if j.State != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", j.State)
	}
}

func TestWaitTerminalTimeoutReturnsCurrentState(t *testing.T) {
	t.Parallel()
	q := NewQueue()

	id, _ := q.Enqueue(Job{Type: TypeHealthReport})
	q.DequeueNext()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	j, err := q.WaitTerminal(ctx, id)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	// The job is returned as-is and NOT cancelled.
	if j.State != StateRunning {
		t.Fatalf("state = %s, want running", j.State)
	}
}

func TestPurgeTerminal(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	q.now = func() time.Time { return now }

	id, _ := q.Enqueue(Job{Type: TypeHistoryCleanup})
	q.DequeueNext()
	q.MarkTerminal(id, StateSucceeded, nil)

	keep, _ := q.Enqueue(Job{Type: TypeHistoryCleanup})

	now = base.Add(2 * time.Hour)
	if n := q.PurgeTerminal(base.Add(time.Hour)); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, ok := q.Get(id); ok {
		t.Fatal("terminal job survived purge")
	}
	if _, ok := q.Get(keep); !ok {
		t.Fatal("queued job must never be purged")
	}
}
