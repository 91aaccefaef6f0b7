package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/jobs"
	"autopilot/internal/notify"
)

const testConfigYAML = `
logging:
  level: error
  console: true
engine:
  workers: 2
  max_retries: 1
  retry_base: 1ms
  grace_timeout: 1s
storage:
  driver: memory
`

type stubInference struct{ err error }

func (s stubInference) Process(context.Context, string, []string) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"suggested_price": 99.0}, nil
}

type stubDirectory struct{}

func (stubDirectory) Lookup(_ context.Context, userID string) (notify.Recipient, error) {
	return notify.Recipient{UserID: userID, Name: "Test", Email: userID + "@example.com"}, nil
}

type stubMailer struct{ sent int }

func (m *stubMailer) Send(context.Context, string, string, string, string) (bool, error) {
	m.sent++
	return true, nil
}

func (m *stubMailer) Ping(context.Context) error { return nil }

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := New(config.NewManager(path), Collaborators{
		Directory: stubDirectory{},
		Mailer:    &stubMailer{},
		Inference: stubInference{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestInitializeShutdownIdempotent(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	if got := a.GetSystemStatus().State; got != StateCreated {
		t.Fatalf("state before init = %s", got)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if got := a.GetSystemStatus().State; got != StateRunning {
		t.Fatalf("state after init = %s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if got := a.Shutdown(ctx); got != StateStopped {
		t.Fatalf("shutdown = %s", got)
	}
	if got := a.Shutdown(ctx); got != StateStopped {
		t.Fatalf("second shutdown = %s", got)
	}
}

func TestTriggerAutomationSync(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	res, err := a.TriggerAutomation(context.Background(), jobs.TypePricingAnalysis, TriggerOptions{
		Payload: map[string]any{"entity_id": "listing-1"},
		Sync:    true,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !res.Accepted || res.JobID == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.Job == nil || res.Job.State != jobs.StateSucceeded {
		t.Fatalf("job = %+v", res.Job)
	}
}

func TestTriggerUnknownType(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	_, err := a.TriggerAutomation(context.Background(), "reindex_everything", TriggerOptions{})
	if !errors.Is(err, jobs.ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestQueuePriorityJobChecksTypeAndDedup(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	if _, err := a.QueuePriorityJob(jobs.Job{Type: "nope"}); !errors.Is(err, jobs.ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}

	j := jobs.Job{
		Type:     jobs.TypeNotifyDigest,
		Priority: 3,
		DedupKey: "digest:u1",
		// No items: the handler is a fast no-op, but the dedup hold lasts
		// until the job settles, which is what this test races against.
		Payload: map[string]any{"user_id": "u1"},
	}
	id, err := a.QueuePriorityJob(j)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Either still held (duplicate) or already settled (accepted): both are
	// legal, but an unknown error is not.
	if _, err := a.QueuePriorityJob(j); err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := a.queue.WaitTerminal(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.State != jobs.StateSucceeded {
		t.Fatalf("job state = %s (%s)", done.State, done.LastError)
	}
}

func TestTerminalJobsAreArchived(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	res, err := a.TriggerAutomation(context.Background(), jobs.TypePricingAnalysis, TriggerOptions{
		Payload: map[string]any{"entity_id": "listing-9"},
		Sync:    true,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	// settleTerminal archives synchronously on the worker path before the
	// done channel closes observers, but give the row a moment regardless.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := a.store.RecentJobs(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) > 0 {
			if rows[0].ID != res.JobID || rows[0].State != string(jobs.StateSucceeded) {
				t.Fatalf("archived row = %+v", rows[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("job never archived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendImmediateNotification(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	sent, err := a.SendImmediateNotification(context.Background(), "u1", notify.TplListingApproved, map[string]any{
		"listing_title": "Mountain bike",
	})
	if err != nil || !sent {
		t.Fatalf("sent=%v err=%v", sent, err)
	}

	if _, err := a.SendImmediateNotification(context.Background(), "u1", "nope", nil); !errors.Is(err, notify.ErrUnknownTemplate) {
		t.Fatalf("want ErrUnknownTemplate, got %v", err)
	}
}

func TestCancelAndGetJob(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	// Not initialized: no workers are draining, so the job stays Queued.
	a.registerBuiltins()

	id, err := a.QueuePriorityJob(jobs.Job{Type: jobs.TypeHistoryCleanup, Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.CancelJob(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j, err := a.GetJob(id)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != jobs.StateCancelled {
		t.Fatalf("state = %s", j.State)
	}
	if _, err := a.GetJob("missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
