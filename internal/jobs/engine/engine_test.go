package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autopilot/internal/jobs"
	logx "autopilot/pkg/logx"
)

func testConfig() Config {
	return Config{
		Workers:        2,
		MaxRetries:     3,
		RetryBase:      time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		RetryJitter:    0.01,
		DefaultTimeout: time.Second,
		GraceTimeout:   time.Second,
		PollInterval:   5 * time.Millisecond,
	}
}

func startEngine(t *testing.T, cfg Config, reg func(*jobs.Registry)) (*Service, *jobs.Queue) {
	t.Helper()
	q := jobs.NewQueue()
	r := jobs.NewRegistry()
	if reg != nil {
		reg(r)
	}
	s := New(cfg, logx.Nop(), nil, q, r)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, q
}

func waitDone(t *testing.T, q *jobs.Queue, id string) jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := q.WaitTerminal(ctx, id)
	if err != nil {
		t.Fatalf("job %s did not finish: %v", id, err)
	}
	return j
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	var got atomic.Value
	_, q := startEngine(t, testConfig(), func(r *jobs.Registry) {
		r.Register(jobs.TypePricingAnalysis, jobs.HandlerFunc(func(_ context.Context, payload map[string]any) (jobs.Result, error) {
			got.Store(payload["listing_id"])
			return jobs.Result{"ok": true}, nil
		}))
	})

	id, err := q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis, Payload: map[string]any{"listing_id": "l-1"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j := waitDone(t, q, id)
	if j.State != jobs.StateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", j.State, j.LastError)
	}
	if got.Load() != "l-1" {
		t.Fatalf("handler saw payload %v", got.Load())
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	var calls int32
	_, q := startEngine(t, testConfig(), func(r *jobs.Registry) {
		r.Register(jobs.TypeHealthReport, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		}))
	})

	id, _ := q.Enqueue(jobs.Job{Type: jobs.TypeHealthReport})
	j := waitDone(t, q, id)
	if j.State != jobs.StateSucceeded {
		t.Fatalf("state = %s (%s), want succeeded", j.State, j.LastError)
	}
	if j.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", j.RetryCount)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("handler ran %d times, want exactly 3", n)
	}
}

func TestRetryCeiling(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxRetries = 2
	var calls int32
	_, q := startEngine(t, cfg, func(r *jobs.Registry) {
		r.Register(jobs.TypeHealthReport, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("always broken")
		}))
	})

	id, _ := q.Enqueue(jobs.Job{Type: jobs.TypeHealthReport})
	j := waitDone(t, q, id)
	if j.State != jobs.StateFailed {
		t.Fatalf("state = %s, want failed", j.State)
	}
	if j.RetryCount != cfg.MaxRetries {
		t.Fatalf("retry count = %d, want %d", j.RetryCount, cfg.MaxRetries)
	}
	// Initial attempt plus MaxRetries retries, nothing more.
	if n := atomic.LoadInt32(&calls); n != int32(cfg.MaxRetries+1) {
		t.Fatalf("handler ran %d times, want %d", n, cfg.MaxRetries+1)
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	var calls int32
	_, q := startEngine(t, testConfig(), func(r *jobs.Registry) {
		r.Register(jobs.TypeNotifyDigest, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			atomic.AddInt32(&calls, 1)
			return nil, jobs.NoRetry(errors.New("bad payload"))
		}))
	})

	id, _ := q.Enqueue(jobs.Job{Type: jobs.TypeNotifyDigest})
	j := waitDone(t, q, id)
	if j.State != jobs.StateFailed || j.RetryCount != 0 {
		t.Fatalf("state=%s retries=%d, want failed/0", j.State, j.RetryCount)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func TestUnknownTypeFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	_, q := startEngine(t, testConfig(), nil)

	id, _ := q.Enqueue(jobs.Job{Type: "no_such_automation"})
	j := waitDone(t, q, id)
	if j.State != jobs.StateFailed || j.RetryCount != 0 {
		t.Fatalf("state=%s retries=%d, want failed/0", j.State, j.RetryCount)
	}
}

func TestAttemptTimeoutFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DefaultTimeout = 10 * time.Millisecond
	var calls int32
	_, q := startEngine(t, cfg, func(r *jobs.Registry) {
		r.Register(jobs.TypePricingAnalysis, jobs.HandlerFunc(func(ctx context.Context, _ map[string]any) (jobs.Result, error) {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	})

	id, _ := q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis})
	j := waitDone(t, q, id)
	if j.State != jobs.StateFailed || j.RetryCount != 0 {
		t.Fatalf("state=%s retries=%d, want failed/0", j.State, j.RetryCount)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func TestPanicIsRetried(t *testing.T) {
	t.Parallel()
	var calls int32
	_, q := startEngine(t, testConfig(), func(r *jobs.Registry) {
		r.Register(jobs.TypeHistoryCleanup, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("boom")
			}
			return nil, nil
		}))
	})

	id, _ := q.Enqueue(jobs.Job{Type: jobs.TypeHistoryCleanup})
	j := waitDone(t, q, id)
	if j.State != jobs.StateSucceeded || j.RetryCount != 1 {
		t.Fatalf("state=%s retries=%d, want succeeded/1", j.State, j.RetryCount)
	}
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 2

	var cur, peak int32
	_, q := startEngine(t, cfg, func(r *jobs.Registry) {
		r.Register(jobs.TypePricingAnalysis, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			n := atomic.AddInt32(&cur, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil, nil
		}))
	})

	var ids []string
	for i := 0; i < 6; i++ {
		id, _ := q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis})
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitDone(t, q, id)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("observed %d concurrent executions, cap is 2", p)
	}
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	_, q := startEngine(t, testConfig(), func(r *jobs.Registry) {
		r.Register(jobs.TypeHealthReport, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			return nil, jobs.NoRetry(errors.New("broken"))
		}))
		r.Register(jobs.TypeNotifyDigest, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			return nil, nil
		}))
	})

	bad, _ := q.Enqueue(jobs.Job{Type: jobs.TypeHealthReport})
	good, _ := q.Enqueue(jobs.Job{Type: jobs.TypeNotifyDigest})

	if j := waitDone(t, q, bad); j.State != jobs.StateFailed {
		t.Fatalf("bad job state = %s", j.State)
	}
	if j := waitDone(t, q, good); j.State != jobs.StateSucceeded {
		t.Fatalf("good job state = %s", j.State)
	}
}

func TestShutdownForceFailsAfterGrace(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.GraceTimeout = 10 * time.Millisecond

	started := make(chan struct{}, 2)
	s, q := startEngine(t, cfg, func(r *jobs.Registry) {
		r.Register(jobs.TypePricingAnalysis, jobs.HandlerFunc(func(ctx context.Context, _ map[string]any) (jobs.Result, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	})

	a, _ := q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis})
	b, _ := q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis})
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs never started")
		}
	}

	s.Stop(context.Background())

	for _, id := range []string{a, b} {
		j, ok := q.Get(id)
		if !ok {
			t.Fatalf("job %s missing", id)
		}
		if j.State != jobs.StateFailed {
			t.Fatalf("job %s state = %s, want failed", id, j.State)
		}
		if j.LastError != jobs.ErrShutdownTimeout.Error() {
			t.Fatalf("job %s last error = %q", id, j.LastError)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, testConfig(), nil)
	s.Stop(context.Background())
	s.Stop(context.Background())
	if snap := s.Snapshot(); snap.Running {
		t.Fatal("snapshot reports running after stop")
	}
}

type countingRecorder struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (c *countingRecorder) RecordCompletion(j jobs.Job) {
	c.mu.Lock()
	c.jobs = append(c.jobs, j)
	c.mu.Unlock()
}

func TestRecorderSeesEveryTerminalJob(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{}
	q := jobs.NewQueue()
	r := jobs.NewRegistry()
	r.Register(jobs.TypeHealthReport, jobs.HandlerFunc(func(_ context.Context, p map[string]any) (jobs.Result, error) {
		if p["fail"] == true {
			return nil, jobs.NoRetry(errors.New("told to fail"))
		}
		return nil, nil
	}))
	s := New(testConfig(), logx.Nop(), nil, q, r)
	s.SetRecorder(rec)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var ids []string
	for i := 0; i < 4; i++ {
		id, _ := q.Enqueue(jobs.Job{Type: jobs.TypeHealthReport, Payload: map[string]any{"fail": i%2 == 0}})
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitDone(t, q, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.jobs) != 4 {
		t.Fatalf("recorded %d completions, want 4", len(rec.jobs))
	}
	states := map[jobs.State]int{}
	for _, j := range rec.jobs {
		states[j.State]++
	}
	if states[jobs.StateSucceeded] != 2 || states[jobs.StateFailed] != 2 {
		t.Fatalf("unexpected state mix: %v", states)
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: time.Minute}
	for _, tc := range []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, time.Minute},
	} {
		if got := backoffDelay(cfg, tc.retry, nil); got != tc.want {
			t.Errorf("backoffDelay(retry=%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestSnapshotHistory(t *testing.T) {
	t.Parallel()
	s, q := startEngine(t, testConfig(), func(r *jobs.Registry) {
		r.Register(jobs.TypeNotifyDigest, jobs.HandlerFunc(func(context.Context, map[string]any) (jobs.Result, error) {
			return nil, nil
		}))
	})

	id, _ := q.Enqueue(jobs.Job{Type: jobs.TypeNotifyDigest})
	waitDone(t, q, id)

	snap := s.Snapshot()
	if len(snap.History) != 1 {
		t.Fatalf("history len = %d, want 1", len(snap.History))
	}
	h := snap.History[0]
	if h.ID != id || h.State != jobs.StateSucceeded || h.Attempt != 1 {
		t.Fatalf("unexpected history item: %+v", h)
	}
	if snap.LastBeat.IsZero() {
		t.Fatal("heartbeat never recorded")
	}
}
