package analytics

import (
	"math"
	"testing"
	"time"

	"autopilot/internal/jobs"
	logx "autopilot/pkg/logx"
)

func completed(t jobs.AutomationType, state jobs.State, start time.Time, latency time.Duration) jobs.Job {
	return jobs.Job{
		Type:        t,
		State:       state,
		StartedAt:   start,
		CompletedAt: start.Add(latency),
	}
}

func TestSnapshotCountsAndSuccessRate(t *testing.T) {
	t.Parallel()
	s := New(Config{Window: 10 * time.Minute}, logx.Nop(), jobs.NewQueue())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		s.RecordCompletion(completed(jobs.TypePricingAnalysis, jobs.StateSucceeded, base, 100*time.Millisecond))
	}
	s.RecordCompletion(completed(jobs.TypePricingAnalysis, jobs.StateFailed, base, 50*time.Millisecond))
	s.RecordCompletion(completed(jobs.TypeHealthReport, jobs.StateSucceeded, base, 10*time.Millisecond))

	snap := s.Snapshot()
	pa := snap.PerType[jobs.TypePricingAnalysis]
	if pa.Count != 4 {
		t.Fatalf("pricing count = %d, want 4", pa.Count)
	}
	if math.Abs(pa.SuccessRate-0.75) > 1e-9 {
		t.Fatalf("pricing success rate = %v, want 0.75", pa.SuccessRate)
	}
	if hr := snap.PerType[jobs.TypeHealthReport]; hr.Count != 1 || hr.SuccessRate != 1 {
		t.Fatalf("health stats = %+v", hr)
	}
	wantTPM := 5.0 / 10.0
	if math.Abs(snap.ThroughputPerMinute-wantTPM) > 1e-9 {
		t.Fatalf("throughput = %v, want %v", snap.ThroughputPerMinute, wantTPM)
	}
}

func TestSnapshotWindowExpiry(t *testing.T) {
	t.Parallel()
	s := New(Config{Window: 5 * time.Minute}, logx.Nop(), jobs.NewQueue())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	s.RecordCompletion(completed(jobs.TypeNotifyDigest, jobs.StateSucceeded, base, time.Millisecond))

	now = base.Add(10 * time.Minute)
	snap := s.Snapshot()
	if st, ok := snap.PerType[jobs.TypeNotifyDigest]; ok && st.Count != 0 {
		t.Fatalf("expired completions still counted: %+v", st)
	}
}

func TestLatencyEWMA(t *testing.T) {
	t.Parallel()
	s := New(Config{Window: 10 * time.Minute, EWMAAlpha: 0.5}, logx.Nop(), jobs.NewQueue())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.RecordCompletion(completed(jobs.TypePricingAnalysis, jobs.StateSucceeded, base, 100*time.Millisecond))
	s.RecordCompletion(completed(jobs.TypePricingAnalysis, jobs.StateSucceeded, base, 200*time.Millisecond))

	// First sample seeds the average, second folds in at alpha=0.5.
	want := 150 * time.Millisecond
	got := s.Snapshot().PerType[jobs.TypePricingAnalysis].AvgLatency
	if got != want {
		t.Fatalf("avg latency = %v, want %v", got, want)
	}
}

func TestRecordIgnoresNonTerminalStates(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), jobs.NewQueue())
	s.RecordCompletion(jobs.Job{Type: jobs.TypeHealthReport, State: jobs.StateRunning})
	s.RecordCompletion(jobs.Job{Type: jobs.TypeHealthReport, State: jobs.StateCancelled})
	if n := len(s.Snapshot().PerType); n != 0 {
		t.Fatalf("recorded %d types, want 0", n)
	}
}

func TestSnapshotReflectsQueueCounters(t *testing.T) {
	t.Parallel()
	q := jobs.NewQueue()
	s := New(Config{}, logx.Nop(), q)

	q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis})
	q.Enqueue(jobs.Job{Type: jobs.TypePricingAnalysis})
	q.DequeueNext()

	snap := s.Snapshot()
	if snap.QueueDepth != 1 || snap.RunningCount != 1 {
		t.Fatalf("depth=%d running=%d, want 1/1", snap.QueueDepth, snap.RunningCount)
	}
}
