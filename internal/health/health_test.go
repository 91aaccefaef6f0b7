package health

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "autopilot/pkg/logx"
)

type fakeQueue struct{ depth, running int }

func (q fakeQueue) Depth() int        { return q.depth }
func (q fakeQueue) RunningCount() int { return q.running }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestCheckAllUp(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := New(Config{QueueWarnDepth: 10, HeartbeatStale: time.Minute}, logx.Nop(),
		fakeQueue{depth: 3}, func() time.Time { return now.Add(-time.Second) }, fakePinger{})
	m.now = func() time.Time { return now }

	r := m.Check(context.Background())
	if r.Status != StatusUp {
		t.Fatalf("composite = %s, want up: %+v", r.Status, r.Components)
	}
	for name, c := range r.Components {
		if c.Status != StatusUp {
			t.Fatalf("component %s = %+v", name, c)
		}
	}
}

func TestCheckQueueBacklogDegrades(t *testing.T) {
	t.Parallel()
	now := time.Now()
	m := New(Config{QueueWarnDepth: 5, HeartbeatStale: time.Minute}, logx.Nop(),
		fakeQueue{depth: 6}, func() time.Time { return now }, fakePinger{})

	r := m.Check(context.Background())
	if r.Components["queue"].Status != StatusDegraded {
		t.Fatalf("queue = %+v", r.Components["queue"])
	}
	if r.Status != StatusDegraded {
		t.Fatalf("composite = %s, want degraded", r.Status)
	}
}

func TestCheckStaleHeartbeatIsDown(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := New(Config{HeartbeatStale: 30 * time.Second}, logx.Nop(),
		fakeQueue{}, func() time.Time { return now.Add(-time.Minute) }, fakePinger{})
	m.now = func() time.Time { return now }

	r := m.Check(context.Background())
	if r.Components["engine"].Status != StatusDown {
		t.Fatalf("engine = %+v", r.Components["engine"])
	}
	// Down beats the mailer's degradation in the composite.
	if r.Status != StatusDown {
		t.Fatalf("composite = %s, want down", r.Status)
	}
}

func TestCheckNeverStartedEngineIsDown(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop(), fakeQueue{}, func() time.Time { return time.Time{} }, fakePinger{})
	if r := m.Check(context.Background()); r.Components["engine"].Status != StatusDown {
		t.Fatalf("engine = %+v", r.Components["engine"])
	}
}

func TestCheckMailerPingFailureDegrades(t *testing.T) {
	t.Parallel()
	now := time.Now()
	m := New(Config{}, logx.Nop(), fakeQueue{}, func() time.Time { return now },
		fakePinger{err: errors.New("connection refused")})

	r := m.Check(context.Background())
	if c := r.Components["mailer"]; c.Status != StatusDegraded || c.Detail == "" {
		t.Fatalf("mailer = %+v", c)
	}
	if r.Status != StatusDegraded {
		t.Fatalf("composite = %s, want degraded", r.Status)
	}
}
