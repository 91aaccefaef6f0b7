// Package analytics keeps rolling execution statistics for the dashboard.
//
// The engine feeds every terminal job into RecordCompletion; snapshots are
// computed from per-minute buckets inside the configured window plus an
// exponentially weighted latency per automation type. Nothing here mutates
// job records.
package analytics

import (
	"context"
	"sync"
	"time"

	"autopilot/internal/jobs"
	rtsup "autopilot/internal/runtime/supervisor"
	logx "autopilot/pkg/logx"
)

type Config struct {
	// Window bounds the rolling stats (counts, success rate, throughput).
	Window time.Duration `json:"window"`
	// EWMAAlpha is the smoothing factor for average latency, in (0, 1].
	EWMAAlpha float64 `json:"ewma_alpha"`
	// Retention is how long terminal jobs stay queryable before the purge
	// loop drops them from the queue's record map.
	Retention     time.Duration `json:"retention"`
	PurgeInterval time.Duration `json:"purge_interval"`
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.2
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Minute
	}
	return c
}

// TypeStats is the per-automation-type slice of a Snapshot.
type TypeStats struct {
	Count       uint64        `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

type Snapshot struct {
	Window              time.Duration                     `json:"window"`
	PerType             map[jobs.AutomationType]TypeStats `json:"per_type"`
	QueueDepth          int                               `json:"queue_depth"`
	RunningCount        int                               `json:"running_count"`
	ThroughputPerMinute float64                           `json:"throughput_per_minute"`
	GeneratedAt         time.Time                         `json:"generated_at"`
}

// bucket holds one minute of per-type completion counts.
type bucket struct {
	minute  int64
	perType map[jobs.AutomationType]*bucketCell
}

type bucketCell struct {
	succeeded uint64
	failed    uint64
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	queue *jobs.Queue

	buckets []bucket
	// ewma latency per type, in nanoseconds. Zero until first sample.
	latency map[jobs.AutomationType]float64

	metrics *metrics

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, log logx.Logger, queue *jobs.Queue) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		queue:   queue,
		latency: map[jobs.AutomationType]float64{},
		now:     time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// RecordCompletion folds one terminal job into the rolling stats. Only
// Succeeded and Failed carry signal; other states are ignored.
func (s *Service) RecordCompletion(j jobs.Job) {
	if j.State != jobs.StateSucceeded && j.State != jobs.StateFailed {
		return
	}

	var latency time.Duration
	if !j.StartedAt.IsZero() && !j.CompletedAt.IsZero() {
		latency = j.CompletedAt.Sub(j.StartedAt)
		if latency < 0 {
			latency = 0
		}
	}

	s.mu.Lock()
	now := s.now()
	cell := s.cellLocked(now, j.Type)
	if j.State == jobs.StateSucceeded {
		cell.succeeded++
	} else {
		cell.failed++
	}
	if latency > 0 {
		prev, ok := s.latency[j.Type]
		if !ok || prev == 0 {
			s.latency[j.Type] = float64(latency)
		} else {
			a := s.cfg.EWMAAlpha
			s.latency[j.Type] = a*float64(latency) + (1-a)*prev
		}
	}
	m := s.metrics
	s.mu.Unlock()

	if m != nil {
		m.observe(j, latency)
	}
}

// cellLocked returns the current-minute cell for t, trimming expired buckets.
func (s *Service) cellLocked(now time.Time, t jobs.AutomationType) *bucketCell {
	minute := now.Unix() / 60
	cutoff := now.Add(-s.cfg.Window).Unix() / 60

	keep := s.buckets[:0]
	for _, b := range s.buckets {
		if b.minute >= cutoff {
			keep = append(keep, b)
		}
	}
	s.buckets = keep

	for i := range s.buckets {
		if s.buckets[i].minute == minute {
			c := s.buckets[i].perType[t]
			if c == nil {
				c = &bucketCell{}
				s.buckets[i].perType[t] = c
			}
			return c
		}
	}
	c := &bucketCell{}
	s.buckets = append(s.buckets, bucket{minute: minute, perType: map[jobs.AutomationType]*bucketCell{t: c}})
	return c
}

// Snapshot computes the dashboard view over the configured window.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	now := s.now()
	cfg := s.cfg
	cutoff := now.Add(-cfg.Window).Unix() / 60

	perType := map[jobs.AutomationType]TypeStats{}
	type agg struct{ succ, fail uint64 }
	sums := map[jobs.AutomationType]*agg{}
	var total uint64
	for _, b := range s.buckets {
		if b.minute < cutoff {
			continue
		}
		for t, c := range b.perType {
			a := sums[t]
			if a == nil {
				a = &agg{}
				sums[t] = a
			}
			a.succ += c.succeeded
			a.fail += c.failed
			total += c.succeeded + c.failed
		}
	}
	for t, a := range sums {
		n := a.succ + a.fail
		st := TypeStats{Count: n}
		if n > 0 {
			st.SuccessRate = float64(a.succ) / float64(n)
		}
		if l, ok := s.latency[t]; ok {
			st.AvgLatency = time.Duration(l)
		}
		perType[t] = st
	}
	s.mu.Unlock()

	minutes := cfg.Window.Minutes()
	if minutes <= 0 {
		minutes = 1
	}
	return Snapshot{
		Window:              cfg.Window,
		PerType:             perType,
		QueueDepth:          s.queue.Depth(),
		RunningCount:        s.queue.RunningCount(),
		ThroughputPerMinute: float64(total) / minutes,
		GeneratedAt:         now,
	}
}

// Start launches the retention purge loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "analytics"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("purge", func(c context.Context) error {
		s.purgeLoop(c, stopCh)
		return context.Canceled
	})
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) purgeLoop(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	interval := s.cfg.PurgeInterval
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		retention := s.cfg.Retention
		s.mu.Unlock()

		if n := s.queue.PurgeTerminal(s.now().Add(-retention)); n > 0 {
			s.log.Debug("purged terminal jobs", logx.Int("count", n))
		}
	}
}
