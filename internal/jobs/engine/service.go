// Package engine runs the worker pool that drains the job queue.
//
// Each worker loops: dequeue the highest-priority eligible job, execute its
// handler with a per-attempt deadline and panic recovery, then settle the job
// (success, scheduled retry, or permanent failure). Concurrency is capped
// structurally: a worker holds at most one running job, so the number of
// Running jobs never exceeds Config.Workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autopilot/internal/eventbus"
	"autopilot/internal/jobs"
	rtsup "autopilot/internal/runtime/supervisor"
	logx "autopilot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    *jobs.Queue
	registry *jobs.Registry
	rec      Recorder
	arc      Archiver

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// inFlight tracks executions in progress so Stop can wait out the grace period.
	inFlight sync.WaitGroup
	running  int32

	// lastBeat is the unix-nano of the most recent worker loop iteration.
	// The health monitor uses it to detect a stalled pool.
	lastBeat int64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, queue *jobs.Queue, registry *jobs.Registry) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		queue:    queue,
		registry: registry,
	}
}

// SetRecorder wires the analytics sink. Must be called before Start.
func (s *Service) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.rec = r
	s.mu.Unlock()
}

// SetArchiver wires the terminal-job archive. Must be called before Start.
func (s *Service) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.arc = a
	s.mu.Unlock()
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Heartbeat returns the time of the most recent worker iteration.
func (s *Service) Heartbeat() time.Time {
	n := atomic.LoadInt64(&s.lastBeat)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	// Pool size changes need a worker restart; retry/timeout tweaks do not.
	if prev.Workers != cfg.Workers {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Worker failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	atomic.StoreInt64(&s.lastBeat, time.Now().UnixNano())

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Duration("default_timeout", cfg.DefaultTimeout))
}

// Stop halts dequeuing, waits up to GraceTimeout for running jobs to finish,
// then force-fails whatever is still running. It is idempotent and safe to
// call concurrently.
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
	cfg := s.cfg
	sup := s.sup
	s.mu.Unlock()

	// Grace period: let in-flight jobs finish.
	idle := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(idle)
	}()
	graceTimer := time.NewTimer(cfg.GraceTimeout)
	select {
	case <-idle:
		graceTimer.Stop()
	case <-graceTimer.C:
		failed := s.queue.FailRunning(jobs.ErrShutdownTimeout)
		for _, j := range failed {
			s.settleTerminal(j)
			s.log.Warn("job force-failed at shutdown",
				logx.String("id", j.ID),
				logx.String("type", string(j.Type)),
				logx.Int("attempt", j.RetryCount+1),
			)
		}
	case <-ctx.Done():
		graceTimer.Stop()
		s.queue.FailRunning(jobs.ErrShutdownTimeout)
	}

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
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	started := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        started,
		Workers:        cfg.Workers,
		QueueDepth:     s.queue.Depth(),
		InFlight:       int(atomic.LoadInt32(&s.running)),
		MaxRetries:     cfg.MaxRetries,
		DefaultTimeout: cfg.DefaultTimeout,
		LastBeat:       s.Heartbeat(),
		History:        h,
	}
}

func (s *Service) recordHistory(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if size <= 0 {
		size = 200
	}
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// settleTerminal fans a terminal job out to analytics and the archive.
func (s *Service) settleTerminal(j jobs.Job) {
	s.mu.Lock()
	rec := s.rec
	arc := s.arc
	s.mu.Unlock()

	if rec != nil {
		rec.RecordCompletion(j)
	}
	if arc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := arc.ArchiveJob(ctx, j); err != nil {
			s.log.Warn("job archive failed", logx.String("id", j.ID), logx.Err(err))
		}
		cancel()
	}
}
