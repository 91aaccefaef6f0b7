package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"autopilot/internal/eventbus"
	"autopilot/internal/jobs"
	logx "autopilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	s.mu.Lock()
	poll := s.cfg.PollInterval
	s.mu.Unlock()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		atomic.StoreInt64(&s.lastBeat, time.Now().UnixNano())

		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		j, ok := s.queue.DequeueNext()
		if !ok {
			// Idle: wait for new work, a retry becoming eligible, or shutdown.
			// The ticker covers delayed retries that produce no wake signal.
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-s.queue.Wake():
			case <-ticker.C:
			}
			continue
		}

		s.inFlight.Add(1)
		atomic.AddInt32(&s.running, 1)
		s.execOne(ctx, j, rng)
		atomic.AddInt32(&s.running, -1)
		s.inFlight.Done()
	}
}

// execOne runs a single attempt of j and settles its outcome: success,
// scheduled retry, or permanent failure.
func (s *Service) execOne(ctx context.Context, j jobs.Job, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := j.StartedAt
	if start.IsZero() {
		start = time.Now()
	}
	queueDelay := start.Sub(j.SubmittedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	attempt := j.RetryCount + 1

	s.log.Debug("job.started",
		logx.String("id", j.ID),
		logx.String("type", string(j.Type)),
		logx.Int("attempt", attempt),
		logx.Duration("queue_delay", queueDelay),
	)
	s.publish("job.started", jobs.Event{
		ID: j.ID, Type: j.Type, State: jobs.StateRunning,
		Priority: j.Priority, QueueDelay: queueDelay, Attempt: attempt, At: start,
	})

	var execErr error
	h, rerr := s.registry.Resolve(j.Type)
	if rerr != nil {
		// No handler: permanent failure, retrying cannot help.
		execErr = jobs.NoRetry(rerr)
	} else {
		runCtx := ctx
		var cancel func()
		if cfg.DefaultTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		}
		// Guard against handler panics: convert to a retryable error so one bad
		// job cannot take down a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					execErr = fmt.Errorf("panic: %v", r)
					s.log.Error("job.panic",
						logx.String("id", j.ID),
						logx.String("type", string(j.Type)),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			_, execErr = h.Execute(runCtx, j.Payload)
		}()
		if cancel != nil {
			cancel()
		}
	}

	dur := time.Since(start)

	if execErr == nil {
		if err := s.queue.MarkTerminal(j.ID, jobs.StateSucceeded, nil); err != nil {
			// Already settled elsewhere (shutdown force-fail); discard the result.
			s.log.Debug("job result discarded", logx.String("id", j.ID), logx.Err(err))
			return
		}
		done, _ := s.queue.Get(j.ID)
		s.log.Info("job.succeeded",
			logx.String("id", j.ID),
			logx.String("type", string(j.Type)),
			logx.Duration("dur", dur),
			logx.Int("attempt", attempt),
		)
		s.publish("job.succeeded", jobs.Event{
			ID: j.ID, Type: j.Type, State: jobs.StateSucceeded,
			Priority: j.Priority, QueueDelay: queueDelay, Duration: dur, Attempt: attempt, At: time.Now(),
		})
		s.recordHistory(HistoryItem{
			ID: j.ID, Type: j.Type, State: jobs.StateSucceeded,
			Started: start, QueueDelay: queueDelay, Duration: dur, Attempt: attempt,
		}, cfg.HistorySize)
		s.settleTerminal(done)
		return
	}

	// Timeouts and NoRetry-wrapped errors fail permanently, as does hitting
	// the retry ceiling.
	permanent := jobs.IsNoRetry(execErr) ||
		errors.Is(execErr, context.DeadlineExceeded) ||
		j.RetryCount >= cfg.MaxRetries

	if !permanent {
		delay := backoffDelay(cfg, j.RetryCount, rng)
		if err := s.queue.Requeue(j.ID, delay); err != nil {
			s.log.Debug("job retry discarded", logx.String("id", j.ID), logx.Err(err))
			return
		}
		s.log.Warn("job retry scheduled",
			logx.String("id", j.ID),
			logx.String("type", string(j.Type)),
			logx.Int("next_attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Any("err", execErr),
		)
		s.publish("job.retried", jobs.Event{
			ID: j.ID, Type: j.Type, State: jobs.StateQueued,
			Priority: j.Priority, Duration: dur, Attempt: attempt, Error: execErr.Error(), At: time.Now(),
		})
		return
	}

	if err := s.queue.MarkTerminal(j.ID, jobs.StateFailed, execErr); err != nil {
		s.log.Debug("job failure discarded", logx.String("id", j.ID), logx.Err(err))
		return
	}
	done, _ := s.queue.Get(j.ID)
	s.log.Warn("job.failed",
		logx.String("id", j.ID),
		logx.String("type", string(j.Type)),
		logx.Duration("dur", dur),
		logx.Int("attempt", attempt),
		logx.Any("err", execErr),
	)
	s.publish("job.failed", jobs.Event{
		ID: j.ID, Type: j.Type, State: jobs.StateFailed,
		Priority: j.Priority, QueueDelay: queueDelay, Duration: dur, Attempt: attempt, Error: execErr.Error(), At: time.Now(),
	})
	s.recordHistory(HistoryItem{
		ID: j.ID, Type: j.Type, State: jobs.StateFailed,
		Started: start, QueueDelay: queueDelay, Duration: dur, Attempt: attempt, Error: execErr.Error(),
	}, cfg.HistorySize)
	s.settleTerminal(done)
}

func (s *Service) publish(typ string, ev jobs.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// backoffDelay computes base * 2^retry, capped at RetryMaxDelay, with jitter.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			break
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
