// Package cron fires configured schedules into the job queue.
//
// The service is trigger-only: it never executes automations itself, it
// enqueues jobs that the engine's worker pool picks up. Schedules use an
// optional startup spread so a restart does not fire every entry at once.
package cron

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"autopilot/internal/eventbus"
	"autopilot/internal/jobs"
	logx "autopilot/pkg/logx"
)

// Entry is one configured schedule.
type Entry struct {
	Name     string              `json:"name"`
	Schedule string              `json:"schedule"`
	Type     jobs.AutomationType `json:"type"`
	Priority int                 `json:"priority"`
	DedupKey string              `json:"dedup_key"`
	Payload  map[string]any      `json:"payload"`
}

type Config struct {
	Timezone string `json:"timezone"`
	// StartupSpread delays each entry's first fire by a random slice of this
	// window, avoiding a thundering herd right after restart.
	StartupSpread time.Duration `json:"startup_spread"`
	Entries       []Entry       `json:"entries"`
}

// Enqueuer accepts jobs produced by fired schedules.
type Enqueuer interface {
	Enqueue(j jobs.Job) (string, error)
}

// FireEvent is published on the event bus for every schedule fire.
type FireEvent struct {
	Entry string              `json:"entry"`
	Type  jobs.AutomationType `json:"type"`
	JobID string              `json:"job_id,omitempty"`
	At    time.Time           `json:"at"`
	Error string              `json:"error,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	enq Enqueuer

	parser robcron.Parser
	c      *robcron.Cron
	loc    *time.Location

	// activeAt gates each entry's first fire for the startup spread.
	activeAt map[string]time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, enq Enqueuer) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		enq: enq,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:   robcron.NewParser(robcron.SecondOptional | robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor),
		activeAt: map[string]time.Time{},
	}
}

// ValidateEntry checks a schedule entry without registering it.
func ValidateEntry(e Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("schedule entry name is required")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return fmt.Errorf("schedule %q: automation type is required", e.Name)
	}
	if _, err := ParseSchedule(e.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", e.Name, err)
	}
	return nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if !running {
		return
	}
	// Entry or timezone changes need a re-register.
	if prev.Timezone != cfg.Timezone || !entriesEqual(prev.Entries, cfg.Entries) {
		s.Stop(context.Background())
		s.Start(context.Background())
	}
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Schedule != b[i].Schedule ||
			a[i].Type != b[i].Type || a[i].Priority != b[i].Priority ||
			a[i].DedupKey != b[i].DedupKey {
			return false
		}
	}
	return true
}

// Start registers every configured entry and begins firing. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cfg := s.cfg

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.loc = loc
	s.c = robcron.New(robcron.WithParser(s.parser), robcron.WithLocation(loc))

	now := time.Now()
	registered := 0
	for _, e := range cfg.Entries {
		entry := e
		if err := ValidateEntry(entry); err != nil {
			s.log.Warn("skipping invalid schedule", logx.Err(err))
			continue
		}
		spec, _ := ParseSchedule(entry.Schedule)

		if cfg.StartupSpread > 0 {
			s.activeAt[entry.Name] = now.Add(time.Duration(rand.Int63n(int64(cfg.StartupSpread))))
		} else {
			delete(s.activeAt, entry.Name)
		}

		fire := func() { s.fire(entry) }
		var err error
		switch spec.Kind {
		case SpecInterval:
			s.c.Schedule(robcron.Every(spec.Every), robcron.FuncJob(fire))
		default:
			_, err = s.c.AddFunc(spec.Cron, fire)
		}
		if err != nil {
			s.log.Warn("skipping unparseable cron expression",
				logx.String("entry", entry.Name), logx.Err(err))
			continue
		}
		registered++
	}

	s.c.Start()
	s.log.Info("cron service started", logx.String("tz", loc.String()), logx.Int("schedules", registered))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("cron service stopped")
}

// fire enqueues one job for a triggered entry.
func (s *Service) fire(e Entry) {
	now := time.Now()

	s.mu.Lock()
	activeAt, gated := s.activeAt[e.Name]
	if gated && now.Before(activeAt) {
		s.mu.Unlock()
		s.log.Debug("schedule fire suppressed by startup spread", logx.String("entry", e.Name))
		return
	}
	if gated {
		delete(s.activeAt, e.Name)
	}
	enq := s.enq
	s.mu.Unlock()

	if enq == nil {
		return
	}

	id, err := enq.Enqueue(jobs.Job{
		Type:     e.Type,
		Priority: e.Priority,
		DedupKey: e.DedupKey,
		Payload:  e.Payload,
	})
	ev := FireEvent{Entry: e.Name, Type: e.Type, JobID: id, At: now}
	if err != nil {
		ev.Error = err.Error()
		// Duplicate fires are routine when an earlier run is still active.
		s.log.Debug("schedule fire not enqueued",
			logx.String("entry", e.Name),
			logx.Any("err", err),
		)
	} else {
		s.log.Debug("schedule fired",
			logx.String("entry", e.Name),
			logx.String("job", id),
		)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "cron.fired", Time: now, Data: ev})
	}
}
