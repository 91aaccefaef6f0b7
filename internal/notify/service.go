// Package notify renders and sends transactional mail synchronously.
//
// SendImmediate never auto-retries: a false return means the caller decides
// whether to retry or surface the failure. Recipient lookup and delivery go
// through external collaborators so the core holds no connection state.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autopilot/internal/eventbus"
	logx "autopilot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	dir     Directory
	mailer  Mailer
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, dir Directory, mailer Mailer) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		dir:    dir,
		mailer: mailer,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Ping probes the mail collaborator. Used by the health monitor.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.Lock()
	m := s.mailer
	s.mu.Unlock()
	if m == nil {
		return fmt.Errorf("no mailer configured")
	}
	return m.Ping(ctx)
}

// SendImmediate resolves the recipient, renders templateKey from the fixed
// catalog, and delivers through the mail collaborator. Synchronous, one
// attempt. The returned error explains a false result.
func (s *Service) SendImmediate(ctx context.Context, userID, templateKey string, data map[string]any) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	dir := s.dir
	mailer := s.mailer
	s.mu.Unlock()

	tpl, ok := catalog[templateKey]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownTemplate, templateKey)
		s.finish(userID, templateKey, false, err)
		return false, err
	}
	if dir == nil || mailer == nil {
		err := fmt.Errorf("notify collaborators not configured")
		s.finish(userID, templateKey, false, err)
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	rcpt, err := dir.Lookup(ctx, userID)
	if err != nil {
		err = fmt.Errorf("lookup recipient: %w", err)
		s.finish(userID, templateKey, false, err)
		return false, err
	}

	// The recipient name is always available to templates; caller data wins
	// on key collision.
	merged := map[string]any{"name": rcpt.Name}
	for k, v := range data {
		merged[k] = v
	}
	subject, html, text, err := tpl.render(merged)
	if err != nil {
		s.finish(userID, templateKey, false, err)
		return false, err
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			err = fmt.Errorf("rate limit wait: %w", err)
			s.finish(userID, templateKey, false, err)
			return false, err
		}
	}

	sent, err := mailer.Send(ctx, rcpt.Email, subject, html, text)
	if err != nil {
		err = fmt.Errorf("mail send: %w", err)
		s.finish(userID, templateKey, false, err)
		return false, err
	}
	s.finish(userID, templateKey, sent, nil)
	return sent, nil
}

func (s *Service) finish(userID, templateKey string, sent bool, err error) {
	now := time.Now()
	item := HistoryItem{At: now, UserID: userID, Template: templateKey, Sent: sent}
	ev := "notify.sent"
	if err != nil {
		item.Error = err.Error()
		ev = "notify.failed"
		s.log.Warn("notification failed",
			logx.String("user", userID),
			logx.String("template", templateKey),
			logx.Any("err", err),
		)
	} else if !sent {
		ev = "notify.failed"
		s.log.Warn("notification rejected by mailer",
			logx.String("user", userID),
			logx.String("template", templateKey),
		)
	} else {
		s.log.Debug("notification sent",
			logx.String("user", userID),
			logx.String("template", templateKey),
		)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: ev, Time: now, Data: Event{
			UserID: userID, Template: templateKey, At: now, Error: item.Error,
		}})
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// Snapshot returns recent dispatch outcomes, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}
