// Package health aggregates liveness and backlog signals into one report.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "autopilot/pkg/logx"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// worse reports whether a outranks b in severity.
func worse(a, b Status) bool {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[a] > rank[b]
}

type Config struct {
	// QueueWarnDepth marks the queue Degraded above this backlog.
	QueueWarnDepth int `json:"queue_warn_depth"`
	// HeartbeatStale marks the engine Down when its last worker iteration is
	// older than this.
	HeartbeatStale time.Duration `json:"heartbeat_stale"`
	// PingTimeout bounds the mailer reachability probe.
	PingTimeout time.Duration `json:"ping_timeout"`
}

func (c Config) withDefaults() Config {
	if c.QueueWarnDepth <= 0 {
		c.QueueWarnDepth = 100
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

type ComponentStatus struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// QueueStats is the slice of the queue the monitor reads.
type QueueStats interface {
	Depth() int
	RunningCount() int
}

// Pinger is the mail collaborator reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Monitor struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	queue     QueueStats
	heartbeat func() time.Time
	pinger    Pinger

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, log logx.Logger, queue QueueStats, heartbeat func() time.Time, pinger Pinger) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		log:       log,
		queue:     queue,
		heartbeat: heartbeat,
		pinger:    pinger,
		now:       time.Now,
	}
}

func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Check evaluates every component; the composite status is the worst of its
// parts.
func (m *Monitor) Check(ctx context.Context) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	now := m.now()
	components := map[string]ComponentStatus{
		"queue":  m.checkQueue(cfg),
		"engine": m.checkEngine(cfg, now),
		"mailer": m.checkMailer(ctx, cfg),
	}

	composite := StatusUp
	for name, c := range components {
		if worse(c.Status, composite) {
			composite = c.Status
		}
		if c.Status != StatusUp {
			m.log.Debug("component unhealthy",
				logx.String("component", name),
				logx.String("status", string(c.Status)),
				logx.String("detail", c.Detail),
			)
		}
	}

	return Report{Status: composite, Components: components, CheckedAt: now}
}

func (m *Monitor) checkQueue(cfg Config) ComponentStatus {
	if m.queue == nil {
		return ComponentStatus{Status: StatusDown, Detail: "no queue"}
	}
	depth := m.queue.Depth()
	if depth > cfg.QueueWarnDepth {
		return ComponentStatus{
			Status: StatusDegraded,
			Detail: fmt.Sprintf("backlog %d exceeds threshold %d", depth, cfg.QueueWarnDepth),
		}
	}
	return ComponentStatus{Status: StatusUp, Detail: fmt.Sprintf("depth %d", depth)}
}

func (m *Monitor) checkEngine(cfg Config, now time.Time) ComponentStatus {
	if m.heartbeat == nil {
		return ComponentStatus{Status: StatusDown, Detail: "no heartbeat source"}
	}
	beat := m.heartbeat()
	if beat.IsZero() {
		return ComponentStatus{Status: StatusDown, Detail: "engine never started"}
	}
	if age := now.Sub(beat); age > cfg.HeartbeatStale {
		return ComponentStatus{
			Status: StatusDown,
			Detail: fmt.Sprintf("heartbeat stale for %s", age.Round(time.Second)),
		}
	}
	return ComponentStatus{Status: StatusUp}
}

func (m *Monitor) checkMailer(ctx context.Context, cfg Config) ComponentStatus {
	if m.pinger == nil {
		return ComponentStatus{Status: StatusDegraded, Detail: "no mailer configured"}
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := m.pinger.Ping(pctx); err != nil {
		return ComponentStatus{Status: StatusDegraded, Detail: fmt.Sprintf("ping failed: %v", err)}
	}
	return ComponentStatus{Status: StatusUp}
}
