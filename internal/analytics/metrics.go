package analytics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autopilot/internal/jobs"
)

type metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// RegisterMetrics installs the prometheus instruments on reg. Call once,
// before Start; completions recorded earlier are not back-filled.
func (s *Service) RegisterMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	m := &metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "jobs_processed_total",
			Help:      "Terminal jobs by automation type and outcome.",
		}, []string{"type", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autopilot",
			Name:      "job_duration_seconds",
			Help:      "Handler execution latency by automation type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"type"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "autopilot",
		Name:      "queue_depth",
		Help:      "Jobs currently queued, including delayed retries.",
	}, func() float64 { return float64(s.queue.Depth()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "autopilot",
		Name:      "jobs_running",
		Help:      "Jobs currently executing.",
	}, func() float64 { return float64(s.queue.RunningCount()) })

	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

func (m *metrics) observe(j jobs.Job, latency time.Duration) {
	m.processed.WithLabelValues(string(j.Type), string(j.State)).Inc()
	if latency > 0 {
		m.duration.WithLabelValues(string(j.Type)).Observe(latency.Seconds())
	}
}
