package automations

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"autopilot/internal/health"
	"autopilot/internal/jobs"
	"autopilot/internal/notify"
	logx "autopilot/pkg/logx"
)

// Checker runs one health evaluation. Satisfied by *health.Monitor.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// NewHealthReport builds the health_report handler. It runs a health check,
// records the outcome, and alerts the operator when the composite status is
// not Up.
//
// Payload:
//   - operator_user_id (string, optional): alert recipient; no alert is sent
//     when absent
func NewHealthReport(checker Checker, sender Sender, log logx.Logger) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, payload map[string]any) (jobs.Result, error) {
		if checker == nil {
			return nil, jobs.NoRetry(fmt.Errorf("health monitor not configured"))
		}
		report := checker.Check(ctx)

		detail := reportDetail(report)
		if report.Status == health.StatusUp {
			log.Debug("health report", logx.String("status", string(report.Status)))
		} else {
			log.Warn("health report", logx.String("status", string(report.Status)), logx.String("detail", detail))
		}

		result := jobs.Result{"status": string(report.Status), "components": report.Components}

		operator := payloadString(payload, "operator_user_id")
		if report.Status != health.StatusUp && operator != "" && sender != nil {
			sent, err := sender.SendImmediate(ctx, operator, notify.TplOperatorAlert, map[string]any{
				"summary": fmt.Sprintf("health %s", report.Status),
				"detail":  detail,
			})
			// The report itself succeeded; an undeliverable alert is recorded
			// but does not fail (or retry) the job.
			if err != nil {
				log.Warn("operator alert not delivered", logx.Err(err))
			}
			result["alert_sent"] = sent
		}
		return result, nil
	})
}

// reportDetail flattens the per-component statuses into one stable line.
func reportDetail(r health.Report) string {
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		c := r.Components[name]
		if c.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s=%s (%s)", name, c.Status, c.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", name, c.Status))
		}
	}
	return strings.Join(parts, ", ")
}
