package automations

import (
	"context"
	"errors"
	"testing"
	"time"

	"autopilot/internal/health"
	"autopilot/internal/jobs"
	"autopilot/internal/notify"
	"autopilot/internal/storage"
	logx "autopilot/pkg/logx"
)

type fakeInference struct {
	err      error
	entityID string
	caps     []string
}

func (f *fakeInference) Process(_ context.Context, entityID string, capabilities []string) (map[string]any, error) {
	f.entityID = entityID
	f.caps = capabilities
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"suggested_price": 120.0}, nil
}

type fakeSender struct {
	err      error
	rejected bool
	calls    int
	userID   string
	template string
	data     map[string]any
}

func (f *fakeSender) SendImmediate(_ context.Context, userID, templateKey string, data map[string]any) (bool, error) {
	f.calls++
	f.userID = userID
	f.template = templateKey
	f.data = data
	if f.err != nil {
		return false, f.err
	}
	return !f.rejected, nil
}

type fakeChecker struct{ report health.Report }

func (f fakeChecker) Check(context.Context) health.Report { return f.report }

func TestPricingAnalysis(t *testing.T) {
	t.Parallel()
	inf := &fakeInference{}
	h := NewPricingAnalysis(inf, logx.Nop())

	res, err := h.Execute(context.Background(), map[string]any{
		"entity_id":    "listing-42",
		"capabilities": []any{"price_suggestion", "demand_estimate"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if inf.entityID != "listing-42" || len(inf.caps) != 2 {
		t.Fatalf("inference called with %q %v", inf.entityID, inf.caps)
	}
	if res["entity_id"] != "listing-42" {
		t.Fatalf("result = %v", res)
	}
}

func TestPricingAnalysisDefaultsCapabilities(t *testing.T) {
	t.Parallel()
	inf := &fakeInference{}
	h := NewPricingAnalysis(inf, logx.Nop())
	if _, err := h.Execute(context.Background(), map[string]any{"entity_id": "l1"}); err != nil {
		t.Fatal(err)
	}
	if len(inf.caps) != 1 || inf.caps[0] != "price_suggestion" {
		t.Fatalf("capabilities = %v", inf.caps)
	}
}

func TestPricingAnalysisValidation(t *testing.T) {
	t.Parallel()
	h := NewPricingAnalysis(&fakeInference{}, logx.Nop())
	_, err := h.Execute(context.Background(), map[string]any{})
	if !jobs.IsNoRetry(err) || !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("want no-retry validation error, got %v", err)
	}
}

func TestPricingAnalysisInferenceErrorIsRetryable(t *testing.T) {
	t.Parallel()
	h := NewPricingAnalysis(&fakeInference{err: errors.New("upstream 503")}, logx.Nop())
	_, err := h.Execute(context.Background(), map[string]any{"entity_id": "l1"})
	if err == nil || jobs.IsNoRetry(err) {
		t.Fatalf("want retryable error, got %v", err)
	}
}

func TestHistoryCleanup(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	old := storage.JobRecord{ID: "old", Type: "pricing_analysis", State: "succeeded", CompletedAt: time.Now().Add(-48 * time.Hour)}
	fresh := storage.JobRecord{ID: "fresh", Type: "pricing_analysis", State: "succeeded", CompletedAt: time.Now()}
	if err := store.AppendJob(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendJob(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	h := NewHistoryCleanup(store, jobs.NewQueue(), logx.Nop())
	res, err := h.Execute(ctx, map[string]any{"max_age": "24h"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res["archive_rows"] != int64(1) {
		t.Fatalf("result = %v", res)
	}
	rows, err := store.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "fresh" {
		t.Fatalf("remaining rows = %v", rows)
	}
}

func TestHistoryCleanupBadMaxAge(t *testing.T) {
	t.Parallel()
	h := NewHistoryCleanup(nil, nil, logx.Nop())
	_, err := h.Execute(context.Background(), map[string]any{"max_age": "soon"})
	if !jobs.IsNoRetry(err) {
		t.Fatalf("want no-retry error, got %v", err)
	}
}

func TestHealthReportAllUp(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	h := NewHealthReport(fakeChecker{report: health.Report{Status: health.StatusUp}}, sender, logx.Nop())

	res, err := h.Execute(context.Background(), map[string]any{"operator_user_id": "op-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res["status"] != "up" {
		t.Fatalf("result = %v", res)
	}
	if sender.calls != 0 {
		t.Fatal("alert sent while healthy")
	}
}

func TestHealthReportAlertsOperator(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	report := health.Report{
		Status: health.StatusDegraded,
		Components: map[string]health.ComponentStatus{
			"queue": {Status: health.StatusDegraded, Detail: "backlog 150 exceeds threshold 100"},
		},
	}
	h := NewHealthReport(fakeChecker{report: report}, sender, logx.Nop())

	res, err := h.Execute(context.Background(), map[string]any{"operator_user_id": "op-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sender.calls != 1 || sender.userID != "op-1" || sender.template != notify.TplOperatorAlert {
		t.Fatalf("alert = %+v", sender)
	}
	if res["alert_sent"] != true {
		t.Fatalf("result = %v", res)
	}
}

func TestHealthReportAlertFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{err: errors.New("smtp down")}
	h := NewHealthReport(fakeChecker{report: health.Report{Status: health.StatusDown}}, sender, logx.Nop())
	if _, err := h.Execute(context.Background(), map[string]any{"operator_user_id": "op-1"}); err != nil {
		t.Fatalf("report job failed on alert error: %v", err)
	}
}

func TestNotifyDigest(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	h := NewNotifyDigest(sender, logx.Nop())

	res, err := h.Execute(context.Background(), map[string]any{
		"user_id": "u1",
		"items":   []any{"listing approved", "2 new messages"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sender.template != notify.TplDigest || sender.userID != "u1" {
		t.Fatalf("send = %+v", sender)
	}
	if res["sent"] != true || res["items"] != 2 {
		t.Fatalf("result = %v", res)
	}
}

func TestNotifyDigestEmptyIsNoop(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	h := NewNotifyDigest(sender, logx.Nop())
	res, err := h.Execute(context.Background(), map[string]any{"user_id": "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if sender.calls != 0 || res["sent"] != false {
		t.Fatalf("res = %v calls = %d", res, sender.calls)
	}
}

func TestNotifyDigestValidationAndRejection(t *testing.T) {
	t.Parallel()
	h := NewNotifyDigest(&fakeSender{}, logx.Nop())
	if _, err := h.Execute(context.Background(), map[string]any{}); !jobs.IsNoRetry(err) {
		t.Fatalf("want no-retry for missing user_id, got %v", err)
	}

	h = NewNotifyDigest(&fakeSender{rejected: true}, logx.Nop())
	_, err := h.Execute(context.Background(), map[string]any{"user_id": "u1", "items": []any{"x"}})
	if !jobs.IsNoRetry(err) {
		t.Fatalf("want no-retry for mailer rejection, got %v", err)
	}
}
