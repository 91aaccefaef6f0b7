package automations

import (
	"context"
	"fmt"

	"autopilot/internal/jobs"
	logx "autopilot/pkg/logx"
)

// defaultCapabilities is requested when the payload does not name any.
var defaultCapabilities = []string{"price_suggestion"}

// NewPricingAnalysis builds the pricing_analysis handler.
//
// Payload:
//   - entity_id (string, required): the listing to analyze
//   - capabilities ([]string, optional): inference capabilities to request
//
// The inference call is the retryable part; a missing entity id fails the job
// permanently.
func NewPricingAnalysis(inf Inference, log logx.Logger) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, payload map[string]any) (jobs.Result, error) {
		entityID := payloadString(payload, "entity_id")
		if entityID == "" {
			return nil, jobs.NoRetry(fmt.Errorf("%w: entity_id is required", jobs.ErrValidation))
		}
		if inf == nil {
			return nil, jobs.NoRetry(fmt.Errorf("inference collaborator not configured"))
		}

		caps := payloadStrings(payload, "capabilities")
		if len(caps) == 0 {
			caps = defaultCapabilities
		}

		out, err := inf.Process(ctx, entityID, caps)
		if err != nil {
			return nil, fmt.Errorf("inference process %s: %w", entityID, err)
		}
		log.Debug("pricing analysis complete",
			logx.String("entity", entityID),
			logx.Int("capabilities", len(caps)),
		)
		return jobs.Result{"entity_id": entityID, "analysis": out}, nil
	})
}
