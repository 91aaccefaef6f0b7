package automations

import (
	"context"
	"fmt"

	"autopilot/internal/jobs"
	"autopilot/internal/notify"
	logx "autopilot/pkg/logx"
)

// NewNotifyDigest builds the notify_digest handler: one batched digest mail
// for a single user.
//
// Payload:
//   - user_id (string, required): digest recipient
//   - items ([]string, optional): digest lines; an empty digest is a no-op
//     success so periodic schedules stay quiet for inactive users
func NewNotifyDigest(sender Sender, log logx.Logger) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, payload map[string]any) (jobs.Result, error) {
		userID := payloadString(payload, "user_id")
		if userID == "" {
			return nil, jobs.NoRetry(fmt.Errorf("%w: user_id is required", jobs.ErrValidation))
		}
		if sender == nil {
			return nil, jobs.NoRetry(fmt.Errorf("notification dispatcher not configured"))
		}

		items := payloadStrings(payload, "items")
		if len(items) == 0 {
			log.Debug("digest skipped, no items", logx.String("user", userID))
			return jobs.Result{"user_id": userID, "sent": false, "items": 0}, nil
		}

		sent, err := sender.SendImmediate(ctx, userID, notify.TplDigest, map[string]any{"items": items})
		if err != nil {
			return nil, fmt.Errorf("send digest: %w", err)
		}
		if !sent {
			// The mailer rejected the message outright; retrying the same
			// payload would be rejected again.
			return nil, jobs.NoRetry(fmt.Errorf("digest for %s rejected by mailer", userID))
		}
		return jobs.Result{"user_id": userID, "sent": true, "items": len(items)}, nil
	})
}
