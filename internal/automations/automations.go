// Package automations holds the built-in handlers registered at startup.
//
// Handlers validate their payload up front and wrap validation failures with
// jobs.NoRetry so a malformed job fails on its first attempt instead of
// burning retries. External collaborators (inference, mail) are consumed
// through narrow interfaces and called per-execution; no handler holds
// connection state.
package automations

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Inference is the AI collaborator used by the pricing analysis handler.
type Inference interface {
	Process(ctx context.Context, entityID string, capabilities []string) (map[string]any, error)
}

// Sender delivers an immediate notification. Satisfied by *notify.Service.
type Sender interface {
	SendImmediate(ctx context.Context, userID, templateKey string, data map[string]any) (bool, error)
}

// payloadString reads a trimmed string field from a job payload.
func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// payloadStrings reads a string-slice field. JSON payloads arrive as []any.
func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// payloadDuration reads a Go duration string field, falling back to def when
// the field is absent or empty.
func payloadDuration(payload map[string]any, key string, def time.Duration) (time.Duration, error) {
	raw := payloadString(payload, key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", key)
	}
	return d, nil
}
