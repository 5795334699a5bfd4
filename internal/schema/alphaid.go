package schema

import "github.com/oklog/ulid/v2"

// ResolveAlphaID returns the canonical cross-system correlation key for a
// raw alert: a caller-supplied alpha/alert id when present, otherwise a
// freshly generated one. Every downstream row for the alert carries the
// returned value unchanged.
func ResolveAlphaID(raw RawAlert) string {
	for _, key := range []string{"alpha_id", "alphaId", "id"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ulid.Make().String()
}

// AlertID returns the vendor alert id when present, empty otherwise.
func AlertID(raw RawAlert) string {
	for _, key := range []string{"alert_id", "alertId", "id"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
