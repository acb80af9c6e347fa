package controlapi

import "strconv"

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// newID mints a random identifier for a newly created entity, the same
// shape as the request-ID generator — callers that need entity IDs and
// request IDs both go through this one source of randomness.
func newID() string {
	return generateRequestID()
}
