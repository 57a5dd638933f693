package realtime

import "time"

// RateLimitHint extracts the cool-down carried by a rate_limits.updated
// event. Each candidate object is checked for retry_after (seconds), then
// reset_after_ms. Candidates are the message itself, its "limits" object and
// every entry of its "rate_limits" list; the largest hint wins. ok is false
// when no hint is present.
func RateLimitHint(msg map[string]any) (d time.Duration, ok bool) {
	candidates := []map[string]any{msg}
	if limits, isMap := msg["limits"].(map[string]any); isMap {
		candidates = append(candidates, limits)
	}
	if list, isList := msg["rate_limits"].([]any); isList {
		for _, entry := range list {
			if m, isMap := entry.(map[string]any); isMap {
				candidates = append(candidates, m)
			}
		}
	}

	for _, c := range candidates {
		if hint, found := hintFrom(c); found && hint > d {
			d, ok = hint, true
		}
	}
	return d, ok
}

func hintFrom(m map[string]any) (time.Duration, bool) {
	if v, ok := number(m["retry_after"]); ok && v > 0 {
		return time.Duration(v * float64(time.Second)), true
	}
	if v, ok := number(m["reset_after_ms"]); ok && v > 0 {
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
