package worker

import "time"

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getFloat извлекает число (JSON → float64, YAML → int).
func getFloat(m map[string]any, key string, defaultVal float64) float64 {
	if f, ok := toFloat(m[key]); ok {
		return f
	}
	return defaultVal
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// getSeconds извлекает длительность в секундах; неположительные значения — default.
func getSeconds(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	if v := getFloat(m, key, 0); v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return defaultVal
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
