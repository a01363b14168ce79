package experts

import (
	"encoding/json"
	"fmt"
)

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// extractAndParseJSON pulls the first complete JSON object out of an LLM
// response, tolerating prose around it.
func extractAndParseJSON(text string) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	start := -1
	braceCount := 0
	for i, c := range text {
		if c == '{' {
			if start == -1 {
				start = i
			}
			braceCount++
		} else if c == '}' {
			braceCount--
			if braceCount == 0 && start != -1 {
				jsonStr := text[start : i+1]
				if err := json.Unmarshal([]byte(jsonStr), &result); err == nil {
					return result, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}

func asString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func asFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func asBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}
