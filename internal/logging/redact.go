package logging

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLoggedString bounds string values in logged payloads. Document content
// and model output are cut to this many characters.
const MaxLoggedString = 512

var secretKeys = map[string]bool{
	"api_key":           true,
	"apikey":            true,
	"authorization":     true,
	"x-api-key":         true,
	"anthropic_api_key": true,
	"litellm_api_key":   true,
	"openai_api_key":    true,
	"jwt_secret":        true,
	"observer_secret":   true,
	"token":             true,
	"secret":            true,
}

// RedactValue masks a secret, keeping a bearer prefix and the last four
// characters.
func RedactValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) > 7 && strings.EqualFold(trimmed[:7], "bearer ") {
		return "Bearer " + mask(trimmed[7:])
	}
	return mask(trimmed)
}

// RedactAny returns a copy of value safe to log. Maps and slices are walked;
// any other non-scalar is converted through its JSON form first so struct
// fields tagged with secret names are masked too.
func RedactAny(value any) any {
	switch typed := value.(type) {
	case nil, bool, int, int64, float64, json.Number:
		return typed
	case string:
		return truncate(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			if isSecretKey(key) {
				out[key] = RedactValue(fmt.Sprint(val))
				continue
			}
			out[key] = RedactAny(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for key, val := range typed {
			if isSecretKey(key) {
				out[key] = RedactValue(val)
				continue
			}
			out[key] = truncate(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = RedactAny(val)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		for i, val := range typed {
			out[i] = truncate(val)
		}
		return out
	case json.RawMessage:
		return RedactJSON(typed)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("<unloggable %T>", value)
	}
	return RedactJSON(data)
}

func RedactJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return truncate(strings.TrimSpace(string(raw)))
	}
	return RedactAny(payload)
}

func isSecretKey(key string) bool {
	return secretKeys[strings.ToLower(strings.TrimSpace(key))]
}

func mask(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func truncate(value string) string {
	count := utf8.RuneCountInString(value)
	if count <= MaxLoggedString {
		return value
	}
	runes := []rune(value)
	return fmt.Sprintf("%s...(%d chars)", string(runes[:MaxLoggedString]), count)
}
