package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func Bool(key string) bool {
	return ParseBool(os.Getenv(key))
}

func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// String returns the trimmed value of key and whether it was set to a
// non-empty value.
func String(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

func Int(key string) (int, bool) {
	value, ok := String(key)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// Duration accepts Go duration syntax ("90s") or a bare number of seconds.
func Duration(key string) (time.Duration, bool) {
	value, ok := String(key)
	if !ok {
		return 0, false
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, true
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
