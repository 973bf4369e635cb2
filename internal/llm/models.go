package llm

import "regexp"

var snapshotSuffix = regexp.MustCompile(`-\d{8}$`)

// FriendlyModelName strips a dated snapshot suffix, so
// "claude-sonnet-4-20250514" becomes "claude-sonnet-4".
func FriendlyModelName(modelID string) string {
	return snapshotSuffix.ReplaceAllString(modelID, "")
}
