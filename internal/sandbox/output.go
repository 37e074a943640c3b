package sandbox

// TruncationMarker is appended to output cut at the configured cap.
const TruncationMarker = "\n... [output truncated]"

// Truncate cuts s to exactly maxBytes and appends TruncationMarker. Output at
// or under the cap is returned untouched. Applying it twice yields the same
// result as applying it once.
func Truncate(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	return s[:maxBytes] + TruncationMarker, true
}
