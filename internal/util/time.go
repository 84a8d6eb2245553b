package util

import (
	"fmt"
	"time"
)

// FormatRecordingTime renders an elapsed recording time as DD:HH:MM:SS,
// leaving out the day and hour fields while they are zero.
// Examples: "05:07", "01:05:07", "02:01:05:07".
func FormatRecordingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total / 3600 % 24
	minutes := total / 60 % 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%02d:%02d:%02d:%02d", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	default:
		return fmt.Sprintf("%02d:%02d", minutes, seconds)
	}
}

// humanTimeFormat is the layout used for timestamps shown to users.
const humanTimeFormat = "2 Jan 2006 15:04 MST"

// FormatHumanTime converts an RFC3339 timestamp to human-readable local time format.
func FormatHumanTime(rfc3339 string) string {
	if rfc3339 == "" || rfc3339 == "unknown" {
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format(humanTimeFormat)
}

// FormatDuration formats milliseconds as a human-readable duration string.
// Examples: "45s", "2m 34s", "1h 23m"
func FormatDuration(ms int64) string {
	totalSeconds := ms / 1000
	if totalSeconds < 60 {
		return fmt.Sprintf("%ds", totalSeconds)
	}
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := minutes / 60
	minutes %= 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
