package utils

import (
	"strconv"
	"time"
)

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// UnixToTime converts a unix timestamp in seconds to UTC. Non-positive input yields the zero time.
func UnixToTime(timestamp int64) time.Time {
	if timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(timestamp, 0).UTC()
}

// UnixStringToTime parses the decimal seconds string WhatsApp uses for timestamps,
// falling back to Now when it is missing or garbled.
func UnixStringToTime(raw string) time.Time {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts <= 0 {
		return Now()
	}
	return UnixToTime(ts)
}

// FormatISO8601 formats t as RFC 3339 in UTC.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
