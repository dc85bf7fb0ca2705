package cloudevents

import (
	"time"
)

// TimeFormat renders event times in UTC with millisecond precision, matching
// the envelope datetime field.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime accepts RFC 3339 with or without fractional seconds, and the
// zone-less layouts some producers emit, which are read as UTC.
func ParseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range parseLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// FormatTime returns "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// Now returns the current UTC time truncated to milliseconds, the resolution
// envelopes carry.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
