package models

import "time"

// Millisecond-precision UTC timestamp used in JSON responses, e.g. 2024-05-01T12:00:00.000Z
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
