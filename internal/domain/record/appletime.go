package record

import "time"

// The Messages store encodes timestamps as offsets from the Apple reference
// date rather than the Unix epoch. Modern macOS writes nanosecond offsets;
// databases migrated from older releases may still carry second offsets.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// Values at or above this are unambiguously nanosecond offsets: interpreted
// as seconds they would land past the year 33000.
const appleNanosecondFloor = int64(1_000_000_000_000)

// FromAppleTime converts a raw store timestamp into a time.Time. Zero means
// the column was unset and maps to the zero time.
func FromAppleTime(raw int64) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	if raw < appleNanosecondFloor {
		return appleEpoch.Add(time.Duration(raw) * time.Second)
	}
	return appleEpoch.Add(time.Duration(raw) * time.Nanosecond)
}

// ToAppleTime converts a wall-clock time into the store's nanosecond offset
// encoding for use in query bounds.
func ToAppleTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Sub(appleEpoch).Nanoseconds()
}
