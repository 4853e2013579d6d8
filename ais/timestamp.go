package ais

import "time"

// ReconstructTimestamp builds the position time from the UTC second carried in
// a position report. The reference is the receive time when known, otherwise
// now truncated to the second. A reported second later than the reference's
// second belongs to the previous minute.
func ReconstructTimestamp(second int, receive, now time.Time) time.Time {
	ref := now.UTC().Truncate(time.Second)
	if !receive.IsZero() {
		ref = receive.UTC()
	}
	// 60 and above mean "not available" or a positioning system fault.
	if second < 0 || second >= 60 {
		return ref
	}
	if second > ref.Second() {
		ref = ref.Add(-time.Minute)
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), ref.Minute(), second, ref.Nanosecond(), time.UTC)
}
