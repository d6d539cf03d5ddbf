// internal/telemetry/bucket.go
package telemetry

import "time"

// DefaultIntervalSec is assumed when a batch carries no interval hint.
const DefaultIntervalSec = 300

// BucketedSample pairs a reconstructed sample timestamp with its minute
// bucket identifier. The bucket id is the idempotency and merge key: two
// submissions describing the same device-minute must compute the same id.
type BucketedSample struct {
	BucketID string
	TS       time.Time
}

// Bucketize reconstructs per-sample timestamps for a batch received at
// receivedAt. Firmware reports only values, so sample i (oldest first) is
// offset backward by (sampleCount-1-i)*interval from the receipt time.
func Bucketize(receivedAt time.Time, intervalSec, sampleCount int) []BucketedSample {
	if intervalSec <= 0 {
		intervalSec = DefaultIntervalSec
	}
	out := make([]BucketedSample, sampleCount)
	for i := 0; i < sampleCount; i++ {
		ts := receivedAt.Add(-time.Duration(sampleCount-1-i) * time.Duration(intervalSec) * time.Second).UTC()
		out[i] = BucketedSample{BucketID: BucketID(ts), TS: ts}
	}
	return out
}

// BucketID truncates a timestamp to its UTC minute, formatted as a
// fixed-width lexicographically sortable string (YYYYMMDDHHMM).
func BucketID(ts time.Time) string {
	return ts.UTC().Format("200601021504")
}

// DayID is the UTC calendar day key (YYYYMMDD) for daily aggregates.
func DayID(ts time.Time) string {
	return ts.UTC().Format("20060102")
}

// DayStart returns midnight UTC of ts's calendar day.
func DayStart(ts time.Time) time.Time {
	u := ts.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
