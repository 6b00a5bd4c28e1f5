package model

import (
	"fmt"
	"time"
)

// Timestamp is a wall-clock instant with nanosecond precision,
// normalized so that Nanos is always within [0, 1e9).
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos))
}

func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanos)
}

// SnapshotVersion is a server commit timestamp ordering document and
// remote-event states. The zero value means "version unknown".
type SnapshotVersion Timestamp

var VersionZero = SnapshotVersion{}

func NewSnapshotVersion(seconds int64, nanos int32) SnapshotVersion {
	return SnapshotVersion{Seconds: seconds, Nanos: nanos}
}

func (v SnapshotVersion) Timestamp() Timestamp { return Timestamp(v) }

func (v SnapshotVersion) IsZero() bool { return v == VersionZero }

func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return Timestamp(v).Compare(Timestamp(other))
}

func (v SnapshotVersion) String() string { return Timestamp(v).String() }

// Clock supplies write timestamps, lease expiry checks and backoff
// scheduling. Injectable so tests run deterministically.
type Clock interface {
	Now() Timestamp
}

type WallClock struct{}

func (WallClock) Now() Timestamp { return TimestampFromTime(time.Now()) }
