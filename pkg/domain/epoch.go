package domain

import (
	"strconv"
	"time"
)

// Epoch identifies one incarnation of the execution environment, as the unix
// nanosecond timestamp of its start. The zero Epoch means the environment has not
// reported a start yet.
type Epoch int64

// EpochOf returns the epoch of an environment started at t. A zero t maps to the zero Epoch.
func EpochOf(t time.Time) Epoch {
	if t.IsZero() {
		return 0
	}
	return Epoch(t.UnixNano())
}

// Time returns the environment start time.
func (e Epoch) Time() time.Time {
	if e == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(e)).UTC()
}

// IsZero reports whether the epoch is unknown.
func (e Epoch) IsZero() bool {
	return e == 0
}

func (e Epoch) String() string {
	if e == 0 {
		return "none"
	}
	return e.Time().Format(time.RFC3339Nano)
}

// ParseEpoch accepts either an RFC 3339 timestamp or a raw nanosecond count.
func ParseEpoch(s string) (Epoch, error) {
	if s == "" || s == "none" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Epoch(n), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return EpochOf(t), nil
}
