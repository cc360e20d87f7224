package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JAN1970 is the number of seconds from the NTP era 0 epoch to the Unix epoch.
const JAN1970 = 2208988800

// Timestamp is a 64-bit NTP fixed point time: seconds since 1900 and a 32-bit fraction.
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// TimestampFromTime converts a wall clock time into an NTP timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	secs := uint64(t.Unix()) + JAN1970
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp{Seconds: uint32(secs), Fraction: uint32(frac)}
}

// Time converts the timestamp back into a wall clock time in era 0.
func (ts Timestamp) Time() time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	secs := int64(ts.Seconds) - JAN1970
	nsec := (int64(ts.Fraction) * int64(time.Second)) >> 32
	return time.Unix(secs, nsec).UTC()
}

// IsZero reports whether both halves are zero.
func (ts Timestamp) IsZero() bool {
	return ts.Seconds == 0 && ts.Fraction == 0
}

// Sub returns ts - o with l_fp wraparound semantics.
func (ts Timestamp) Sub(o Timestamp) Timestamp {
	a := uint64(ts.Seconds)<<32 | uint64(ts.Fraction)
	b := uint64(o.Seconds)<<32 | uint64(o.Fraction)
	d := a - b
	return Timestamp{Seconds: uint32(d >> 32), Fraction: uint32(d)}
}

// Uint64 returns the timestamp as a single 32.32 fixed point value.
func (ts Timestamp) Uint64() uint64 {
	return uint64(ts.Seconds)<<32 | uint64(ts.Fraction)
}

// String renders the timestamp the way mode-6 replies carry it.
func (ts Timestamp) String() string {
	return fmt.Sprintf("0x%08x.%08x", ts.Seconds, ts.Fraction)
}

// ParseTimestamp parses the "0x%08x.%08x" form.
func ParseTimestamp(s string) (Timestamp, error) {
	rest, ok := strings.CutPrefix(s, "0x")
	if !ok {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	hi, lo, ok := strings.Cut(rest, ".")
	if !ok {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	secs, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	frac, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	return Timestamp{Seconds: uint32(secs), Fraction: uint32(frac)}, nil
}
