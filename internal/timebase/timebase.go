// Package timebase provides the fixed-resolution logical time base shared by
// the sync-point engine and the thread coordinator. Logical time is carried
// as a signed 64-bit count of whole microsecond ticks so that cycle-boundary
// arithmetic is exact integer math.
package timebase

import (
	"fmt"
	"math"
	"time"
)

// TicksPerSecond is the logical time resolution. One tick is one microsecond.
const TicksPerSecond int64 = 1_000_000

// Units is the human-readable name of the tick resolution, used in
// diagnostics for non-representable cycle times.
const Units = "microseconds"

// resolutionSlop absorbs float64 representation error when scaling seconds
// to ticks. Real sub-tick remainders are at least half a tick, many orders
// of magnitude larger.
const resolutionSlop = 1e-6

// Tick is a logical time value in whole microsecond ticks.
type Tick int64

// Representable reports whether the given time in seconds can be expressed
// exactly as whole ticks at the configured resolution.
func Representable(seconds float64) bool {
	scaled := seconds * float64(TicksPerSecond)
	return math.Abs(scaled-math.Round(scaled)) <= resolutionSlop
}

// ToTicks converts a time in seconds to logical ticks. It fails if the value
// needs more resolution than whole ticks can represent.
func ToTicks(seconds float64) (Tick, error) {
	scaled := seconds * float64(TicksPerSecond)
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > resolutionSlop {
		return 0, fmt.Errorf(
			"time %.18g seconds requires more resolution than whole %s (would be %.18g ticks)",
			seconds, Units, scaled)
	}
	return Tick(rounded), nil
}

// MustTicks is ToTicks for values known at compile time, such as test
// fixtures and defaults. It panics on a non-representable value.
func MustTicks(seconds float64) Tick {
	t, err := ToTicks(seconds)
	if err != nil {
		panic(err)
	}
	return t
}

// Seconds converts the tick count back to seconds.
func (t Tick) Seconds() float64 {
	return float64(t) / float64(TicksPerSecond)
}

// Duration converts the tick count to a wall-clock duration of equal length.
func (t Tick) Duration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

func (t Tick) String() string {
	return fmt.Sprintf("%d %s", int64(t), Units)
}
