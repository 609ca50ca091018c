// Package clock provides the kernel's monotonic time source: a quantum
// counter driven by a periodic tick plus a wall-clock nanosecond pair,
// and the TimeInterval/Quantum arithmetic the rest of the core builds on.
package clock

import (
	"math"
	"time"

	"github.com/zoobzio/clockz"
)

// Rounding selects how ToQuanta rounds a sub-quantum remainder.
type Rounding int

const (
	// RoundTowardZero truncates the remainder.
	RoundTowardZero Rounding = iota
	// RoundAwayFromZero rounds any non-zero remainder up.
	RoundAwayFromZero
)

// Quantum is a monotonic, non-negative count of scheduler ticks.
type Quantum uint64

// QuantumInfinite is the sentinel deadline that never expires.
const QuantumInfinite Quantum = math.MaxUint64

// TimeInterval is a (seconds, nanoseconds) duration or point in time.
// Arithmetic saturates to the ±infinity sentinels on overflow rather
// than wrapping, per spec.
type TimeInterval struct {
	Seconds     int32
	Nanoseconds int32 // 0 <= Nanoseconds < 1e9
}

// Zero is the zero interval.
var Zero = TimeInterval{}

// Infinite is the sentinel interval that never triggers a timeout.
var Infinite = TimeInterval{Seconds: math.MaxInt32, Nanoseconds: 999999999}

// NegInfinite is the sentinel interval representing "already elapsed".
var NegInfinite = TimeInterval{Seconds: math.MinInt32, Nanoseconds: 0}

// IsInfinite reports whether t is the Infinite sentinel.
func (t TimeInterval) IsInfinite() bool {
	return t == Infinite
}

// FromDuration converts a time.Duration into a TimeInterval.
func FromDuration(d time.Duration) TimeInterval {
	if d < 0 {
		d = 0
	}
	sec := d / time.Second
	nsec := d % time.Second
	if sec > math.MaxInt32 {
		return Infinite
	}
	return TimeInterval{Seconds: int32(sec), Nanoseconds: int32(nsec)}
}

// Duration converts a TimeInterval back into a time.Duration.
func (t TimeInterval) Duration() time.Duration {
	if t.IsInfinite() {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(t.Seconds)*time.Second + time.Duration(t.Nanoseconds)
}

// Add returns t+other, saturating to Infinite on overflow.
func (t TimeInterval) Add(other TimeInterval) TimeInterval {
	if t.IsInfinite() || other.IsInfinite() {
		return Infinite
	}
	nsec := int64(t.Nanoseconds) + int64(other.Nanoseconds)
	sec := int64(t.Seconds) + int64(other.Seconds) + nsec/1_000_000_000
	nsec %= 1_000_000_000
	if sec > math.MaxInt32 {
		return Infinite
	}
	return TimeInterval{Seconds: int32(sec), Nanoseconds: int32(nsec)}
}

// Before reports whether t occurs strictly before other.
func (t TimeInterval) Before(other TimeInterval) bool {
	if t.Seconds != other.Seconds {
		return t.Seconds < other.Seconds
	}
	return t.Nanoseconds < other.Nanoseconds
}

// ToQuanta converts an interval to a Quantum count given the configured
// nanoseconds-per-quantum, using the requested rounding mode.
func ToQuanta(t TimeInterval, nsPerQuantum int64, rounding Rounding) Quantum {
	if t.IsInfinite() || nsPerQuantum <= 0 {
		return QuantumInfinite
	}
	totalNs := int64(t.Seconds)*1_000_000_000 + int64(t.Nanoseconds)
	if totalNs <= 0 {
		return 0
	}
	q := totalNs / nsPerQuantum
	rem := totalNs % nsPerQuantum
	if rem != 0 && rounding == RoundAwayFromZero {
		q++
	}
	return Quantum(q)
}

// ToInterval converts a quantum count back to a TimeInterval.
func ToInterval(q Quantum, nsPerQuantum int64) TimeInterval {
	if q == QuantumInfinite {
		return Infinite
	}
	return FromDuration(time.Duration(uint64(q)*uint64(nsPerQuantum)) * time.Nanosecond)
}

// BusyWaitThreshold is the longest interval short enough to be spun
// through rather than parked on the scheduler (spec §4.1).
const BusyWaitThreshold = 1 * time.Millisecond

// Source is the kernel's sampling of monotonic time: a free-running
// quantum counter plus wall-clock nanoseconds, backed by a clockz.Clock
// so tests can substitute clockz.NewFakeClock() for deterministic ticks.
type Source struct {
	underlying   clockz.Clock
	nsPerQuantum int64
	boot         time.Time
	quantum      Quantum // not read: CurrentQuantum derives the count from elapsed time
}

// NewSource creates a clock Source. nsPerQuantum must be > 0.
func NewSource(underlying clockz.Clock, nsPerQuantum int64) *Source {
	if underlying == nil {
		underlying = clockz.RealClock
	}
	return &Source{
		underlying:   underlying,
		nsPerQuantum: nsPerQuantum,
		boot:         underlying.Now(),
	}
}

// Underlying returns the wrapped clockz.Clock, for components (dispatch
// queue timers, backoff delays) that need raw After()/WithTimeout().
func (s *Source) Underlying() clockz.Clock {
	return s.underlying
}

// NsPerQuantum returns the configured tick length in nanoseconds.
func (s *Source) NsPerQuantum() int64 {
	return s.nsPerQuantum
}

// Now samples the wall-clock interval elapsed since boot. Per spec
// §4.1 this is a two-read loop around the quantum counter: read the
// quantum, compute the elapsed wall time, then confirm the quantum
// counter did not advance underneath the read.
func (s *Source) Now() TimeInterval {
	for {
		q0 := s.CurrentQuantum()
		elapsed := s.underlying.Now().Sub(s.boot)
		q1 := s.CurrentQuantum()
		if q0 == q1 {
			return FromDuration(elapsed)
		}
	}
}

// CurrentQuantum returns the current tick count: the time elapsed on
// the underlying clock since boot, divided by the quantum length. Safe
// to call concurrently; it keeps no counter of its own.
func (s *Source) CurrentQuantum() Quantum {
	return Quantum(s.underlying.Now().Sub(s.boot).Nanoseconds() / s.nsPerQuantum)
}

// NowQuanta is the External Interface's now_quanta().
func (s *Source) NowQuanta() Quantum {
	return s.CurrentQuantum()
}

// DelayUntil reports whether the caller should busy-delay (true, for
// deadlines at most BusyWaitThreshold away) or park through the
// scheduler (false).
func (s *Source) DelayUntil(deadline TimeInterval) bool {
	now := s.Now()
	if deadline.Before(now) {
		return true
	}
	remaining := deadline
	remaining.Seconds -= now.Seconds
	if remaining.Nanoseconds < now.Nanoseconds {
		remaining.Seconds--
		remaining.Nanoseconds += 1_000_000_000
	}
	remaining.Nanoseconds -= now.Nanoseconds
	return remaining.Duration() <= BusyWaitThreshold
}
