// Package interval implements overlap arithmetic over closed and open-ended
// time intervals.
//
// An open-ended interval has no observed end. For overlap purposes it is
// considered to extend to Start+horizon, the same span over which an open
// session attributes evidence.
package interval

import "time"

// Interval is a closed time interval, or an open-ended one when End is nil.
type Interval struct {
	Start time.Time
	End   *time.Time
}

// Closed returns the closed interval [start, end].
func Closed(start, end time.Time) Interval {
	return Interval{Start: start, End: &end}
}

// Open returns an open-ended interval starting at start.
func Open(start time.Time) Interval {
	return Interval{Start: start}
}

// IsOpen reports whether the interval has no end.
func (i Interval) IsOpen() bool {
	return i.End == nil
}

// Bounds returns the effective start and end of the interval.
func (i Interval) Bounds(horizon time.Duration) (time.Time, time.Time) {
	if i.End != nil {
		return i.Start, *i.End
	}
	return i.Start, i.Start.Add(horizon)
}

// Length returns the effective length of the interval.
func (i Interval) Length(horizon time.Duration) time.Duration {
	start, end := i.Bounds(horizon)
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// Contains reports whether t lies within the effective interval, bounds included.
func (i Interval) Contains(t time.Time, horizon time.Duration) bool {
	start, end := i.Bounds(horizon)
	return !t.Before(start) && !t.After(end)
}

// Overlap returns the length of the intersection of a and b.
func Overlap(a, b Interval, horizon time.Duration) time.Duration {
	aStart, aEnd := a.Bounds(horizon)
	bStart, bEnd := b.Bounds(horizon)
	start := later(aStart, bStart)
	end := earlier(aEnd, bEnd)
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// OverlapRatio returns the intersection length divided by the length of the
// shorter interval, in [0,1]. A zero-length interval counts as fully
// overlapped when it lies inside the other one.
func OverlapRatio(a, b Interval, horizon time.Duration) float64 {
	aLen := a.Length(horizon)
	bLen := b.Length(horizon)

	shorter, other := a, b
	shorterLen := aLen
	if bLen < aLen {
		shorter, other = b, a
		shorterLen = bLen
	}

	if shorterLen == 0 {
		if other.Contains(shorter.Start, horizon) {
			return 1
		}
		return 0
	}

	ratio := float64(Overlap(a, b, horizon)) / float64(shorterLen)
	if ratio > 1 {
		return 1
	}
	return ratio
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
