// Package interval provides set algebra over half-open time intervals
// [start, end) on a single absolute timeline. All operations accept
// unsorted, overlapping input and return maximal, disjoint, ascending
// interval sets. Nothing here performs I/O.
package interval

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a half-open span [Start, End). Zero-length and inverted
// spans are rejected by New; code constructing Interval literals is
// expected to uphold Start < End itself.
type Interval struct {
	Start time.Time
	End   time.Time
}

func New(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, fmt.Errorf("%w: [%s, %s)", ErrInvalidInterval, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether two half-open intervals share any instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether [other.Start, other.End) lies entirely inside iv.
func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

// Expand widens the interval by before/after padding. Negative padding is
// treated as zero.
func (iv Interval) Expand(before, after time.Duration) Interval {
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}
	return Interval{Start: iv.Start.Add(-before), End: iv.End.Add(after)}
}

// Union merges the input into a maximal disjoint ascending set. Adjacent
// intervals ([a,b) followed by [b,c)) are coalesced.
func Union(set []Interval) []Interval {
	if len(set) == 0 {
		return nil
	}

	sorted := make([]Interval, len(set))
	copy(sorted, set)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Subtract removes every interval in b from every interval in a.
func Subtract(a, b []Interval) []Interval {
	minuend := Union(a)
	subtrahend := Union(b)
	if len(minuend) == 0 || len(subtrahend) == 0 {
		return minuend
	}

	var out []Interval
	for _, iv := range minuend {
		cursor := iv.Start
		for _, cut := range subtrahend {
			if !cut.End.After(cursor) {
				continue
			}
			if !cut.Start.Before(iv.End) {
				break
			}
			if cut.Start.After(cursor) {
				out = append(out, Interval{Start: cursor, End: cut.Start})
			}
			if cut.End.After(cursor) {
				cursor = cut.End
			}
			if !cursor.Before(iv.End) {
				break
			}
		}
		if cursor.Before(iv.End) {
			out = append(out, Interval{Start: cursor, End: iv.End})
		}
	}
	return out
}

// Intersect keeps the instants present in both a and b.
func Intersect(a, b []Interval) []Interval {
	left := Union(a)
	right := Union(b)

	var out []Interval
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		start := left[i].Start
		if right[j].Start.After(start) {
			start = right[j].Start
		}
		end := left[i].End
		if right[j].End.Before(end) {
			end = right[j].End
		}
		if start.Before(end) {
			out = append(out, Interval{Start: start, End: end})
		}
		if left[i].End.Before(right[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}
