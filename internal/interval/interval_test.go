package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func span(startH, startM, endH, endM int) Interval {
	return Interval{Start: at(startH, startM), End: at(endH, endM)}
}

func TestNewRejectsDegenerateIntervals(t *testing.T) {
	_, err := New(at(10, 0), at(10, 0))
	require.ErrorIs(t, err, ErrInvalidInterval)

	_, err = New(at(11, 0), at(10, 0))
	require.ErrorIs(t, err, ErrInvalidInterval)

	iv, err := New(at(10, 0), at(11, 0))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, iv.Duration())
}

func TestUnion(t *testing.T) {
	tests := []struct {
		name string
		in   []Interval
		want []Interval
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "unsorted overlapping",
			in:   []Interval{span(10, 0, 12, 0), span(9, 0, 10, 30)},
			want: []Interval{span(9, 0, 12, 0)},
		},
		{
			name: "adjacent coalesce",
			in:   []Interval{span(9, 0, 10, 0), span(10, 0, 11, 0)},
			want: []Interval{span(9, 0, 11, 0)},
		},
		{
			name: "disjoint stay disjoint and sorted",
			in:   []Interval{span(13, 0, 14, 0), span(9, 0, 10, 0)},
			want: []Interval{span(9, 0, 10, 0), span(13, 0, 14, 0)},
		},
		{
			name: "contained interval absorbed",
			in:   []Interval{span(9, 0, 12, 0), span(10, 0, 11, 0)},
			want: []Interval{span(9, 0, 12, 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Union(tt.in))
		})
	}
}

func TestUnionIdempotentAndCommutative(t *testing.T) {
	a := []Interval{span(9, 0, 10, 0), span(11, 0, 12, 0)}
	b := []Interval{span(9, 30, 11, 30)}

	ab := Union(append(append([]Interval{}, a...), b...))
	ba := Union(append(append([]Interval{}, b...), a...))
	assert.Equal(t, ab, ba)
	assert.Equal(t, ab, Union(ab))
}

func TestSubtract(t *testing.T) {
	tests := []struct {
		name string
		a    []Interval
		b    []Interval
		want []Interval
	}{
		{
			name: "self subtraction is empty",
			a:    []Interval{span(9, 0, 12, 0)},
			b:    []Interval{span(9, 0, 12, 0)},
			want: nil,
		},
		{
			name: "hole in the middle",
			a:    []Interval{span(9, 0, 12, 0)},
			b:    []Interval{span(10, 0, 10, 45)},
			want: []Interval{span(9, 0, 10, 0), span(10, 45, 12, 0)},
		},
		{
			name: "cut overlapping left edge",
			a:    []Interval{span(9, 0, 12, 0)},
			b:    []Interval{span(8, 0, 9, 30)},
			want: []Interval{span(9, 30, 12, 0)},
		},
		{
			name: "cut overlapping right edge",
			a:    []Interval{span(9, 0, 12, 0)},
			b:    []Interval{span(11, 30, 13, 0)},
			want: []Interval{span(9, 0, 11, 30)},
		},
		{
			name: "disjoint subtrahend is a no-op",
			a:    []Interval{span(9, 0, 12, 0)},
			b:    []Interval{span(13, 0, 14, 0)},
			want: []Interval{span(9, 0, 12, 0)},
		},
		{
			name: "multiple cuts across multiple windows",
			a:    []Interval{span(9, 0, 11, 0), span(13, 0, 15, 0)},
			b:    []Interval{span(10, 0, 13, 30), span(14, 0, 14, 15)},
			want: []Interval{span(9, 0, 10, 0), span(13, 30, 14, 0), span(14, 15, 15, 0)},
		},
		{
			name: "subtrahend swallows everything",
			a:    []Interval{span(9, 0, 10, 0), span(11, 0, 12, 0)},
			b:    []Interval{span(8, 0, 13, 0)},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subtract(tt.a, tt.b))
		})
	}
}

func TestSubtractUnionLaw(t *testing.T) {
	// subtract(union(A,B), B) must be a subset of A.
	a := []Interval{span(9, 0, 10, 30), span(11, 0, 12, 0)}
	b := []Interval{span(10, 0, 11, 30)}

	got := Subtract(Union(append(append([]Interval{}, a...), b...)), b)
	normalA := Union(a)
	for _, iv := range got {
		contained := false
		for _, within := range normalA {
			if within.Contains(iv) {
				contained = true
				break
			}
		}
		assert.True(t, contained, "interval %v not contained in A", iv)
	}
}

func TestIntersect(t *testing.T) {
	tests := []struct {
		name string
		a    []Interval
		b    []Interval
		want []Interval
	}{
		{
			name: "partial overlap",
			a:    []Interval{span(9, 0, 11, 0)},
			b:    []Interval{span(10, 0, 12, 0)},
			want: []Interval{span(10, 0, 11, 0)},
		},
		{
			name: "touching endpoints share nothing",
			a:    []Interval{span(9, 0, 10, 0)},
			b:    []Interval{span(10, 0, 11, 0)},
			want: nil,
		},
		{
			name: "multiple fragments",
			a:    []Interval{span(9, 0, 12, 0)},
			b:    []Interval{span(9, 30, 10, 0), span(11, 0, 13, 0)},
			want: []Interval{span(9, 30, 10, 0), span(11, 0, 12, 0)},
		},
		{
			name: "empty side",
			a:    nil,
			b:    []Interval{span(9, 0, 10, 0)},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Intersect(tt.a, tt.b))
		})
	}
}

func TestOverlapsAndContains(t *testing.T) {
	assert.True(t, span(9, 0, 10, 0).Overlaps(span(9, 59, 11, 0)))
	assert.False(t, span(9, 0, 10, 0).Overlaps(span(10, 0, 11, 0)))
	assert.True(t, span(9, 0, 12, 0).Contains(span(9, 0, 10, 0)))
	assert.False(t, span(9, 0, 12, 0).Contains(span(11, 0, 12, 30)))
}

func TestExpand(t *testing.T) {
	got := span(10, 0, 10, 30).Expand(15*time.Minute, 10*time.Minute)
	assert.Equal(t, span(9, 45, 10, 40), got)

	// Negative padding is clamped.
	got = span(10, 0, 10, 30).Expand(-time.Hour, -time.Hour)
	assert.Equal(t, span(10, 0, 10, 30), got)
}
