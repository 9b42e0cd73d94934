package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func TestOverlapRatio(t *testing.T) {
	horizon := 30 * time.Second

	tests := []struct {
		name string
		a, b Interval
		want float64
	}{
		{"identical", Closed(at(0), at(10)), Closed(at(0), at(10)), 1},
		{"nested", Closed(at(0), at(100)), Closed(at(10), at(20)), 1},
		{"half", Closed(at(0), at(10)), Closed(at(5), at(15)), 0.5},
		{"disjoint", Closed(at(0), at(10)), Closed(at(20), at(30)), 0},
		{"touching", Closed(at(0), at(10)), Closed(at(10), at(20)), 0},
		{"instant inside", Closed(at(5), at(5)), Closed(at(0), at(10)), 1},
		{"instant on boundary", Closed(at(10), at(10)), Closed(at(0), at(10)), 1},
		{"instant outside", Closed(at(11), at(11)), Closed(at(0), at(10)), 0},
		{"open vs closed inside horizon", Open(at(0)), Closed(at(2), at(12)), 1},
		{"open vs closed past horizon", Open(at(0)), Closed(at(25), at(35)), 0.5},
		{"both open", Open(at(0)), Open(at(15)), 0.5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, OverlapRatio(tc.a, tc.b, horizon), 1e-9)
			assert.InDelta(t, tc.want, OverlapRatio(tc.b, tc.a, horizon), 1e-9, "ratio must be symmetric")
		})
	}
}

func TestContains(t *testing.T) {
	horizon := 10 * time.Second

	closed := Closed(at(0), at(5))
	assert.True(t, closed.Contains(at(0), horizon))
	assert.True(t, closed.Contains(at(5), horizon))
	assert.False(t, closed.Contains(at(6), horizon))

	open := Open(at(0))
	assert.True(t, open.IsOpen())
	assert.True(t, open.Contains(at(10), horizon))
	assert.False(t, open.Contains(at(11), horizon))
	assert.False(t, open.Contains(at(-1), horizon))
}

func TestLength(t *testing.T) {
	assert.Equal(t, 5*time.Second, Closed(at(0), at(5)).Length(time.Minute))
	assert.Equal(t, time.Minute, Open(at(0)).Length(time.Minute))
	assert.Equal(t, time.Duration(0), Closed(at(5), at(0)).Length(time.Minute))
}
