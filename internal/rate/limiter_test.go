package rate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fakeClock(start int64) (*int64, func() time.Time) {
	now := start
	return &now, func() time.Time { return time.Unix(now, 0) }
}

func TestSlidingRPS_Estimate(t *testing.T) {
	rps := NewSlidingRPS(10*time.Second, 100, zerolog.Nop())
	now, clock := fakeClock(100)
	rps.nowFunc = clock

	var got float64
	for i := 0; i < 5; i++ {
		got = rps.Observe("10.0.0.1")
	}
	if got != 5 {
		t.Errorf("expected 5 rps in the first second, got %f", got)
	}

	*now = 101
	for i := 0; i < 5; i++ {
		rps.Observe("10.0.0.1")
	}
	// 11 requests across two seconds.
	if got = rps.Observe("10.0.0.1"); got != 5.5 {
		t.Errorf("expected 5.5, got %f", got)
	}
	if p := rps.Peek("10.0.0.1"); p != 5.5 {
		t.Errorf("peek should not count, got %f", p)
	}
}

func TestSlidingRPS_WindowReset(t *testing.T) {
	rps := NewSlidingRPS(2*time.Second, 100, zerolog.Nop())
	now, clock := fakeClock(100)
	rps.nowFunc = clock

	rps.Observe("k")
	rps.Observe("k")

	*now = 102
	if got := rps.Observe("k"); got != 1 {
		t.Errorf("expected 1 after the window elapsed, got %f", got)
	}
}

func TestSlidingRPS_PartialShift(t *testing.T) {
	rps := NewSlidingRPS(4*time.Second, 100, zerolog.Nop())
	now, clock := fakeClock(200)
	rps.nowFunc = clock

	for i := 0; i < 4; i++ {
		rps.Observe("k")
	}
	*now = 202
	// 5 requests over 3 seconds
	if got := rps.Observe("k"); got < 1.66 || got > 1.67 {
		t.Errorf("expected ~1.67, got %f", got)
	}
}

func TestSlidingRPS_Bounded(t *testing.T) {
	rps := NewSlidingRPS(10*time.Second, 3, zerolog.Nop())
	_, clock := fakeClock(100)
	rps.nowFunc = clock

	for _, k := range []string{"a", "b", "c", "d"} {
		rps.Observe(k)
	}
	if n := rps.Len(); n != 3 {
		t.Fatalf("expected 3 tracked sources, got %d", n)
	}
	if p := rps.Peek("a"); p != 0 {
		t.Errorf("oldest source should have been evicted, peek=%f", p)
	}
}

func TestSlidingRPS_Prune(t *testing.T) {
	rps := NewSlidingRPS(5*time.Second, 100, zerolog.Nop())
	now, clock := fakeClock(100)
	rps.nowFunc = clock

	rps.Observe("old")
	*now = 103
	rps.Observe("new")
	*now = 106

	if n := rps.Prune(); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if rps.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", rps.Len())
	}
}
