package analytics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(opts Options) (*Store, *time.Time) {
	opts.Logger = zerolog.Nop()
	s := NewStore(opts)
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	return s, &now
}

func TestStore_TouchAndFailures(t *testing.T) {
	s, _ := mockStore(Options{})

	s.Touch("10.0.0.1", false)
	s.Touch("10.0.0.1", true)
	rec := s.Touch("10.0.0.1", false)
	assert.Equal(t, int64(3), rec.Requests)
	assert.Equal(t, int64(1), rec.Failures)

	s.RecordFailure("10.0.0.1")
	rec, ok := s.Get("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Failures)
	assert.InDelta(t, 2.0/3.0, rec.FailureRatio(), 1e-9)

	// Failures never exceed requests.
	for i := 0; i < 5; i++ {
		s.RecordFailure("10.0.0.1")
	}
	rec, _ = s.Get("10.0.0.1")
	assert.Equal(t, rec.Requests, rec.Failures)

	_, ok = s.Get("10.9.9.9")
	assert.False(t, ok)
}

func TestStore_Blend(t *testing.T) {
	s, _ := mockStore(Options{Alpha: 0.3})

	rec := s.Blend("10.0.0.2", 100, []string{"sql_union_select"})
	assert.InDelta(t, 30, rec.ThreatScore, 1e-9)

	rec = s.Blend("10.0.0.2", 0, []string{"xss_script_tag", "sql_union_select"})
	assert.InDelta(t, 21, rec.ThreatScore, 1e-9)
	assert.Equal(t, []string{"sql_union_select", "xss_script_tag"}, rec.TriggeredPatterns)
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s, _ := mockStore(Options{})
	rec := s.Blend("10.0.0.3", 50, []string{"a"})
	rec.TriggeredPatterns[0] = "mutated"
	rec.Requests = 99

	got, _ := s.Get("10.0.0.3")
	assert.Equal(t, []string{"a"}, got.TriggeredPatterns)
	assert.Equal(t, int64(0), got.Requests)
}

func TestStore_Top(t *testing.T) {
	s, _ := mockStore(Options{})
	s.Blend("10.0.0.1", 10, nil)
	s.Blend("10.0.0.2", 90, nil)
	s.Blend("10.0.0.3", 50, nil)
	s.Touch("10.0.0.4", false)

	top := s.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, "10.0.0.2", top[0].IP)
	assert.Equal(t, "10.0.0.3", top[1].IP)
	assert.Len(t, s.Top(0), 4)
}

func TestStore_SweepIdle(t *testing.T) {
	s, now := mockStore(Options{IdleTimeout: 10 * time.Minute})
	s.Touch("10.0.0.1", false)
	*now = now.Add(8 * time.Minute)
	s.Touch("10.0.0.2", false)

	assert.Equal(t, 1, s.Sweep(now.Add(3*time.Minute)))
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("10.0.0.2")
	assert.True(t, ok)
}

func TestStore_Bounded(t *testing.T) {
	s, _ := mockStore(Options{Capacity: 64})
	for i := 0; i < 1000; i++ {
		s.Touch(fmt.Sprintf("10.1.%d.%d", i/256, i%256), false)
	}
	assert.LessOrEqual(t, s.Len(), 64)
	assert.Greater(t, s.Len(), 0)
}

func TestStore_ConcurrentTouch(t *testing.T) {
	s, _ := mockStore(Options{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Touch("10.0.0.5", i%4 == 0)
				s.Blend("10.0.0.5", 10, nil)
			}
		}()
	}
	wg.Wait()

	rec, _ := s.Get("10.0.0.5")
	assert.Equal(t, int64(8000), rec.Requests)
	assert.Equal(t, int64(2000), rec.Failures)
}
