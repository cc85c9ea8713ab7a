// Package rate estimates per-source request rates over a short sliding window
// with bounded memory. The least recently seen source is evicted when the
// estimator is full.
package rate

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xrate "golang.org/x/time/rate"
)

type SlidingRPS struct {
	mu      sync.Mutex
	window  int // seconds
	cap     int
	items   map[string]*list.Element
	lru     *list.List // front = most recently seen
	nowFunc func() time.Time

	log      zerolog.Logger
	pressure xrate.Sometimes
}

type rpsEntry struct {
	key      string
	startSec int64
	lastSec  int64
	buckets  []uint16 // one per second, tail is the current second
}

// NewSlidingRPS returns an estimator holding at most capacity sources.
func NewSlidingRPS(window time.Duration, capacity int, logger zerolog.Logger) *SlidingRPS {
	w := int(window / time.Second)
	if w <= 0 {
		w = 10
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &SlidingRPS{
		window:   w,
		cap:      capacity,
		items:    make(map[string]*list.Element, capacity/2),
		lru:      list.New(),
		nowFunc:  time.Now,
		log:      logger,
		pressure: xrate.Sometimes{Interval: time.Minute},
	}
}

// Observe counts one request for key and returns the estimated rate across
// the part of the window the key has been active in.
func (s *SlidingRPS) Observe(key string) float64 {
	now := s.nowFunc().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		en := el.Value.(*rpsEntry)
		s.advance(en, now)
		if en.buckets[s.window-1] < 65535 {
			en.buckets[s.window-1]++
		}
		s.lru.MoveToFront(el)
		return s.estimate(en, now)
	}

	if n := s.lru.Len(); n >= s.cap*9/10 {
		s.pressure.Do(func() {
			s.log.Warn().Int("tracked", n).Int("capacity", s.cap).Msg("rate estimator near capacity")
		})
	}
	if s.lru.Len() >= s.cap {
		if back := s.lru.Back(); back != nil {
			delete(s.items, back.Value.(*rpsEntry).key)
			s.lru.Remove(back)
		}
	}
	en := &rpsEntry{key: key, startSec: now, lastSec: now, buckets: make([]uint16, s.window)}
	en.buckets[s.window-1] = 1
	s.items[key] = s.lru.PushFront(en)
	return s.estimate(en, now)
}

// Peek returns the current estimate for key without counting a request.
func (s *SlidingRPS) Peek(key string) float64 {
	now := s.nowFunc().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return 0
	}
	en := el.Value.(*rpsEntry)
	s.advance(en, now)
	return s.estimate(en, now)
}

// Len reports how many sources are tracked.
func (s *SlidingRPS) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Prune drops sources that have been silent for a full window. It walks from
// the least recently seen end and stops at the first active source.
func (s *SlidingRPS) Prune() int {
	now := s.nowFunc().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for back := s.lru.Back(); back != nil; back = s.lru.Back() {
		en := back.Value.(*rpsEntry)
		if now-en.lastSec < int64(s.window) {
			break
		}
		delete(s.items, en.key)
		s.lru.Remove(back)
		n++
	}
	return n
}

func (s *SlidingRPS) advance(en *rpsEntry, now int64) {
	if now <= en.lastSec {
		return
	}
	diff := now - en.lastSec
	if diff >= int64(s.window) {
		clear(en.buckets)
		en.startSec = now
		en.lastSec = now
		return
	}
	shift := int(diff)
	copy(en.buckets, en.buckets[shift:])
	clear(en.buckets[s.window-shift:])
	en.lastSec = now
}

func (s *SlidingRPS) estimate(en *rpsEntry, now int64) float64 {
	sum := 0
	for _, b := range en.buckets {
		sum += int(b)
	}
	span := int(now - en.startSec + 1)
	if span < 1 {
		span = 1
	}
	if span > s.window {
		span = s.window
	}
	return float64(sum) / float64(span)
}
