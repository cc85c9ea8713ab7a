// Package journal is a bounded, time-expiring in-memory record of incidents.
// It is a diagnostic aid: readers must tolerate entries disappearing between
// calls.
package journal

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/metrics"
	"threatgate/security-gateway/internal/policy"
)

// Incident is one scored detection.
type Incident struct {
	ID         string          `json:"id"`
	Time       time.Time       `json:"time"`
	RequestID  string          `json:"requestId,omitempty"`
	SourceIP   string          `json:"sourceIp"`
	UserAgent  string          `json:"userAgent,omitempty"`
	Method     string          `json:"method"`
	Endpoint   string          `json:"endpoint"`
	Subject    string          `json:"subject,omitempty"`
	Category   detect.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Patterns   []string        `json:"patterns"`
	Score      int             `json:"score"`
	Action     policy.Action   `json:"action"`
	Reason     string          `json:"reason"`
}

type Options struct {
	Capacity     int
	MaxAge       time.Duration
	NotifyBuffer int
	Logger       zerolog.Logger
}

const (
	DefaultCapacity     = 10000
	DefaultMaxAge       = 24 * time.Hour
	DefaultNotifyBuffer = 256
	defaultQueryLimit   = 100
)

// Journal keeps incidents in a fixed-size ring. Appending to a full ring
// overwrites the oldest entry.
type Journal struct {
	mu     sync.RWMutex
	ring   []Incident
	head   int // index of the oldest entry
	size   int
	maxAge time.Duration

	notify  chan Incident
	dropped atomic.Uint64

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	log     zerolog.Logger
	nowFunc func() time.Time
}

func New(opts Options) *Journal {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = DefaultNotifyBuffer
	}
	return &Journal{
		ring:    make([]Incident, opts.Capacity),
		maxAge:  opts.MaxAge,
		notify:  make(chan Incident, opts.NotifyBuffer),
		entropy: ulid.Monotonic(rand.Reader, 0),
		log:     opts.Logger.With().Str("component", "journal").Logger(),
		nowFunc: time.Now,
	}
}

// Append stores inc, assigning its ID and time when unset, and publishes it to
// the notification channel without blocking.
func (j *Journal) Append(inc Incident) Incident {
	now := j.nowFunc()
	if inc.Time.IsZero() {
		inc.Time = now
	}
	if inc.ID == "" {
		inc.ID = j.newID(inc.Time)
	}
	inc.Patterns = append([]string(nil), inc.Patterns...)

	j.mu.Lock()
	j.expireLocked(now)
	idx := (j.head + j.size) % len(j.ring)
	j.ring[idx] = inc
	if j.size < len(j.ring) {
		j.size++
	} else {
		j.head = (j.head + 1) % len(j.ring)
	}
	j.mu.Unlock()

	select {
	case j.notify <- inc:
	default:
		j.dropped.Add(1)
		metrics.NotificationsDropped.Inc()
	}
	return inc
}

func (j *Journal) newID(t time.Time) string {
	j.idMu.Lock()
	defer j.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), j.entropy).String()
}

// expireLocked drops entries older than maxAge from the oldest end. Caller
// holds j.mu for writing.
func (j *Journal) expireLocked(now time.Time) int {
	cutoff := now.Add(-j.maxAge)
	n := 0
	for j.size > 0 && j.ring[j.head].Time.Before(cutoff) {
		j.ring[j.head] = Incident{}
		j.head = (j.head + 1) % len(j.ring)
		j.size--
		n++
	}
	return n
}

// Sweep removes aged-out incidents.
func (j *Journal) Sweep(now time.Time) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.expireLocked(now)
}

// Len counts stored incidents, aged ones included until swept.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.size
}

// Dropped is the number of notifications lost to a full queue.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Notifications is the bounded queue of appended incidents.
func (j *Journal) Notifications() <-chan Incident { return j.notify }

// ---- Queries ----

type Filter struct {
	Since    time.Time
	Until    time.Time
	Category detect.Category
	SourceIP string
	Action   policy.Action
	Limit    int
}

func (f Filter) match(inc *Incident) bool {
	switch {
	case !f.Since.IsZero() && inc.Time.Before(f.Since):
		return false
	case !f.Until.IsZero() && inc.Time.After(f.Until):
		return false
	case f.Category != "" && inc.Category != f.Category:
		return false
	case f.SourceIP != "" && inc.SourceIP != f.SourceIP:
		return false
	case f.Action != "" && inc.Action != f.Action:
		return false
	}
	return true
}

// Query returns matching incidents, newest first. Aged-out entries are skipped
// even if not yet swept.
func (j *Journal) Query(f Filter) []Incident {
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	cutoff := j.nowFunc().Add(-j.maxAge)

	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Incident, 0, min(f.Limit, j.size))
	for i := j.size - 1; i >= 0 && len(out) < f.Limit; i-- {
		inc := &j.ring[(j.head+i)%len(j.ring)]
		if inc.Time.Before(cutoff) {
			break
		}
		if f.match(inc) {
			c := *inc
			c.Patterns = append([]string(nil), inc.Patterns...)
			out = append(out, c)
		}
	}
	return out
}

// Count is a labelled tally in a report.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Report struct {
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	Total       int                     `json:"total"`
	ByCategory  map[detect.Category]int `json:"byCategory"`
	ByAction    map[policy.Action]int   `json:"byAction"`
	TopSources  []Count                 `json:"topSources"`
	TopPatterns []Count                 `json:"topPatterns"`
	Dropped     uint64                  `json:"droppedNotifications"`
}

// Summarize aggregates incidents newer than since. top bounds the source and
// pattern tables.
func (j *Journal) Summarize(since time.Time, top int) Report {
	now := j.nowFunc()
	if cutoff := now.Add(-j.maxAge); since.Before(cutoff) {
		since = cutoff
	}
	if top <= 0 {
		top = 10
	}
	rep := Report{
		From:       since,
		To:         now,
		ByCategory: make(map[detect.Category]int),
		ByAction:   make(map[policy.Action]int),
		Dropped:    j.Dropped(),
	}
	sources := make(map[string]int)
	patterns := make(map[string]int)

	j.mu.RLock()
	for i := 0; i < j.size; i++ {
		inc := &j.ring[(j.head+i)%len(j.ring)]
		if inc.Time.Before(since) {
			continue
		}
		rep.Total++
		rep.ByCategory[inc.Category]++
		rep.ByAction[inc.Action]++
		sources[inc.SourceIP]++
		for _, p := range inc.Patterns {
			patterns[p]++
		}
	}
	j.mu.RUnlock()

	rep.TopSources = topCounts(sources, top)
	rep.TopPatterns = topCounts(patterns, top)
	return rep
}

func topCounts(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ---- Reporter ----

// RunReporter drains the notification queue until ctx is done, logging each
// incident and counting it by category.
func (j *Journal) RunReporter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case inc := <-j.notify:
			metrics.Incidents.WithLabelValues(string(inc.Category)).Inc()
			j.log.Warn().
				Str("incident_id", inc.ID).
				Str("request_id", inc.RequestID).
				Str("source_ip", inc.SourceIP).
				Str("method", inc.Method).
				Str("endpoint", inc.Endpoint).
				Str("category", string(inc.Category)).
				Strs("patterns", inc.Patterns).
				Int("score", inc.Score).
				Str("action", string(inc.Action)).
				Msg("security incident")
		}
	}
}
