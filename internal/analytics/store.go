// Package analytics keeps a bounded, per-source rolling record of request and
// failure counts plus an exponentially blended threat score.
package analytics

import (
	"container/list"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xrate "golang.org/x/time/rate"
)

const numShards = 32

// SourceRecord is a copy of what the store knows about one source. Mutating it
// does not affect the store.
type SourceRecord struct {
	IP                string    `json:"ip"`
	Requests          int64     `json:"requests"`
	Failures          int64     `json:"failures"`
	FirstSeen         time.Time `json:"firstSeen"`
	LastSeen          time.Time `json:"lastSeen"`
	ThreatScore       float64   `json:"threatScore"`
	TriggeredPatterns []string  `json:"triggeredPatterns,omitempty"`
}

// FailureRatio is Failures/Requests, 0 for a source with no requests.
func (r SourceRecord) FailureRatio() float64 {
	if r.Requests <= 0 {
		return 0
	}
	return float64(r.Failures) / float64(r.Requests)
}

type record struct {
	ip        string
	requests  int64
	failures  int64
	firstSeen time.Time
	lastSeen  time.Time
	threat    float64
	patterns  map[string]struct{}
}

func (r *record) snapshot() SourceRecord {
	out := SourceRecord{
		IP:          r.ip,
		Requests:    r.requests,
		Failures:    r.failures,
		FirstSeen:   r.firstSeen,
		LastSeen:    r.lastSeen,
		ThreatScore: r.threat,
	}
	if len(r.patterns) > 0 {
		out.TriggeredPatterns = make([]string, 0, len(r.patterns))
		for p := range r.patterns {
			out.TriggeredPatterns = append(out.TriggeredPatterns, p)
		}
		sort.Strings(out.TriggeredPatterns)
	}
	return out
}

type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently seen
}

type Options struct {
	Capacity    int
	IdleTimeout time.Duration
	// Alpha is the weight of the newest score in the blend.
	Alpha  float64
	Logger zerolog.Logger
}

const (
	DefaultCapacity    = 100000
	DefaultIdleTimeout = 30 * time.Minute
	DefaultAlpha       = 0.3
)

// Store is safe for concurrent use. Each source lives in exactly one shard and
// all updates to it happen under that shard's lock.
type Store struct {
	shards   [numShards]*shard
	perShard int
	idle     time.Duration
	alpha    float64

	log      zerolog.Logger
	pressure xrate.Sometimes
	nowFunc  func() time.Time
}

func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultAlpha
	}
	s := &Store{
		perShard: max(opts.Capacity/numShards, 1),
		idle:     opts.IdleTimeout,
		alpha:    opts.Alpha,
		log:      opts.Logger.With().Str("component", "analytics").Logger(),
		pressure: xrate.Sometimes{Interval: time.Minute},
		nowFunc:  time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*list.Element), lru: list.New()}
	}
	return s
}

// Touch counts one request from ip, and one failure when failed is set, and
// returns the updated record.
func (s *Store) Touch(ip string, failed bool) SourceRecord {
	now := s.nowFunc()
	sh := s.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := s.getOrCreate(sh, ip, now)
	r.requests++
	if failed {
		r.failures++
	}
	r.lastSeen = now
	return r.snapshot()
}

// RecordFailure counts a failed outcome for a request already counted by
// Touch, e.g. a 4xx written by the upstream.
func (s *Store) RecordFailure(ip string) {
	now := s.nowFunc()
	sh := s.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := s.getOrCreate(sh, ip, now)
	if r.failures < r.requests {
		r.failures++
	}
	r.lastSeen = now
}

// Blend folds score into the source's threat score and adds patterns to its
// triggered set.
func (s *Store) Blend(ip string, score float64, patterns []string) SourceRecord {
	now := s.nowFunc()
	sh := s.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := s.getOrCreate(sh, ip, now)
	r.threat = s.alpha*score + (1-s.alpha)*r.threat
	for _, p := range patterns {
		if r.patterns == nil {
			r.patterns = make(map[string]struct{}, len(patterns))
		}
		r.patterns[p] = struct{}{}
	}
	r.lastSeen = now
	return r.snapshot()
}

// Get returns a copy of the record for ip.
func (s *Store) Get(ip string) (SourceRecord, bool) {
	sh := s.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.items[ip]
	if !ok {
		return SourceRecord{}, false
	}
	return el.Value.(*record).snapshot(), true
}

// Top returns up to n records ordered by threat score, then request count.
func (s *Store) Top(n int) []SourceRecord {
	var all []SourceRecord
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.lru.Front(); el != nil; el = el.Next() {
			all = append(all, el.Value.(*record).snapshot())
		}
		sh.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ThreatScore != all[j].ThreatScore {
			return all[i].ThreatScore > all[j].ThreatScore
		}
		if all[i].Requests != all[j].Requests {
			return all[i].Requests > all[j].Requests
		}
		return all[i].IP < all[j].IP
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes sources idle for longer than the idle timeout. Each shard is
// walked from its least recently seen end, so the walk stops at the first
// live source.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for back := sh.lru.Back(); back != nil; back = sh.lru.Back() {
			r := back.Value.(*record)
			if now.Sub(r.lastSeen) < s.idle {
				break
			}
			delete(sh.items, r.ip)
			sh.lru.Remove(back)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// getOrCreate returns the record for ip, moving it to the front. Caller holds
// sh.mu.
func (s *Store) getOrCreate(sh *shard, ip string, now time.Time) *record {
	if el, ok := sh.items[ip]; ok {
		sh.lru.MoveToFront(el)
		return el.Value.(*record)
	}
	if sh.lru.Len() >= s.perShard {
		back := sh.lru.Back()
		delete(sh.items, back.Value.(*record).ip)
		sh.lru.Remove(back)
		s.pressure.Do(func() {
			s.log.Warn().Int("per_shard", s.perShard).Msg("analytics store full, evicting least recently seen sources")
		})
	}
	r := &record{ip: ip, firstSeen: now, lastSeen: now}
	sh.items[ip] = sh.lru.PushFront(r)
	return r
}

func (s *Store) shard(ip string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return s.shards[h.Sum32()%numShards]
}
