// Package policy maps a score and the worst escalated severity to an action,
// and remembers non-allow decisions per source until they expire.
package policy

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"threatgate/security-gateway/internal/detect"
)

type Action string

const (
	Allow     Action = "allow"
	Throttle  Action = "throttle"
	Challenge Action = "challenge"
	Block     Action = "block"
)

// Rank orders actions by severity.
func (a Action) Rank() int {
	switch a {
	case Throttle:
		return 1
	case Challenge:
		return 2
	case Block:
		return 3
	}
	return 0
}

// ThreatResponse is a decision for one source. A zero ExpiresAt means the
// decision is not cached.
type ThreatResponse struct {
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
	Score     int       `json:"score"`
	DecidedAt time.Time `json:"decidedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether a cached response has lapsed at now.
func (r ThreatResponse) Expired(now time.Time) bool {
	return r.ExpiresAt.IsZero() || !now.Before(r.ExpiresAt)
}

type Config struct {
	BlockScore     int
	ChallengeScore int
	ThrottleScore  int
	BlockFor       time.Duration
	ChallengeFor   time.Duration
	ThrottleFor    time.Duration
	// Capacity bounds the number of standing decisions.
	Capacity int
}

func DefaultConfig() Config {
	return Config{
		BlockScore:     80,
		ChallengeScore: 50,
		ThrottleScore:  25,
		BlockFor:       time.Hour,
		ChallengeFor:   15 * time.Minute,
		ThrottleFor:    5 * time.Minute,
		Capacity:       100000,
	}
}

const numShards = 32

type entry struct {
	src  string
	resp ThreatResponse
}

type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently stored
}

type Policy struct {
	cfg      Config
	shards   [numShards]*shard
	perShard int
}

func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.BlockScore <= 0 {
		cfg.BlockScore = def.BlockScore
	}
	if cfg.ChallengeScore <= 0 {
		cfg.ChallengeScore = def.ChallengeScore
	}
	if cfg.ThrottleScore <= 0 {
		cfg.ThrottleScore = def.ThrottleScore
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = def.BlockFor
	}
	if cfg.ChallengeFor <= 0 {
		cfg.ChallengeFor = def.ChallengeFor
	}
	if cfg.ThrottleFor <= 0 {
		cfg.ThrottleFor = def.ThrottleFor
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	p := &Policy{cfg: cfg, perShard: max(cfg.Capacity/numShards, 1)}
	for i := range p.shards {
		p.shards[i] = &shard{items: make(map[string]*list.Element), order: list.New()}
	}
	return p
}

// Decide computes a fresh response. It never consults the cache.
func (p *Policy) Decide(score int, worst detect.Severity, reason string, now time.Time) ThreatResponse {
	r := ThreatResponse{Action: Allow, Reason: reason, Score: score, DecidedAt: now}
	switch {
	case score >= p.cfg.BlockScore || worst >= detect.SeverityCritical:
		r.Action, r.ExpiresAt = Block, now.Add(p.cfg.BlockFor)
	case score >= p.cfg.ChallengeScore || worst == detect.SeverityHigh:
		r.Action, r.ExpiresAt = Challenge, now.Add(p.cfg.ChallengeFor)
	case score >= p.cfg.ThrottleScore || worst == detect.SeverityMedium:
		r.Action, r.ExpiresAt = Throttle, now.Add(p.cfg.ThrottleFor)
	}
	return r
}

// Lookup returns the standing response for src. Expired entries are removed
// on the way.
func (p *Policy) Lookup(src string, now time.Time) (ThreatResponse, bool) {
	sh := p.shard(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.items[src]
	if !ok {
		return ThreatResponse{}, false
	}
	en := el.Value.(*entry)
	if en.resp.Expired(now) {
		delete(sh.items, src)
		sh.order.Remove(el)
		return ThreatResponse{}, false
	}
	return en.resp, true
}

// Remember caches r for src and returns the response now standing. Allow and
// already-expired responses are not cached. When a standing response is more
// severe, or equally severe and longer lived, it is kept.
func (p *Policy) Remember(src string, r ThreatResponse, now time.Time) ThreatResponse {
	if r.Action == Allow || r.Expired(now) {
		return r
	}
	sh := p.shard(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.items[src]; ok {
		en := el.Value.(*entry)
		cur := en.resp
		if !cur.Expired(now) {
			if cur.Action.Rank() > r.Action.Rank() ||
				(cur.Action == r.Action && !cur.ExpiresAt.Before(r.ExpiresAt)) {
				return cur
			}
		}
		en.resp = r
		sh.order.MoveToFront(el)
		return r
	}

	if sh.order.Len() >= p.perShard {
		p.evictOne(sh, now)
	}
	sh.items[src] = sh.order.PushFront(&entry{src: src, resp: r})
	return r
}

// evictOne drops an expired entry if the tail has one, otherwise the oldest.
// Caller holds sh.mu.
func (p *Policy) evictOne(sh *shard, now time.Time) {
	for el := sh.order.Back(); el != nil; el = el.Prev() {
		if en := el.Value.(*entry); en.resp.Expired(now) {
			delete(sh.items, en.src)
			sh.order.Remove(el)
			return
		}
	}
	back := sh.order.Back()
	delete(sh.items, back.Value.(*entry).src)
	sh.order.Remove(back)
}

// Sweep removes expired responses one shard at a time.
func (p *Policy) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		for el := sh.order.Front(); el != nil; {
			next := el.Next()
			if en := el.Value.(*entry); en.resp.Expired(now) {
				delete(sh.items, en.src)
				sh.order.Remove(el)
				removed++
			}
			el = next
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len counts cached responses, expired ones included until swept.
func (p *Policy) Len() int {
	n := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		n += sh.order.Len()
		sh.mu.Unlock()
	}
	return n
}

func (p *Policy) shard(src string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(src))
	return p.shards[h.Sum32()%numShards]
}
