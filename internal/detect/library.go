// Package detect holds the detector catalog and the per-source firing windows
// that decide when a match becomes an incident.
package detect

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	xrate "golang.org/x/time/rate"

	"threatgate/security-gateway/internal/metrics"
	"threatgate/security-gateway/internal/rate"
)

const numShards = 32

// Override adjusts one catalog entry. Zero fields keep the built-in value.
type Override struct {
	Threshold  int
	Window     time.Duration
	Confidence float64
	Disabled   bool
}

type Options struct {
	// MaxSources bounds the number of sources whose firing windows are kept.
	MaxSources     int
	FloodRPS       float64
	FloodWindow    time.Duration
	AllowedOrigins []string
	Overrides      map[string]Override
	Logger         zerolog.Logger
}

// Finding is one detector match for one request.
type Finding struct {
	Detector   string   `json:"detector"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Severity   Severity `json:"severity"`
	Count      int      `json:"count"`
	Threshold  int      `json:"threshold"`
	Escalated  bool     `json:"escalated"`
}

// Result is everything the library concluded about one request.
type Result struct {
	Fired     []Finding
	Escalated []Finding
	Failed    []string
}

// MaxSeverity is the highest severity among escalated findings.
func (r Result) MaxSeverity() Severity {
	s := SeverityNone
	for _, f := range r.Escalated {
		if f.Severity > s {
			s = f.Severity
		}
	}
	return s
}

// Patterns returns the names of escalated detectors.
func (r Result) Patterns() []string {
	out := make([]string, len(r.Escalated))
	for i, f := range r.Escalated {
		out[i] = f.Detector
	}
	return out
}

// Primary returns the category of the strongest escalated finding, ranked by
// severity and then confidence.
func (r Result) Primary() (Category, float64) {
	var best *Finding
	for i := range r.Escalated {
		f := &r.Escalated[i]
		if best == nil || f.Severity > best.Severity || (f.Severity == best.Severity && f.Confidence > best.Confidence) {
			best = f
		}
	}
	if best == nil {
		return "", 0
	}
	return best.Category, best.Confidence
}

type firingShard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, map[string][]time.Time]
}

type Library struct {
	detectors      []Detector
	windows        map[string]time.Duration
	shards         [numShards]*firingShard
	allowedOrigins map[string]bool
	flood          *rate.SlidingRPS
	floodLimit     float64

	log      zerolog.Logger
	failures xrate.Sometimes
	nowFunc  func() time.Time
}

func NewLibrary(opts Options) (*Library, error) {
	l := &Library{
		allowedOrigins: make(map[string]bool, len(opts.AllowedOrigins)),
		floodLimit:     opts.FloodRPS,
		log:            opts.Logger.With().Str("component", "detect").Logger(),
		failures:       xrate.Sometimes{First: 5, Interval: 30 * time.Second},
		nowFunc:        time.Now,
	}
	for _, o := range opts.AllowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		l.allowedOrigins[strings.TrimSuffix(o, "/")] = true
	}

	maxSources := opts.MaxSources
	if maxSources <= 0 {
		maxSources = 50000
	}
	perShard := maxSources / numShards
	if perShard < 1 {
		perShard = 1
	}
	for i := range l.shards {
		cache, err := simplelru.NewLRU[string, map[string][]time.Time](perShard, nil)
		if err != nil {
			return nil, fmt.Errorf("detect: firing window cache: %w", err)
		}
		l.shards[i] = &firingShard{lru: cache}
	}
	if opts.FloodRPS > 0 {
		l.flood = rate.NewSlidingRPS(opts.FloodWindow, maxSources, l.log)
	}

	catalog := defaultCatalog(l)
	known := make(map[string]bool, len(catalog))
	for _, d := range catalog {
		known[d.Name] = true
	}
	for name := range opts.Overrides {
		if !known[name] {
			return nil, fmt.Errorf("detect: override for unknown detector %q", name)
		}
	}

	l.windows = make(map[string]time.Duration, len(catalog))
	for _, d := range catalog {
		if o, ok := opts.Overrides[d.Name]; ok {
			if o.Disabled {
				continue
			}
			if o.Threshold > 0 {
				d.Threshold = o.Threshold
			}
			if o.Window > 0 {
				d.Window = o.Window
			}
			if o.Confidence > 0 {
				d.Confidence = min(o.Confidence, 1)
			}
		}
		l.detectors = append(l.detectors, d)
		l.windows[d.Name] = d.Window
	}
	return l, nil
}

// Detectors returns the active catalog.
func (l *Library) Detectors() []Detector {
	return append([]Detector(nil), l.detectors...)
}

// Inspect runs every detector against f and records the firings against the
// source. A detector that panics is logged and treated as not firing.
func (l *Library) Inspect(f *RequestFacts, hist History) Result {
	in := newInput(f, hist)
	var res Result
	var fired []Detector
	for _, d := range l.detectors {
		ok, err := l.run(d, in)
		if err != nil {
			res.Failed = append(res.Failed, d.Name)
			metrics.DetectorErrors.WithLabelValues(d.Name).Inc()
			l.failures.Do(func() {
				l.log.Warn().Err(err).Str("detector", d.Name).Msg("detector failed, treating as no match")
			})
			continue
		}
		if ok {
			fired = append(fired, d)
		}
	}
	if len(fired) == 0 {
		return res
	}

	counts := l.record(SourceKey(f.ClientIP), fired, l.nowFunc())
	for i, d := range fired {
		fd := Finding{
			Detector:   d.Name,
			Category:   d.Category,
			Confidence: d.Confidence,
			Severity:   d.Severity,
			Count:      counts[i],
			Threshold:  d.Threshold,
			Escalated:  counts[i] >= d.Threshold,
		}
		metrics.DetectorFired.WithLabelValues(d.Name).Inc()
		res.Fired = append(res.Fired, fd)
		if fd.Escalated {
			metrics.DetectorEscalated.WithLabelValues(d.Name).Inc()
			res.Escalated = append(res.Escalated, fd)
		}
	}
	return res
}

func (l *Library) run(d Detector, in *Input) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Match(in), nil
}

// record appends a firing for each detector and returns the number of firings
// inside each detector's window, this one included.
func (l *Library) record(src string, fired []Detector, now time.Time) []int {
	sh := l.shard(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	hits, ok := sh.lru.Get(src)
	if !ok {
		hits = make(map[string][]time.Time, len(fired))
		sh.lru.Add(src, hits)
	}
	counts := make([]int, len(fired))
	for i, d := range fired {
		ts := pruneBefore(hits[d.Name], now.Add(-d.Window))
		ts = append(ts, now)
		// Only the most recent Threshold firings matter for escalation.
		if keep := max(d.Threshold, 1); len(ts) > keep {
			ts = append(ts[:0], ts[len(ts)-keep:]...)
		}
		hits[d.Name] = ts
		counts[i] = len(ts)
	}
	return counts
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Sweep drops firing windows that have fully lapsed and sources left with
// none. It locks one shard at a time.
func (l *Library) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, src := range sh.lru.Keys() {
			hits, ok := sh.lru.Peek(src)
			if !ok {
				continue
			}
			for name, ts := range hits {
				ts = pruneBefore(ts, now.Add(-l.windows[name]))
				if len(ts) == 0 {
					delete(hits, name)
				} else {
					hits[name] = ts
				}
			}
			if len(hits) == 0 {
				sh.lru.Remove(src)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if l.flood != nil {
		l.flood.Prune()
	}
	return removed
}

// Tracked reports how many sources have live firing windows.
func (l *Library) Tracked() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}
	return n
}

func (l *Library) shard(src string) *firingShard {
	return l.shards[shardIndex(src)]
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}

// SourceKey is the key every per-source table uses for ip. Requests with no
// resolvable client address share the "unknown" bucket.
func SourceKey(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return ip
}
