// Package engine runs the detection pipeline for one request: standing
// decision lookup, pattern detection, scoring, policy and journaling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"threatgate/security-gateway/internal/analytics"
	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/journal"
	"threatgate/security-gateway/internal/metrics"
	"threatgate/security-gateway/internal/policy"
	"threatgate/security-gateway/internal/scoring"
)

// ErrPipelineFailure reports an internal fault. The returned Decision is an
// Allow; callers choose between failing open and refusing the request.
var ErrPipelineFailure = errors.New("engine: detection pipeline failed")

// SecurityEvent describes one inspected request that escalated at least one
// detector. Clean requests and requests with only sub-threshold findings get
// no event, since only scored detections are journaled.
type SecurityEvent struct {
	Time       time.Time         `json:"time"`
	RequestID  string            `json:"requestId,omitempty"`
	SourceIP   string            `json:"sourceIp"`
	UserAgent  string            `json:"userAgent,omitempty"`
	Method     string            `json:"method"`
	Endpoint   string            `json:"endpoint"`
	Subject    string            `json:"subject,omitempty"`
	Category   detect.Category   `json:"category"`
	Confidence float64           `json:"confidence"`
	Patterns   []string          `json:"patterns"`
	Findings   []detect.Finding  `json:"findings"`
	Score      int               `json:"score"`
	Breakdown  scoring.Breakdown `json:"breakdown"`
}

// Decision is the outcome for one request.
type Decision struct {
	Response policy.ThreatResponse
	// Cached is set when a standing decision answered without detection.
	Cached   bool
	FailOpen bool
	Event    *SecurityEvent
	// IncidentID is the journal entry written for Event, if any.
	IncidentID string
}

type Options struct {
	Library       *detect.Library
	Scorer        *scoring.Scorer
	Policy        *policy.Policy
	Sources       *analytics.Store
	Journal       *journal.Journal
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

type Engine struct {
	lib     *detect.Library
	scorer  *scoring.Scorer
	policy  *policy.Policy
	sources *analytics.Store
	journal *journal.Journal

	sweepEvery time.Duration
	log        zerolog.Logger
	nowFunc    func() time.Time
}

func New(opts Options) *Engine {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Engine{
		lib:        opts.Library,
		scorer:     opts.Scorer,
		policy:     opts.Policy,
		sources:    opts.Sources,
		journal:    opts.Journal,
		sweepEvery: opts.SweepInterval,
		log:        opts.Logger.With().Str("component", "engine").Logger(),
		nowFunc:    time.Now,
	}
}

// Evaluate decides what to do with a request. A standing decision for the
// source is honored before any detector runs. If ctx is cancelled mid-way the
// in-flight result is discarded and ctx.Err() is returned.
func (e *Engine) Evaluate(ctx context.Context, f *detect.RequestFacts, requestID string) (d Decision, err error) {
	start := time.Now()
	path := "pipeline"
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn().Str("request_id", requestID).Str("source_ip", f.ClientIP).
				Interface("panic", r).Msg("detection pipeline failed, allowing request")
			d = Decision{Response: policy.ThreatResponse{Action: policy.Allow, Reason: "internal error", DecidedAt: e.nowFunc()}, FailOpen: true}
			err = fmt.Errorf("%w: %v", ErrPipelineFailure, r)
			path = "fail_open"
		}
		if err == nil || errors.Is(err, ErrPipelineFailure) {
			metrics.Decisions.WithLabelValues(string(d.Response.Action), path).Inc()
		}
		metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := e.nowFunc()
	src := detect.SourceKey(f.ClientIP)

	if standing, ok := e.policy.Lookup(src, now); ok {
		e.sources.Touch(src, f.AuthError != "")
		metrics.CacheHits.Inc()
		path = "cached"
		return Decision{Response: standing, Cached: true}, nil
	}

	hist := e.sources.Touch(src, f.AuthError != "")
	res := e.lib.Inspect(f, detect.History{Requests: hist.Requests, Failures: hist.Failures})
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if len(res.Escalated) == 0 {
		e.sources.Blend(src, 0, nil)
		return Decision{Response: e.policy.Decide(0, detect.SeverityNone, "", now)}, nil
	}

	patterns := res.Patterns()
	category, confidence := res.Primary()
	breakdown := e.scorer.Score(res.Escalated, hist, now)
	reason := string(category) + ": " + strings.Join(patterns, ",")

	fresh := e.policy.Decide(breakdown.Score, res.MaxSeverity(), reason, now)
	standing := e.policy.Remember(src, fresh, now)
	e.sources.Blend(src, float64(breakdown.Score), patterns)

	ev := &SecurityEvent{
		Time:       now,
		RequestID:  requestID,
		SourceIP:   src,
		UserAgent:  f.UserAgent(),
		Method:     f.Method,
		Endpoint:   f.Path,
		Subject:    f.Subject,
		Category:   category,
		Confidence: confidence,
		Patterns:   patterns,
		Findings:   res.Escalated,
		Score:      breakdown.Score,
		Breakdown:  breakdown,
	}
	inc := e.journal.Append(journal.Incident{
		Time:       now,
		RequestID:  requestID,
		SourceIP:   src,
		UserAgent:  ev.UserAgent,
		Method:     ev.Method,
		Endpoint:   ev.Endpoint,
		Subject:    ev.Subject,
		Category:   category,
		Confidence: confidence,
		Patterns:   patterns,
		Score:      breakdown.Score,
		Action:     standing.Action,
		Reason:     standing.Reason,
	})
	return Decision{Response: standing, Event: ev, IncidentID: inc.ID}, nil
}

// AfterResponse is called once the downstream handler has written its status
// for an allowed request. Authentication failures feed the source's failure
// ratio.
func (e *Engine) AfterResponse(f *detect.RequestFacts, status int) {
	if status == 401 || status == 403 {
		e.sources.RecordFailure(detect.SourceKey(f.ClientIP))
	}
}

// Run sweeps expired state on a fixed interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Sweep(e.nowFunc())
		}
	}
}

// Sweep evicts expired decisions, idle sources, lapsed firing windows and aged
// incidents. Each store is swept shard by shard so request handling is never
// blocked for a whole pass.
func (e *Engine) Sweep(now time.Time) {
	decisions := e.policy.Sweep(now)
	sources := e.sources.Sweep(now)
	windows := e.lib.Sweep(now)
	incidents := e.journal.Sweep(now)

	metrics.SweepEvictions.WithLabelValues("decisions").Add(float64(decisions))
	metrics.SweepEvictions.WithLabelValues("sources").Add(float64(sources))
	metrics.SweepEvictions.WithLabelValues("firing_windows").Add(float64(windows))
	metrics.SweepEvictions.WithLabelValues("incidents").Add(float64(incidents))
	metrics.SourcesTracked.Set(float64(e.sources.Len()))
	metrics.StandingDecisions.Set(float64(e.policy.Len()))

	e.log.Debug().
		Int("decisions", decisions).
		Int("sources", sources).
		Int("firing_windows", windows).
		Int("incidents", incidents).
		Msg("sweep complete")
}

// ---- Read side for operators ----

// SourceView joins what is known about one source.
type SourceView struct {
	Record   analytics.SourceRecord `json:"record"`
	Standing *policy.ThreatResponse `json:"standing,omitempty"`
	Recent   []journal.Incident     `json:"recentIncidents"`
}

func (e *Engine) Source(ip string, recent int) (SourceView, bool) {
	rec, ok := e.sources.Get(ip)
	if !ok {
		return SourceView{}, false
	}
	v := SourceView{Record: rec, Recent: e.journal.Query(journal.Filter{SourceIP: ip, Limit: recent})}
	if standing, ok := e.policy.Lookup(ip, e.nowFunc()); ok {
		v.Standing = &standing
	}
	return v, true
}

func (e *Engine) Incidents(f journal.Filter) []journal.Incident {
	return e.journal.Query(f)
}

// Report is the dashboard summary: journal aggregates plus the riskiest
// sources currently tracked.
type Report struct {
	journal.Report
	RiskiestSources []analytics.SourceRecord `json:"riskiestSources"`
	TrackedSources  int                      `json:"trackedSources"`
}

func (e *Engine) Report(since time.Time, top int) Report {
	return Report{
		Report:          e.journal.Summarize(since, top),
		RiskiestSources: e.sources.Top(top),
		TrackedSources:  e.sources.Len(),
	}
}

// Detectors exposes the active catalog.
func (e *Engine) Detectors() []detect.Detector { return e.lib.Detectors() }
