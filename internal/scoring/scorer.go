// Package scoring turns escalated detections and source history into a single
// 0-100 risk score.
package scoring

import (
	"math"
	"time"

	"threatgate/security-gateway/internal/analytics"
	"threatgate/security-gateway/internal/detect"
)

type Config struct {
	// Base is the starting severity per category; the highest escalated
	// category wins.
	Base map[detect.Category]float64
	// Weight scales each escalated finding's confidence.
	Weight map[detect.Category]float64

	HistoryWeight      float64
	FailureWeight      float64
	MinHistoryRequests int64

	OffHoursMultiplier float64
	OffHoursStart      int // hour, inclusive
	OffHoursEnd        int // hour, exclusive
	Location           *time.Location
}

func DefaultConfig() Config {
	return Config{
		Base: map[detect.Category]float64{
			detect.SQLInjection: 45,
			detect.XSS:          40,
			detect.AuthBypass:   40,
			detect.CSRF:         30,
			detect.Bot:          10,
		},
		Weight: map[detect.Category]float64{
			detect.SQLInjection: 40,
			detect.XSS:          35,
			detect.AuthBypass:   35,
			detect.CSRF:         25,
			detect.Bot:          15,
		},
		HistoryWeight:      0.2,
		FailureWeight:      20,
		MinHistoryRequests: 5,
		OffHoursMultiplier: 1.2,
		OffHoursStart:      22,
		OffHoursEnd:        6,
		Location:           time.UTC,
	}
}

// Breakdown keeps the parts of a score so operators can see why a request was
// rated the way it was.
type Breakdown struct {
	Score      int     `json:"score"`
	Base       float64 `json:"base"`
	Patterns   float64 `json:"patterns"`
	History    float64 `json:"history"`
	Multiplier float64 `json:"multiplier"`
}

type Scorer struct {
	cfg Config
}

// New fills zero fields of cfg from DefaultConfig.
func New(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.Base == nil {
		cfg.Base = def.Base
	}
	if cfg.Weight == nil {
		cfg.Weight = def.Weight
	}
	if cfg.OffHoursMultiplier <= 0 {
		cfg.OffHoursMultiplier = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scorer{cfg: cfg}
}

// Score rates one request. Only escalated findings contribute; with none the
// score is zero regardless of history.
func (s *Scorer) Score(escalated []detect.Finding, hist analytics.SourceRecord, at time.Time) Breakdown {
	b := Breakdown{Multiplier: 1}
	if len(escalated) == 0 {
		return b
	}
	for _, f := range escalated {
		if base := s.cfg.Base[f.Category]; base > b.Base {
			b.Base = base
		}
		b.Patterns += f.Confidence * s.cfg.Weight[f.Category]
	}
	if hist.Requests >= s.cfg.MinHistoryRequests {
		b.History = hist.ThreatScore*s.cfg.HistoryWeight + hist.FailureRatio()*s.cfg.FailureWeight
	}
	if s.offHours(at) {
		b.Multiplier = s.cfg.OffHoursMultiplier
	}
	raw := (b.Base + b.Patterns + b.History) * b.Multiplier
	b.Score = int(math.Round(math.Max(0, math.Min(100, raw))))
	return b
}

func (s *Scorer) offHours(at time.Time) bool {
	start, end := s.cfg.OffHoursStart, s.cfg.OffHoursEnd
	if start == end {
		return false
	}
	h := at.In(s.cfg.Location).Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
