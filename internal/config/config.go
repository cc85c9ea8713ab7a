package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"threatgate/security-gateway/internal/analytics"
	"threatgate/security-gateway/internal/circuitbreaker"
	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/journal"
	"threatgate/security-gateway/internal/policy"
	"threatgate/security-gateway/internal/scoring"
	"threatgate/security-gateway/internal/token"
)

type ServerCfg struct {
	Listen         string   `yaml:"listen"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	// MaxBodyBytes bounds how much of a request body detectors get to see.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type ModesCfg struct {
	Enforce  bool `yaml:"enforce"`
	FailOpen bool `yaml:"fail_open"`
}

type TokenCfg struct {
	Algorithm         string   `yaml:"algorithm"`
	AllowedAlgorithms []string `yaml:"allowed_algorithms"`
	Secret            string   `yaml:"secret"`
	// SecretEnv names an environment variable that overrides Secret.
	SecretEnv              string   `yaml:"secret_env"`
	Issuer                 string   `yaml:"issuer"`
	Audience               []string `yaml:"audience"`
	ClockToleranceSec      int      `yaml:"clock_tolerance_sec"`
	MaxLifetimeSec         int      `yaml:"max_lifetime_sec"`
	DefaultTTLSec          int      `yaml:"default_ttl_sec"`
	MinTokenLength         int      `yaml:"min_token_length"`
	LongLifetimeWarningSec int      `yaml:"long_lifetime_warning_sec"`
	StaleTokenWarningSec   int      `yaml:"stale_token_warning_sec"`
}

type OverrideCfg struct {
	Threshold  int     `yaml:"threshold"`
	WindowSec  int     `yaml:"window_sec"`
	Confidence float64 `yaml:"confidence"`
	Disabled   bool    `yaml:"disabled"`
}

type DetectionCfg struct {
	MaxSources     int                    `yaml:"max_sources"`
	FloodRPS       float64                `yaml:"flood_rps"`
	FloodWindowSec int                    `yaml:"flood_window_sec"`
	AllowedOrigins []string               `yaml:"allowed_origins"`
	Overrides      map[string]OverrideCfg `yaml:"overrides"`
}

type ScoringCfg struct {
	Base               map[string]float64 `yaml:"base"`
	Weight             map[string]float64 `yaml:"weight"`
	HistoryWeight      float64            `yaml:"history_weight"`
	FailureWeight      float64            `yaml:"failure_weight"`
	MinHistoryRequests int64              `yaml:"min_history_requests"`
	OffHoursMultiplier float64            `yaml:"off_hours_multiplier"`
	OffHoursStart      int                `yaml:"off_hours_start"`
	OffHoursEnd        int                `yaml:"off_hours_end"`
	Timezone           string             `yaml:"timezone"`
}

type PolicyCfg struct {
	BlockScore     int `yaml:"block_score"`
	ChallengeScore int `yaml:"challenge_score"`
	ThrottleScore  int `yaml:"throttle_score"`
	BlockSec       int `yaml:"block_sec"`
	ChallengeSec   int `yaml:"challenge_sec"`
	ThrottleSec    int `yaml:"throttle_sec"`
	Capacity       int `yaml:"capacity"`
}

type AnalyticsCfg struct {
	Capacity       int     `yaml:"capacity"`
	IdleTimeoutSec int     `yaml:"idle_timeout_sec"`
	Alpha          float64 `yaml:"alpha"`
}

type JournalCfg struct {
	Capacity     int `yaml:"capacity"`
	MaxAgeSec    int `yaml:"max_age_sec"`
	NotifyBuffer int `yaml:"notify_buffer"`
}

type SweepCfg struct {
	IntervalSec int `yaml:"interval_sec"`
}

type LoggingCfg struct {
	Level      string `yaml:"level"` // debug|info|warn|error
	File       string `yaml:"file"`  // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type UpstreamCfg struct {
	// URL of the protected service. Empty serves the built-in whoami handler.
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
	// BreakerFailures consecutive 502/503/504s open the circuit. Negative
	// disables the breaker.
	BreakerFailures    int `yaml:"breaker_failures"`
	BreakerProbes      int `yaml:"breaker_probes"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
}

type MetricsCfg struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	Server    ServerCfg    `yaml:"server"`
	Modes     ModesCfg     `yaml:"modes"`
	Token     TokenCfg     `yaml:"token"`
	Detection DetectionCfg `yaml:"detection"`
	Scoring   ScoringCfg   `yaml:"scoring"`
	Policy    PolicyCfg    `yaml:"policy"`
	Analytics AnalyticsCfg `yaml:"analytics"`
	Journal   JournalCfg   `yaml:"journal"`
	Sweep     SweepCfg     `yaml:"sweep"`
	Logging   LoggingCfg   `yaml:"logging"`
	Upstream  UpstreamCfg  `yaml:"upstream"`
	Metrics   MetricsCfg   `yaml:"metrics"`
}

// Default returns a configuration with every default applied. Modes that
// default to on and the off-hours window are set here because YAML cannot
// tell zero from absent; off_hours_start == off_hours_end disables the window.
func Default() *Config {
	sd := scoring.DefaultConfig()
	cfg := &Config{
		Modes:   ModesCfg{Enforce: true, FailOpen: true},
		Scoring: ScoringCfg{OffHoursStart: sd.OffHoursStart, OffHoursEnd: sd.OffHoursEnd},
		Metrics: MetricsCfg{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Token.SecretEnv != "" {
		if v := os.Getenv(cfg.Token.SecretEnv); v != "" {
			cfg.Token.Secret = v
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 10
	}
	if c.Token.Algorithm == "" {
		c.Token.Algorithm = token.DefaultAlgorithm
	}
	if c.Token.MaxLifetimeSec == 0 {
		c.Token.MaxLifetimeSec = int(token.DefaultMaxTokenLifetime / time.Second)
	}
	if c.Token.DefaultTTLSec == 0 {
		c.Token.DefaultTTLSec = 3600
	}
	if c.Detection.FloodWindowSec == 0 {
		c.Detection.FloodWindowSec = 10
	}
	if c.Sweep.IntervalSec == 0 {
		c.Sweep.IntervalSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 30000
	}
	if c.Upstream.BreakerFailures == 0 {
		c.Upstream.BreakerFailures = 5
	}
	if c.Upstream.BreakerProbes == 0 {
		c.Upstream.BreakerProbes = 2
	}
	if c.Upstream.BreakerCooldownSec == 0 {
		c.Upstream.BreakerCooldownSec = 30
	}
}

func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if len(c.Token.Secret) < token.MinSecretLength {
		add("token.secret must be at least %d bytes (set token.secret or token.secret_env)", token.MinSecretLength)
	}
	supported := make(map[string]bool)
	for _, a := range token.SupportedAlgorithms() {
		supported[a] = true
	}
	if !supported[c.Token.Algorithm] {
		add("token.algorithm %q is not supported", c.Token.Algorithm)
	}
	for _, a := range c.Token.AllowedAlgorithms {
		if !supported[a] {
			add("token.allowed_algorithms: %q is not supported", a)
		}
	}
	if len(c.Token.AllowedAlgorithms) > 0 && !contains(c.Token.AllowedAlgorithms, c.Token.Algorithm) {
		add("token.allowed_algorithms must include token.algorithm")
	}
	if c.Token.ClockToleranceSec < 0 {
		add("token.clock_tolerance_sec must be >= 0")
	}
	if c.Token.MaxLifetimeSec < 0 || c.Token.DefaultTTLSec < 0 {
		add("token lifetimes must be >= 0")
	}
	if c.Token.DefaultTTLSec > c.Token.MaxLifetimeSec {
		add("token.default_ttl_sec must not exceed token.max_lifetime_sec")
	}

	if c.Detection.FloodRPS < 0 {
		add("detection.flood_rps must be >= 0")
	}
	for name, o := range c.Detection.Overrides {
		if o.Threshold < 0 || o.WindowSec < 0 {
			add("detection.overrides.%s: threshold and window_sec must be >= 0", name)
		}
		if o.Confidence < 0 || o.Confidence > 1 {
			add("detection.overrides.%s: confidence must be in [0,1]", name)
		}
	}
	for _, o := range c.Detection.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			add("detection.allowed_origins must not contain empty entries")
			break
		}
	}

	for name := range c.Scoring.Base {
		if _, err := category(name); err != nil {
			add("scoring.base: %v", err)
		}
	}
	for name := range c.Scoring.Weight {
		if _, err := category(name); err != nil {
			add("scoring.weight: %v", err)
		}
	}
	if m := c.Scoring.OffHoursMultiplier; m != 0 && m < 1 {
		add("scoring.off_hours_multiplier must be >= 1")
	}
	if !validHour(c.Scoring.OffHoursStart) || !validHour(c.Scoring.OffHoursEnd) {
		add("scoring.off_hours_start/end must be in [0,23]")
	}
	if c.Scoring.Timezone != "" {
		if _, err := time.LoadLocation(c.Scoring.Timezone); err != nil {
			add("scoring.timezone: %v", err)
		}
	}

	p := c.Policy
	if p.BlockScore < 0 || p.ChallengeScore < 0 || p.ThrottleScore < 0 {
		add("policy scores must be non-negative")
	}
	if p.BlockScore > 100 || p.ChallengeScore > 100 || p.ThrottleScore > 100 {
		add("policy scores must be <= 100")
	}
	if nonZeroDescending(p.BlockScore, p.ChallengeScore, p.ThrottleScore) {
		add("policy scores must satisfy block_score > challenge_score > throttle_score")
	}
	if p.BlockSec < 0 || p.ChallengeSec < 0 || p.ThrottleSec < 0 {
		add("policy durations must be >= 0")
	}

	if a := c.Analytics.Alpha; a < 0 || a > 1 {
		add("analytics.alpha must be in [0,1]")
	}
	if c.Sweep.IntervalSec < 0 {
		add("sweep.interval_sec must be > 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be one of debug, info, warn, error")
	}

	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("upstream.url %q must be an absolute URL", c.Upstream.URL)
		}
	}
	if c.Upstream.BreakerProbes < 0 || c.Upstream.BreakerCooldownSec < 0 {
		add("upstream.breaker_probes and breaker_cooldown_sec must be >= 0")
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			add("server.trusted_proxies: %q is neither an IP nor a CIDR", cidr)
		}
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must be >= 0")
	}

	return result.ErrorOrNil()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func validHour(h int) bool { return h >= 0 && h <= 23 }

// nonZeroDescending reports a violation of strict ordering among the scores
// that are set. Zero means "use the default" and is skipped.
func nonZeroDescending(scores ...int) bool {
	last := 101
	for _, s := range scores {
		if s == 0 {
			continue
		}
		if s >= last {
			return true
		}
		last = s
	}
	return false
}

// ---- Conversions for the components ----

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutMs) * time.Millisecond
}

func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: max(c.Upstream.BreakerFailures, 0),
		Probes:           c.Upstream.BreakerProbes,
		Cooldown:         seconds(c.Upstream.BreakerCooldownSec),
	}
}

func (c *Config) SweepInterval() time.Duration { return seconds(c.Sweep.IntervalSec) }

// TokenConfig maps the token section onto the token service.
func (c *Config) TokenConfig() token.Config {
	t := c.Token
	return token.Config{
		Algorithm:           t.Algorithm,
		AllowedAlgorithms:   t.AllowedAlgorithms,
		Secret:              []byte(t.Secret),
		Issuer:              t.Issuer,
		Audience:            t.Audience,
		ClockTolerance:      seconds(t.ClockToleranceSec),
		MaxLifetime:         seconds(t.MaxLifetimeSec),
		DefaultTTL:          seconds(t.DefaultTTLSec),
		MinTokenLength:      t.MinTokenLength,
		LongLifetimeWarning: seconds(t.LongLifetimeWarningSec),
		StaleTokenWarning:   seconds(t.StaleTokenWarningSec),
	}
}

var errUnknownCategory = errors.New("unknown attack category")

func category(name string) (detect.Category, error) {
	for _, c := range detect.Categories() {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w %q", errUnknownCategory, name)
}

// DetectionOptions maps the detection section onto the detector library.
func (c *Config) DetectionOptions(logger zerolog.Logger) detect.Options {
	d := c.Detection
	overrides := make(map[string]detect.Override, len(d.Overrides))
	for name, o := range d.Overrides {
		overrides[name] = detect.Override{
			Threshold:  o.Threshold,
			Window:     seconds(o.WindowSec),
			Confidence: o.Confidence,
			Disabled:   o.Disabled,
		}
	}
	return detect.Options{
		MaxSources:     d.MaxSources,
		FloodRPS:       d.FloodRPS,
		FloodWindow:    seconds(d.FloodWindowSec),
		AllowedOrigins: d.AllowedOrigins,
		Overrides:      overrides,
		Logger:         logger,
	}
}

// ScoringConfig overlays the scoring section on the scorer defaults.
func (c *Config) ScoringConfig() (scoring.Config, error) {
	s := c.Scoring
	out := scoring.DefaultConfig()
	for name, v := range s.Base {
		cat, err := category(name)
		if err != nil {
			return out, fmt.Errorf("scoring.base: %w", err)
		}
		out.Base[cat] = v
	}
	for name, v := range s.Weight {
		cat, err := category(name)
		if err != nil {
			return out, fmt.Errorf("scoring.weight: %w", err)
		}
		out.Weight[cat] = v
	}
	if s.HistoryWeight != 0 {
		out.HistoryWeight = s.HistoryWeight
	}
	if s.FailureWeight != 0 {
		out.FailureWeight = s.FailureWeight
	}
	if s.MinHistoryRequests != 0 {
		out.MinHistoryRequests = s.MinHistoryRequests
	}
	if s.OffHoursMultiplier != 0 {
		out.OffHoursMultiplier = s.OffHoursMultiplier
	}
	out.OffHoursStart, out.OffHoursEnd = s.OffHoursStart, s.OffHoursEnd
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return out, fmt.Errorf("scoring.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

func (c *Config) PolicyConfig() policy.Config {
	p := c.Policy
	return policy.Config{
		BlockScore:     p.BlockScore,
		ChallengeScore: p.ChallengeScore,
		ThrottleScore:  p.ThrottleScore,
		BlockFor:       seconds(p.BlockSec),
		ChallengeFor:   seconds(p.ChallengeSec),
		ThrottleFor:    seconds(p.ThrottleSec),
		Capacity:       p.Capacity,
	}
}

func (c *Config) AnalyticsOptions(logger zerolog.Logger) analytics.Options {
	return analytics.Options{
		Capacity:    c.Analytics.Capacity,
		IdleTimeout: seconds(c.Analytics.IdleTimeoutSec),
		Alpha:       c.Analytics.Alpha,
		Logger:      logger,
	}
}

func (c *Config) JournalOptions(logger zerolog.Logger) journal.Options {
	return journal.Options{
		Capacity:     c.Journal.Capacity,
		MaxAge:       seconds(c.Journal.MaxAgeSec),
		NotifyBuffer: c.Journal.NotifyBuffer,
		Logger:       logger,
	}
}
