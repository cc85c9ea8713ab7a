package token

import (
	"crypto/subtle"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded token payload. Registered claims are read through
// jwt.MapClaims so numeric dates and audience sets follow RFC 7519 parsing.
type Claims map[string]any

func (c Claims) mapClaims() jwt.MapClaims { return jwt.MapClaims(c) }

// Subject returns the sub claim, or "" when it is absent or not a string.
func (c Claims) Subject() string {
	s, _ := c.mapClaims().GetSubject()
	return s
}

// String returns a string-valued custom claim.
func (c Claims) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// ExpiresAt returns the exp claim when present and numeric.
func (c Claims) ExpiresAt() (time.Time, bool) {
	d, err := c.mapClaims().GetExpirationTime()
	if err != nil || d == nil {
		return time.Time{}, false
	}
	return d.Time, true
}

// Options are the caller's expectations for a verification call.
type Options struct {
	ExpectedIssuer   string
	ExpectedAudience []string
	ClockTolerance   time.Duration
	MaxTokenLifetime time.Duration

	// Warning thresholds. Zero selects the default, negative disables.
	LongLifetimeWarning time.Duration
	StaleTokenWarning   time.Duration
}

const (
	DefaultMaxTokenLifetime    = 30 * 24 * time.Hour
	DefaultLongLifetimeWarning = 7 * 24 * time.Hour
	DefaultStaleTokenWarning   = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.MaxTokenLifetime <= 0 {
		o.MaxTokenLifetime = DefaultMaxTokenLifetime
	}
	if o.LongLifetimeWarning == 0 {
		o.LongLifetimeWarning = DefaultLongLifetimeWarning
	}
	if o.StaleTokenWarning == 0 {
		o.StaleTokenWarning = DefaultStaleTokenWarning
	}
	if o.ClockTolerance < 0 {
		o.ClockTolerance = 0
	}
	return o
}

// validateClaims enforces the structural and temporal rules, in order.
func validateClaims(c Claims, o Options, now time.Time) error {
	mc := c.mapClaims()
	tol := o.ClockTolerance

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return ErrMissingSubject
	}

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return ErrMissingExpiry
	}
	if !now.Before(exp.Add(tol)) {
		return ErrTokenExpired
	}

	nbf, err := mc.GetNotBefore()
	if err != nil {
		return ErrTokenNotYetValid
	}
	if nbf != nil && now.Add(tol).Before(nbf.Time) {
		return ErrTokenNotYetValid
	}

	iat, err := mc.GetIssuedAt()
	if err != nil {
		return ErrIssuedInFuture
	}
	if iat != nil {
		if now.Add(tol).Before(iat.Time) {
			return ErrIssuedInFuture
		}
		if exp.Sub(iat.Time) > o.MaxTokenLifetime {
			return ErrLifetimeExceeded
		}
	}

	if o.ExpectedIssuer != "" {
		iss, _ := mc.GetIssuer()
		if subtle.ConstantTimeCompare([]byte(iss), []byte(o.ExpectedIssuer)) != 1 {
			return ErrInvalidIssuer
		}
	}

	if len(o.ExpectedAudience) > 0 {
		aud, err := mc.GetAudience()
		if err != nil || !audienceIntersects(aud, o.ExpectedAudience) {
			return ErrInvalidAudience
		}
	}
	return nil
}

func audienceIntersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// ---- Warnings ----

const (
	WarnLongLifetime    = "long_lifetime"
	WarnStaleToken      = "stale_token"
	WarnSuspiciousClaim = "suspicious_claim"
)

var suspiciousContent = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*[a-z!/?]`),
	regexp.MustCompile(`'|--|;|/\*|\*/`),
	regexp.MustCompile(`\.\.[/\\]`),
	regexp.MustCompile(`%[0-9a-fA-F]{2}`),
	regexp.MustCompile(`(?i)\b(javascript|data|vbscript)\s*:`),
}

func isSuspicious(s string) bool {
	for _, re := range suspiciousContent {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// claimWarnings computes the non-fatal findings for claims that already passed
// validation.
func claimWarnings(c Claims, o Options, now time.Time) []string {
	var out []string
	mc := c.mapClaims()
	exp, _ := mc.GetExpirationTime()
	iat, _ := mc.GetIssuedAt()

	if o.LongLifetimeWarning > 0 && exp != nil {
		start := now
		if iat != nil {
			start = iat.Time
		}
		if exp.Sub(start) > o.LongLifetimeWarning {
			out = append(out, WarnLongLifetime)
		}
	}
	if o.StaleTokenWarning > 0 && iat != nil && now.Sub(iat.Time) > o.StaleTokenWarning {
		out = append(out, WarnStaleToken)
	}

	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = walkSuspicious(k, c[k], out)
	}
	return out
}

func walkSuspicious(path string, v any, out []string) []string {
	switch t := v.(type) {
	case string:
		if isSuspicious(t) {
			out = append(out, WarnSuspiciousClaim+":"+path)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = walkSuspicious(path+"."+k, t[k], out)
		}
	case Claims:
		out = walkSuspicious(path, map[string]any(t), out)
	case []any:
		for i, e := range t {
			out = walkSuspicious(fmt.Sprintf("%s[%d]", path, i), e, out)
		}
	}
	return out
}
