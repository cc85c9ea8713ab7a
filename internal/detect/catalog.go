package detect

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"threatgate/security-gateway/internal/token"
)

type Category string

const (
	SQLInjection Category = "sql_injection"
	XSS          Category = "xss"
	AuthBypass   Category = "auth_bypass"
	CSRF         Category = "csrf"
	Bot          Category = "bot"
)

// Categories lists every attack category in a stable order.
func Categories() []Category {
	return []Category{SQLInjection, XSS, AuthBypass, CSRF, Bot}
}

type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "none"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Detector is one catalog entry. Threshold firings from the same source inside
// Window escalate to an incident.
type Detector struct {
	Name       string
	Category   Category
	Confidence float64
	Severity   Severity
	Threshold  int
	Window     time.Duration
	Match      func(*Input) bool `json:"-"`
}

// pattern matches expr against the params and scanned headers.
func pattern(expr string) func(*Input) bool {
	re := regexp.MustCompile(expr)
	return func(in *Input) bool { return re.MatchString(in.Text) }
}

// paramPattern matches expr against the params only. Browser user agents
// carry ';' and '(' so header-blind matching keeps low-confidence character
// classes quiet on ordinary traffic.
func paramPattern(expr string) func(*Input) bool {
	re := regexp.MustCompile(expr)
	return func(in *Input) bool { return re.MatchString(in.ParamText) }
}

// ---- SQL injection ----

const (
	reUnionSelect   = `\bunion\b[\s/*()]+(all\s+|distinct\s+)?select\b`
	reTautology     = `['"]\s*(or|and)\s+['"]?\w+['"]?\s*(=|like|<|>)\s*['"]?\w+|\bor\s+\d+\s*=\s*\d+\b|\bor\s+true\b`
	reStackedQuery  = `;\s*(drop|delete|insert|update|alter|create|truncate|exec|execute|shutdown)\b`
	reTimeBased     = `\b(sleep|pg_sleep)\s*\(\s*\d+|\bwaitfor\s+delay\b|\bbenchmark\s*\(\s*\d+`
	reQuoteComment  = `['"]\s*(--|#|/\*)`
	reSchemaProbe   = `\binformation_schema\b|\bsys(objects|columns|tables)\b|\bpg_catalog\b|\bsqlite_master\b|@@version\b`
	reSQLMetaChars  = `'|--|;|/\*|\*/|\bxp_|\bsp_`
	reScriptTag     = `<\s*/?\s*script\b`
	reEventHandler  = `<[^>]*\bon[a-z]+\s*=`
	reScriptURI     = `\b(javascript|vbscript)\s*:|\bdata\s*:\s*text/html`
	rePrivilege     = `\b(role|is_?admin|admin|privileges?|permissions?|access_level|user_?type|group)=(admin|administrator|root|superuser|super_admin|owner|true|1)\b`
	reTraversal     = `\.\.[/\\]|/etc/(passwd|shadow|hosts)\b|\bwin\.ini\b|\bboot\.ini\b`
	reAttackTooling = `sqlmap|nikto|nmap|masscan|zgrab|acunetix|nessus|dirbuster|gobuster|wpscan|nuclei`
)

// ---- Catalog ----

// defaultCatalog returns the built-in detectors. The flood detector depends on
// lib for its rate estimator.
func defaultCatalog(lib *Library) []Detector {
	return []Detector{
		{"sql_union_select", SQLInjection, 0.95, SeverityCritical, 1, 5 * time.Minute, pattern(reUnionSelect)},
		{"sql_tautology", SQLInjection, 0.85, SeverityHigh, 1, 5 * time.Minute, pattern(reTautology)},
		{"sql_stacked_query", SQLInjection, 0.90, SeverityCritical, 1, 5 * time.Minute, pattern(reStackedQuery)},
		{"sql_time_based", SQLInjection, 0.90, SeverityCritical, 1, 5 * time.Minute, pattern(reTimeBased)},
		{"sql_comment_sequence", SQLInjection, 0.60, SeverityHigh, 2, 5 * time.Minute, pattern(reQuoteComment)},
		{"sql_schema_probe", SQLInjection, 0.80, SeverityHigh, 1, 5 * time.Minute, pattern(reSchemaProbe)},
		{"sql_meta_characters", SQLInjection, 0.30, SeverityCritical, 3, 5 * time.Minute, paramPattern(reSQLMetaChars)},

		{"xss_script_tag", XSS, 0.90, SeverityHigh, 1, 5 * time.Minute, pattern(reScriptTag)},
		{"xss_event_handler", XSS, 0.80, SeverityHigh, 1, 5 * time.Minute, pattern(reEventHandler)},
		{"xss_script_uri", XSS, 0.70, SeverityHigh, 2, 5 * time.Minute, pattern(reScriptURI)},

		{"auth_none_algorithm", AuthBypass, 0.95, SeverityCritical, 1, 10 * time.Minute, noneAlgorithm},
		{"auth_privilege_escalation", AuthBypass, 0.70, SeverityHigh, 1, 10 * time.Minute, privilegeEscalation},
		{"auth_header_override", AuthBypass, 0.60, SeverityMedium, 2, 10 * time.Minute, headerOverride},
		{"auth_path_traversal", AuthBypass, 0.80, SeverityHigh, 1, 10 * time.Minute, pathTraversal},
		{"auth_token_tampering", AuthBypass, 0.80, SeverityHigh, 2, 10 * time.Minute, tokenTampering},
		{"auth_brute_force", AuthBypass, 0.70, SeverityHigh, 1, 10 * time.Minute, bruteForce},
		{"auth_default_credentials", AuthBypass, 0.50, SeverityMedium, 3, 10 * time.Minute, defaultCredentials},

		{"csrf_missing_token", CSRF, 0.50, SeverityMedium, 3, 10 * time.Minute, lib.missingCSRFToken},
		{"csrf_origin_mismatch", CSRF, 0.80, SeverityHigh, 1, 10 * time.Minute, lib.originMismatch},
		{"csrf_referer_mismatch", CSRF, 0.60, SeverityMedium, 2, 10 * time.Minute, lib.refererMismatch},
		{"csrf_null_origin", CSRF, 0.70, SeverityHigh, 2, 10 * time.Minute, nullOrigin},

		{"bot_attack_tool", Bot, 0.90, SeverityHigh, 1, time.Minute, attackTool},
		{"bot_scripted_client", Bot, 0.30, SeverityLow, 10, time.Minute, scriptedClient},
		{"bot_request_flood", Bot, 0.60, SeverityMedium, 1, time.Minute, lib.requestFlood},
	}
}

// ---- Auth bypass predicates ----

var (
	privilegeRE     = regexp.MustCompile(rePrivilege)
	traversalRE     = regexp.MustCompile(reTraversal)
	attackToolingRE = regexp.MustCompile(reAttackTooling)
)

func noneAlgorithm(in *Input) bool {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(in.Facts.Header("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	alg, ok := token.PeekAlgorithm(strings.TrimSpace(tok))
	return ok && strings.EqualFold(alg, "none")
}

func privilegeEscalation(in *Input) bool {
	for _, p := range in.Params {
		if strings.HasPrefix(p.Key, "cookie:") {
			continue
		}
		if privilegeRE.MatchString(leafKey(p.Key) + "=" + p.Value) {
			return true
		}
	}
	return false
}

// leafKey strips the JSON path prefix so {"user":{"role":"admin"}} is seen as
// role=admin.
func leafKey(k string) string {
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		k = k[i+1:]
	}
	if i := strings.IndexByte(k, '['); i >= 0 {
		k = k[:i]
	}
	return k
}

var overrideHeaders = []string{
	"X-Original-URL",
	"X-Rewrite-URL",
	"X-Forwarded-User",
	"X-Remote-User",
	"X-Auth-User",
	"X-User-Id",
}

func headerOverride(in *Input) bool {
	for _, h := range overrideHeaders {
		if in.Facts.Header(h) != "" {
			return true
		}
	}
	return false
}

func pathTraversal(in *Input) bool {
	if traversalRE.MatchString(in.Path) {
		return true
	}
	for _, params := range [][]Param{in.Params, in.Headers} {
		for _, p := range params {
			if traversalRE.MatchString(p.Value) {
				return true
			}
		}
	}
	return false
}

func tokenTampering(in *Input) bool {
	switch in.Facts.AuthError {
	case token.ErrSignatureMismatch.Code,
		token.ErrInsecureAlgorithm.Code,
		token.ErrUnsupportedAlgorithm.Code,
		token.ErrMissingAlgorithm.Code,
		token.ErrInvalidHeaderEncoding.Code,
		token.ErrInvalidPayloadEncoding.Code:
		return true
	}
	return false
}

const (
	bruteForceMinFailures = 10
	bruteForceMinRatio    = 0.5
)

func bruteForce(in *Input) bool {
	h := in.History
	return h.Failures >= bruteForceMinFailures && h.FailureRatio() >= bruteForceMinRatio
}

var (
	defaultUsers     = map[string]bool{"admin": true, "root": true, "administrator": true, "test": true, "guest": true, "sa": true}
	defaultPasswords = map[string]bool{"admin": true, "password": true, "123456": true, "root": true, "toor": true, "changeme": true, "guest": true, "test": true, "default": true}
)

func defaultCredentials(in *Input) bool {
	user, ok := in.Value("username", "user", "login", "email")
	if !ok || !defaultUsers[user] {
		return false
	}
	pass, ok := in.Value("password", "pass", "passwd", "pwd")
	return ok && defaultPasswords[pass]
}

// ---- CSRF predicates ----

var csrfHeaders = []string{"X-CSRF-Token", "X-XSRF-Token", "X-Requested-With"}

func (l *Library) missingCSRFToken(in *Input) bool {
	f := in.Facts
	if !f.StateChanging() || f.Header("Cookie") == "" || f.Header("Authorization") != "" {
		return false
	}
	for _, h := range csrfHeaders {
		if f.Header(h) != "" {
			return false
		}
	}
	_, ok := in.Value("csrf_token", "_csrf", "csrfmiddlewaretoken", "authenticity_token")
	return !ok
}

func (l *Library) originMismatch(in *Input) bool {
	f := in.Facts
	origin := f.Header("Origin")
	if !f.StateChanging() || origin == "" || origin == "null" {
		return false
	}
	return !l.sameOrigin(origin, f.Host)
}

func (l *Library) refererMismatch(in *Input) bool {
	f := in.Facts
	ref := f.Header("Referer")
	if !f.StateChanging() || ref == "" || f.Header("Origin") != "" {
		return false
	}
	return !l.sameOrigin(ref, f.Host)
}

func nullOrigin(in *Input) bool {
	return in.Facts.StateChanging() && in.Facts.Header("Origin") == "null"
}

// sameOrigin compares the host of raw with the request host or any allowed
// origin host. Ports are part of the comparison.
func (l *Library) sameOrigin(raw, host string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	h := strings.ToLower(u.Host)
	if h == strings.ToLower(host) {
		return true
	}
	return l.allowedOrigins[h]
}

// ---- Bot predicates ----

// looksScripted flags empty user agents and common HTTP libraries.
func looksScripted(ua string) bool {
	if ua == "" {
		return true
	}
	ua = strings.ToLower(ua)
	for _, s := range []string{"curl", "python-requests", "go-http-client", "wget", "java", "okhttp", "libwww-perl", "httpclient", "headlesschrome", "phantomjs", "scrapy"} {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}

func scriptedClient(in *Input) bool { return looksScripted(in.Facts.UserAgent()) }

func attackTool(in *Input) bool {
	return attackToolingRE.MatchString(strings.ToLower(in.Facts.UserAgent()))
}

func (l *Library) requestFlood(in *Input) bool {
	if l.flood == nil || l.floodLimit <= 0 {
		return false
	}
	return l.flood.Observe(SourceKey(in.Facts.ClientIP)) > l.floodLimit
}
