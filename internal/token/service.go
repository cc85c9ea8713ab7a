package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Result is the outcome of one verification call.
type Result struct {
	Valid    bool     `json:"valid"`
	Payload  Claims   `json:"payload,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	// Err carries the typed error behind Error.
	Err error `json:"-"`
}

func failed(err error) Result {
	return Result{Error: CodeOf(err), Err: err}
}

// ---- Stateless operations ----

// Issue signs claims with secret. An empty alg selects HS256.
func Issue(claims Claims, secret []byte, alg string) (string, error) {
	return issue(claims, secret, alg, supportedMethods)
}

// Verify checks tok against secret using the wall clock.
func Verify(tok string, secret []byte, opts Options) Result {
	return VerifyAt(tok, secret, opts, time.Now())
}

// VerifyAt is Verify with an explicit clock. It depends on nothing but its
// arguments and is safe for concurrent use.
func VerifyAt(tok string, secret []byte, opts Options, now time.Time) Result {
	return verify(tok, secret, opts.withDefaults(), now, supportedMethods)
}

func issue(claims Claims, secret []byte, alg string, allowed map[string]*jwt.SigningMethodHMAC) (string, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	m, ok := allowed[alg]
	if !ok {
		return "", ErrUnsupportedAlgorithm
	}
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if claims == nil {
		claims = Claims{}
	}
	h, err := encodeJSONSegment(Header{Alg: alg, Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("token: encode header: %w", err)
	}
	c, err := encodeJSONSegment(claims)
	if err != nil {
		return "", fmt.Errorf("token: encode claims: %w", err)
	}
	signingInput := h + "." + c
	sig, err := sign(m, signingInput, secret)
	if err != nil {
		return "", err
	}
	return signingInput + "." + encodeSegment(sig), nil
}

// verify runs the checks in a fixed order and stops at the first failure. The
// claims segment is only decoded once its signature is proven, so any
// modification of it surfaces as SignatureMismatch.
func verify(tok string, secret []byte, o Options, now time.Time, allowed map[string]*jwt.SigningMethodHMAC) Result {
	hSeg, cSeg, sSeg, err := splitToken(tok)
	if err != nil {
		return failed(err)
	}
	header, err := decodeHeader(hSeg)
	if err != nil {
		return failed(err)
	}
	m, err := resolveAlgorithm(header["alg"], allowed)
	if err != nil {
		return failed(err)
	}
	if err := verifySignature(m, hSeg+"."+cSeg, sSeg, secret); err != nil {
		return failed(err)
	}
	raw, err := decodeSegment(cSeg)
	if err != nil {
		return failed(ErrInvalidPayloadEncoding)
	}
	claims, err := decodeClaims(raw)
	if err != nil {
		return failed(err)
	}
	if err := validateClaims(claims, o, now); err != nil {
		return failed(err)
	}
	return Result{
		Valid:    true,
		Payload:  claims,
		Warnings: claimWarnings(claims, o, now),
	}
}

// ---- Service ----

type Config struct {
	Algorithm         string
	AllowedAlgorithms []string
	Secret            []byte
	Issuer            string
	Audience          []string
	ClockTolerance    time.Duration
	MaxLifetime       time.Duration
	DefaultTTL        time.Duration
	MinTokenLength    int

	LongLifetimeWarning time.Duration
	StaleTokenWarning   time.Duration
}

const (
	DefaultMinTokenLength = 40
	MinSecretLength       = 16
)

// Service binds the stateless operations to one configured secret, allow-list
// and set of expectations. It holds no mutable state after construction.
type Service struct {
	alg        string
	allowed    map[string]*jwt.SigningMethodHMAC
	secret     []byte
	opts       Options
	defaultTTL time.Duration
	minLen     int

	nowFunc func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token: secret must be at least %d bytes", MinSecretLength)
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	names := cfg.AllowedAlgorithms
	if len(names) == 0 {
		names = []string{alg}
	}
	allowed := make(map[string]*jwt.SigningMethodHMAC, len(names))
	for _, n := range names {
		m, ok := supportedMethods[n]
		if !ok {
			return nil, fmt.Errorf("token: algorithm %q: %w", n, ErrUnsupportedAlgorithm)
		}
		allowed[n] = m
	}
	if _, ok := allowed[alg]; !ok {
		return nil, fmt.Errorf("token: signing algorithm %s is not in the allow-list", alg)
	}

	s := &Service{
		alg:     alg,
		allowed: allowed,
		secret:  append([]byte(nil), cfg.Secret...),
		opts: Options{
			ExpectedIssuer:      cfg.Issuer,
			ExpectedAudience:    append([]string(nil), cfg.Audience...),
			ClockTolerance:      cfg.ClockTolerance,
			MaxTokenLifetime:    cfg.MaxLifetime,
			LongLifetimeWarning: cfg.LongLifetimeWarning,
			StaleTokenWarning:   cfg.StaleTokenWarning,
		}.withDefaults(),
		defaultTTL: cfg.DefaultTTL,
		minLen:     cfg.MinTokenLength,
		nowFunc:    time.Now,
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = time.Hour
	}
	if s.minLen <= 0 {
		s.minLen = DefaultMinTokenLength
	}
	return s, nil
}

// Options returns the expectations applied by Verify.
func (s *Service) Options() Options { return s.opts }

// Algorithm is the algorithm used for tokens minted by this service.
func (s *Service) Algorithm() string { return s.alg }

// Issue signs claims with the configured secret and algorithm.
func (s *Service) Issue(claims Claims) (string, error) {
	return issue(claims, s.secret, s.alg, s.allowed)
}

// Verify checks tok against the configured secret and expectations.
func (s *Service) Verify(tok string) Result {
	return verify(tok, s.secret, s.opts, s.nowFunc(), s.allowed)
}

// Mint builds the registered claims for subject and signs them. ttl <= 0 uses
// the default TTL; a ttl above the maximum lifetime is clamped to it.
func (s *Service) Mint(subject string, ttl time.Duration, extra Claims) (string, error) {
	if subject == "" {
		return "", ErrMissingSubject
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.opts.MaxTokenLifetime {
		ttl = s.opts.MaxTokenLifetime
	}
	now := s.nowFunc()
	claims := make(Claims, len(extra)+7)
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = subject
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	claims["jti"] = uuid.NewString()
	if s.opts.ExpectedIssuer != "" {
		claims["iss"] = s.opts.ExpectedIssuer
	}
	switch len(s.opts.ExpectedAudience) {
	case 0:
	case 1:
		claims["aud"] = s.opts.ExpectedAudience[0]
	default:
		claims["aud"] = s.opts.ExpectedAudience
	}
	return s.Issue(claims)
}

// Authenticate verifies the credential in an Authorization header value.
// Anything other than a Bearer token of at least the minimum length is
// rejected as MalformedCredential before any signature work.
func (s *Service) Authenticate(authorization string) Result {
	tok, err := s.bearer(authorization)
	if err != nil {
		return failed(err)
	}
	return s.Verify(tok)
}

func (s *Service) bearer(authorization string) (string, error) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedCredential
	}
	tok = strings.TrimSpace(tok)
	if len(tok) < s.minLen {
		return "", ErrMalformedCredential
	}
	return tok, nil
}

// PeekAlgorithm reports the alg named in a token header without verifying
// anything. Used by detectors that look for forged-algorithm tokens.
func PeekAlgorithm(tok string) (string, bool) {
	hSeg, _, _, err := splitToken(tok)
	if err != nil {
		return "", false
	}
	h, err := decodeHeader(hSeg)
	if err != nil {
		return "", false
	}
	alg, ok := h["alg"].(string)
	return alg, ok
}

// IsCredentialError reports whether err came from the header pre-check rather
// than from verifying a token.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrMalformedCredential)
}
