// Package gateway is the HTTP enforcement point: it authenticates bearer
// credentials, asks the engine for a decision and either refuses the request
// or hands it to the protected handler.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"threatgate/security-gateway/internal/config"
	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/engine"
	"threatgate/security-gateway/internal/httputil"
	"threatgate/security-gateway/internal/metrics"
	"threatgate/security-gateway/internal/policy"
	"threatgate/security-gateway/internal/token"
)

type claimsKey struct{}

// ClaimsFrom returns the verified bearer claims of the request, if any.
func ClaimsFrom(ctx context.Context) (token.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(token.Claims)
	return c, ok
}

func withClaims(ctx context.Context, c token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

type Handler struct {
	Cfg    *config.Config
	Tokens *token.Service
	Engine *engine.Engine
	Next   http.Handler

	trusted []*net.IPNet
	nowFunc func() time.Time
}

func NewHandler(cfg *config.Config, tokens *token.Service, eng *engine.Engine, next http.Handler) (*Handler, error) {
	trusted, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &Handler{
		Cfg:     cfg,
		Tokens:  tokens,
		Engine:  eng,
		Next:    next,
		trusted: trusted,
		nowFunc: time.Now,
	}, nil
}

// Wrap returns a copy of h that protects next instead of h.Next.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	c := *h
	c.Next = next
	return &c
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	requestID := httputil.GetRequestID(r.Context())

	facts, err := h.facts(r)
	if err != nil {
		logger.Debug().Err(err).Msg("request body unreadable")
		httputil.WriteError(w, r, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	var authErr string
	if authz := r.Header.Get("Authorization"); authz != "" {
		res := h.Tokens.Authenticate(authz)
		if res.Valid {
			metrics.TokenVerifications.WithLabelValues("valid").Inc()
			facts.Subject = res.Payload.Subject()
			r = r.WithContext(withClaims(r.Context(), res.Payload))
			if len(res.Warnings) > 0 {
				logger.Info().Str("subject", facts.Subject).Strs("warnings", res.Warnings).Msg("token accepted with warnings")
			}
		} else {
			metrics.TokenVerifications.WithLabelValues(res.Error).Inc()
			authErr = res.Error
			facts.AuthError = res.Error
		}
	}

	d, err := h.Engine.Evaluate(r.Context(), facts, requestID)
	switch {
	case errors.Is(err, engine.ErrPipelineFailure):
		if !h.Cfg.Modes.FailOpen {
			httputil.WriteError(w, r, http.StatusServiceUnavailable, "unavailable", "security check failed")
			return
		}
	case err != nil:
		// The client went away; nothing left to answer.
		logger.Debug().Err(err).Msg("evaluation abandoned")
		return
	}

	if d.Response.Action != policy.Allow {
		ev := logger.Info().
			Str("action", string(d.Response.Action)).
			Str("reason", d.Response.Reason).
			Int("score", d.Response.Score).
			Bool("cached", d.Cached)
		if d.IncidentID != "" {
			ev = ev.Str("incident_id", d.IncidentID)
		}
		if !h.Cfg.Modes.Enforce {
			ev.Msg("observe mode: request would be refused")
		} else {
			ev.Msg("request refused")
			h.refuse(w, r, d.Response)
			return
		}
	}

	if authErr != "" {
		httputil.WriteError(w, r, http.StatusUnauthorized, "invalid_token", authErr)
		return
	}

	sw := &statusWriter{ResponseWriter: w}
	h.Next.ServeHTTP(sw, r)
	h.Engine.AfterResponse(facts, sw.Status())
}

// refuse writes 403 for a block and 429 for a challenge or throttle, with a
// Retry-After derived from the decision's expiry.
func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, resp policy.ThreatResponse) {
	code, errCode := http.StatusTooManyRequests, string(resp.Action)
	if resp.Action == policy.Block {
		code, errCode = http.StatusForbidden, "blocked"
	}
	if !resp.ExpiresAt.IsZero() {
		secs := int(math.Ceil(resp.ExpiresAt.Sub(h.nowFunc()).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	httputil.WriteError(w, r, code, errCode, resp.Reason)
}

// facts reduces r to what detectors look at. At most MaxBodyBytes of the body
// are read; the full body is still delivered downstream.
func (h *Handler) facts(r *http.Request) (*detect.RequestFacts, error) {
	f := &detect.RequestFacts{
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		Host:     r.Host,
		Query:    r.URL.Query(),
		Headers:  r.Header,
		ClientIP: httputil.ClientIP(r, h.trusted),
	}
	if r.Body == nil || r.Body == http.NoBody || h.Cfg.Server.MaxBodyBytes <= 0 {
		return f, nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, h.Cfg.Server.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	f.Body = head
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	return f, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// statusWriter records the status the downstream handler wrote.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
