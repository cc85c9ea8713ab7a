package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"threatgate/security-gateway/internal/circuitbreaker"
	internalhttp "threatgate/security-gateway/internal/httputil"
	"threatgate/security-gateway/internal/metrics"
)

const maxProxyBodySize = 100 * 1024 * 1024

// Handler forwards allowed requests to the protected upstream.
type Handler struct {
	target    *url.URL
	proxy     *httputil.ReverseProxy
	transport *http.Transport
	trusted   []*net.IPNet
	breaker   *circuitbreaker.Breaker
}

// NewHandler builds a reverse proxy for upstreamURL. timeout bounds the wait
// for response headers. A nil breaker always lets requests through.
func NewHandler(upstreamURL string, timeout time.Duration, trusted []*net.IPNet, breaker *circuitbreaker.Breaker) (*Handler, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy: invalid upstream url %q", upstreamURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	h := &Handler{
		target:  target,
		trusted: trusted,
		breaker: breaker,
		transport: &http.Transport{
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2: true,
		},
	}

	p := httputil.NewSingleHostReverseProxy(target)
	p.Transport = h.transport
	originalDirector := p.Director
	p.Director = func(req *http.Request) {
		clientIP := internalhttp.ClientIP(req, h.trusted)
		scheme := getScheme(req)
		host := req.Host
		originalDirector(req)

		if requestID := internalhttp.GetRequestID(req.Context()); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}
		// Client supplied values are replaced by the resolved address.
		// ReverseProxy then appends the immediate peer.
		req.Header.Del("X-Forwarded-For")
		if clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", scheme)
		req.Header.Set("X-Forwarded-Host", host)
	}
	p.ErrorHandler = h.handleError
	h.proxy = p
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Msg("both Content-Length and Transfer-Encoding present, dropping Content-Length")
		r.Header.Del("Content-Length")
	}

	if h.breaker == nil {
		start := time.Now()
		h.proxy.ServeHTTP(w, r)
		metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
		return
	}

	if wait, err := h.breaker.Allow(); err != nil {
		metrics.UpstreamErrors.WithLabelValues("circuit_open").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(max(int(wait.Seconds()+0.999), 1)))
		internalhttp.WriteError(w, r, http.StatusServiceUnavailable, "upstream_unavailable", "circuit open")
		return
	}
	sw := &statusWriter{ResponseWriter: w}
	start := time.Now()
	h.proxy.ServeHTTP(sw, r)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())

	switch sw.status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		h.breaker.Failure()
	default:
		h.breaker.Success()
	}
}

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

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())
	origin := h.target.Host

	if errors.Is(err, context.Canceled) {
		logger.Debug().Str("upstream", origin).Msg("proxy request canceled")
		metrics.UpstreamErrors.WithLabelValues("canceled").Inc()
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Str("upstream", origin).Err(err).Msg("upstream timeout")
		metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
		internalhttp.WriteError(w, r, http.StatusGatewayTimeout, "upstream_timeout", "")
		return
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		logger.Error().Str("upstream", origin).Err(err).Msg("upstream DNS resolution failed")
		metrics.UpstreamErrors.WithLabelValues("dns").Inc()
		internalhttp.WriteError(w, r, http.StatusServiceUnavailable, "upstream_unavailable", "")
		return
	}

	if strings.Contains(err.Error(), "connection refused") {
		logger.Error().Str("upstream", origin).Err(err).Msg("upstream refused connection")
		metrics.UpstreamErrors.WithLabelValues("connection").Inc()
		internalhttp.WriteError(w, r, http.StatusServiceUnavailable, "upstream_unavailable", "")
		return
	}

	logger.Error().Str("upstream", origin).Err(err).Msg("proxy error")
	metrics.UpstreamErrors.WithLabelValues("other").Inc()
	internalhttp.WriteError(w, r, http.StatusBadGateway, "bad_gateway", "")
}

// CircuitState names the upstream breaker state for health reporting.
func (h *Handler) CircuitState() string {
	if h.breaker == nil {
		return "disabled"
	}
	return h.breaker.State().String()
}

// Shutdown closes idle upstream connections.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.transport.CloseIdleConnections()
	return nil
}

func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
