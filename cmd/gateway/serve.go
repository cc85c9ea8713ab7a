package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"threatgate/security-gateway/internal/analytics"
	"threatgate/security-gateway/internal/circuitbreaker"
	"threatgate/security-gateway/internal/config"
	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/engine"
	"threatgate/security-gateway/internal/gateway"
	"threatgate/security-gateway/internal/httputil"
	"threatgate/security-gateway/internal/journal"
	"threatgate/security-gateway/internal/metrics"
	"threatgate/security-gateway/internal/policy"
	"threatgate/security-gateway/internal/proxy"
	"threatgate/security-gateway/internal/scoring"
	"threatgate/security-gateway/internal/token"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in front of the configured upstream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		closer := setupLogging(cfg.Logging)
		defer closer.Close()
		return serve(cmd.Context(), cfg, path)
	},
}

func logSummary(cfg *config.Config, path string) {
	log.Info().Msg("=== Gateway Configuration Summary ===")
	log.Info().
		Str("config_path", path).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Int("trusted_proxies", len(cfg.Server.TrustedProxies)).
		Int64("max_body_bytes", cfg.Server.MaxBodyBytes).
		Msg("server configuration")
	log.Info().
		Bool("enforce", cfg.Modes.Enforce).
		Bool("fail_open", cfg.Modes.FailOpen).
		Msg("security modes")
	log.Info().
		Str("algorithm", cfg.Token.Algorithm).
		Str("issuer", cfg.Token.Issuer).
		Strs("audience", cfg.Token.Audience).
		Int("clock_tolerance_sec", cfg.Token.ClockToleranceSec).
		Msg("token configuration")
	log.Info().
		Int("block_score", cfg.Policy.BlockScore).
		Int("challenge_score", cfg.Policy.ChallengeScore).
		Int("throttle_score", cfg.Policy.ThrottleScore).
		Float64("flood_rps", cfg.Detection.FloodRPS).
		Msg("response policy")
	upstream := cfg.Upstream.URL
	if upstream == "" {
		upstream = "built-in"
	}
	log.Info().
		Str("upstream", upstream).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("feature flags")
}

func serve(parent context.Context, cfg *config.Config, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	logSummary(cfg, path)
	log.Info().Str("version", version).Msg("gateway starting...")

	if cfg.Metrics.Enabled {
		metrics.MustRegister()
		metrics.BuildInfo.WithLabelValues(version).Set(1)
	}

	tokens, err := token.NewService(cfg.TokenConfig())
	if err != nil {
		return err
	}
	lib, err := detect.NewLibrary(cfg.DetectionOptions(log.Logger))
	if err != nil {
		return err
	}
	scoreCfg, err := cfg.ScoringConfig()
	if err != nil {
		return err
	}
	jr := journal.New(cfg.JournalOptions(log.Logger))
	eng := engine.New(engine.Options{
		Library:       lib,
		Scorer:        scoring.New(scoreCfg),
		Policy:        policy.New(cfg.PolicyConfig()),
		Sources:       analytics.NewStore(cfg.AnalyticsOptions(log.Logger)),
		Journal:       jr,
		SweepInterval: cfg.SweepInterval(),
		Logger:        log.Logger,
	})

	trusted, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	var upstream http.Handler = http.HandlerFunc(handleWhoami)
	var proxyHandler *proxy.Handler
	if cfg.Upstream.URL != "" {
		breaker := circuitbreaker.New(cfg.Upstream.URL, cfg.BreakerConfig(), log.Logger)
		proxyHandler, err = proxy.NewHandler(cfg.Upstream.URL, cfg.UpstreamTimeout(), trusted, breaker)
		if err != nil {
			return err
		}
		upstream = proxyHandler
	}

	gw, err := gateway.NewHandler(cfg, tokens, eng, upstream)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, eng, proxyHandler)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			httputil.WriteError(w, r, http.StatusServiceUnavailable, "not_ready", "")
			return
		}
		handleHealth(w, r, eng, proxyHandler)
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	admin := &gateway.Admin{Engine: eng, Gatherer: prometheus.DefaultGatherer, StartedAt: startTime}
	admin.Register(mux, gw.Wrap)
	mux.Handle("/", gw)

	handler := Chain(
		httputil.RequestIDMiddleware(log.Logger, trusted),
		withCommonHeaders,
	)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return jr.RunReporter(gctx) })
	g.Go(func() error {
		log.Info().Str("listen", cfg.Server.Listen).Msg("gateway listening")
		ready.Store(true)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if proxyHandler != nil {
			if err := proxyHandler.Shutdown(sctx); err != nil {
				log.Error().Err(err).Msg("proxy shutdown error")
			}
		}
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("gateway stopped with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
	return err
}

// handleWhoami is the protected handler when no upstream is configured. It
// echoes the verified identity of the caller.
func handleWhoami(w http.ResponseWriter, r *http.Request) {
	claims, ok := gateway.ClaimsFrom(r.Context())
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"subject":       claims.Subject(),
		"claims":        claims,
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request, eng *engine.Engine, ph *proxy.Handler) {
	type HealthStatus struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
		Detectors  int               `json:"detectors"`
	}
	status := HealthStatus{
		Status:     "ok",
		Components: map[string]string{"engine": "ok", "token": "ok"},
		Detectors:  len(eng.Detectors()),
	}
	if ph != nil {
		state := ph.CircuitState()
		status.Components["upstream_circuit"] = state
		if state == circuitbreaker.Open.String() {
			status.Status = "degraded"
		}
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

// ---- Middleware ----

type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so that Chain(a, b)(h) == a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		if strings.HasPrefix(r.URL.Path, "/admin/") || r.URL.Path == "/metrics" {
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		next.ServeHTTP(w, r)
	})
}
