package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"threatgate/security-gateway/internal/detect"
	"threatgate/security-gateway/internal/engine"
	"threatgate/security-gateway/internal/httputil"
	"threatgate/security-gateway/internal/journal"
	"threatgate/security-gateway/internal/policy"
)

// AdminRole is the role claim value required by the admin endpoints.
const AdminRole = "admin"

// RequireAdmin admits only requests carrying verified claims with
// role=admin. It must sit behind the gateway Handler, which verifies the
// bearer token.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			httputil.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		if claims.String("role") != AdminRole {
			httputil.WriteError(w, r, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Admin serves the operator read endpoints.
type Admin struct {
	Engine    *engine.Engine
	Gatherer  prometheus.Gatherer
	StartedAt time.Time
}

// Register mounts the admin routes on mux, each wrapped by RequireAdmin and
// then by wrap (normally the gateway Handler).
func (a *Admin) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, wrap(RequireAdmin(fn)))
	}
	route("GET /admin/incidents", a.handleIncidents)
	route("GET /admin/report", a.handleReport)
	route("GET /admin/sources/{ip}", a.handleSource)
	route("GET /admin/stats", a.handleStats)
}

// parseSince accepts an RFC 3339 time or a duration looking back from now.
func parseSince(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func (a *Admin) handleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, ok := parseSince(q.Get("since"), time.Now())
	if !ok {
		httputil.WriteError(w, r, http.StatusBadRequest, "bad_request", "since must be a duration or RFC 3339 time")
		return
	}
	f := journal.Filter{
		Since:    since,
		Category: detect.Category(q.Get("category")),
		SourceIP: q.Get("source"),
		Action:   policy.Action(q.Get("action")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, r, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		f.Limit = min(n, 1000)
	}
	incidents := a.Engine.Incidents(f)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"count":     len(incidents),
		"incidents": incidents,
	})
}

func (a *Admin) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sinceArg := q.Get("since")
	if sinceArg == "" {
		sinceArg = "24h"
	}
	since, ok := parseSince(sinceArg, time.Now())
	if !ok {
		httputil.WriteError(w, r, http.StatusBadRequest, "bad_request", "since must be a duration or RFC 3339 time")
		return
	}
	top := 10
	if v := q.Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, r, http.StatusBadRequest, "bad_request", "top must be a positive integer")
			return
		}
		top = min(n, 100)
	}
	httputil.WriteJSON(w, http.StatusOK, a.Engine.Report(since, top))
}

func (a *Admin) handleSource(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.PathValue("ip"))
	v, ok := a.Engine.Source(ip, 20)
	if !ok {
		httputil.WriteError(w, r, http.StatusNotFound, "not_found", "source not tracked")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

// handleStats summarises the metrics registry for dashboards.
func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	mfs, err := a.Gatherer.Gather()
	if err != nil {
		httputil.WriteError(w, r, http.StatusInternalServerError, "metrics_error", "")
		return
	}
	byName := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		byName[mf.GetName()] = mf
	}

	stats := map[string]map[string]float64{
		"decisions": sumByLabel(byName["gateway_decision_total"], "action"),
		"tokens":    sumByLabel(byName["gateway_token_verify_total"], "result"),
		"incidents": sumByLabel(byName["gateway_incidents_total"], "category"),
		"detectors": sumByLabel(byName["gateway_detector_escalated_total"], "detector"),
		"system":    {},
	}
	stats["system"]["cache_hits"] = scalar(byName["gateway_response_cache_hits_total"])
	stats["system"]["notifications_dropped"] = scalar(byName["gateway_incident_notifications_dropped_total"])
	stats["system"]["sources_tracked"] = scalar(byName["gateway_sources_tracked"])
	stats["system"]["standing_decisions"] = scalar(byName["gateway_standing_decisions"])
	stats["system"]["goroutines"] = scalar(byName["go_goroutines"])
	stats["system"]["uptime_sec"] = time.Since(a.StartedAt).Seconds()

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

func sumByLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, m := range mf.Metric {
		for _, l := range m.Label {
			if l.GetName() == label {
				out[l.GetValue()] += metricValue(m)
			}
		}
	}
	return out
}

func scalar(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	total := 0.0
	for _, m := range mf.Metric {
		total += metricValue(m)
	}
	return total
}
