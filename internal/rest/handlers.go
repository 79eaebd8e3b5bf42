// Package rest serves the monitoring HTTP API on the sidecar port:
// aggregate health, per-server performance metrics as JSON or Prometheus
// text, and the server inventory.
package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/server"
)

// API holds the dependencies the monitoring handlers need.
type API struct {
	registry Registry
	log      *logging.Logger
}

// NewAPI builds the handler set over the given server registry.
func NewAPI(reg Registry, log *logging.Logger) *API {
	if log == nil {
		log = logging.New(nil)
	}
	return &API{
		registry: reg,
		log:      log.Child(logging.Context{Module: "REST"}),
	}
}

// selectServers resolves the optional ?server=ID filter. An empty id means
// the whole set; an unknown id reports false.
func (a *API) selectServers(id string) ([]*server.Base, bool) {
	if id == "" {
		return a.registry.Servers(), true
	}
	srv, ok := a.registry.ServerByID(id)
	if !ok {
		return nil, false
	}
	return []*server.Base{srv}, true
}

// handleHealth responds to GET /health.
//
// Supported query parameters:
//
//	server   – restrict the rollup to one server id (optional)
//	detailed – "true" expands each entry to the full check report
//
// The response is {status, timestamp, servers:{id: status-or-report}}.
// Healthy and degraded sets answer 200; an unhealthy rollup answers 503 so
// load balancers drop the process. An unknown server id answers 404.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	servers, ok := a.selectServers(q.Get("server"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown server id")
		return
	}
	detailed := q.Get("detailed") == "true"

	states := make([]metrics.HealthState, 0, len(servers))
	body := make(map[string]any, len(servers))
	for _, srv := range servers {
		report := srv.Health()
		states = append(states, report.Status)
		if detailed {
			body[srv.ID()] = report
		} else {
			body[srv.ID()] = report.Status
		}
	}

	overall := metrics.Worst(states...)
	code := http.StatusOK
	if overall == metrics.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    overall,
		"timestamp": time.Now(),
		"servers":   body,
	})
}

// handleMetrics responds to GET /metrics.
//
// Supported query parameters:
//
//	server  – restrict to one server id (optional)
//	format  – "prometheus" switches to the text exposition format
//	history – "true" adds the retained snapshot ring to each entry
//
// The JSON form is {timestamp, servers:{id: snapshot}}; with history each
// entry becomes {current, history}. An unknown server id answers 404.
func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("server")
	servers, ok := a.selectServers(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown server id")
		return
	}

	if q.Get("format") == "prometheus" {
		// A per-request registry keeps the ?server filter out of the
		// collector's state.
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector{registry: a.registry, filter: id})
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	withHistory := q.Get("history") == "true"
	body := make(map[string]any, len(servers))
	for _, srv := range servers {
		if withHistory {
			body[srv.ID()] = map[string]any{
				"current": srv.Snapshot(),
				"history": srv.History(),
			}
		} else {
			body[srv.ID()] = srv.Snapshot()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"servers":   body,
	})
}

// serverSummary is one row of the GET /servers inventory.
type serverSummary struct {
	ID                string              `json:"id"`
	Protocol          string              `json:"protocol"`
	Status            string              `json:"status"`
	HealthStatus      metrics.HealthState `json:"healthStatus"`
	ActiveConnections int                 `json:"activeConnections"`
	Uptime            float64             `json:"uptime"` // seconds
}

// handleServers responds to GET /servers with {count, servers:[...]}.
func (a *API) handleServers(w http.ResponseWriter, r *http.Request) {
	servers := a.registry.Servers()
	out := make([]serverSummary, 0, len(servers))
	for _, srv := range servers {
		out = append(out, serverSummary{
			ID:                srv.ID(),
			Protocol:          string(srv.Protocol()),
			Status:            srv.Status().String(),
			HealthStatus:      srv.Health().Status,
			ActiveConnections: srv.ActiveConnections(),
			Uptime:            srv.Uptime().Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"servers": out,
	})
}

// writeJSON writes an HTTP response with a JSON body. The Content-Type
// header is set before the status so it survives early flushes.
func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an HTTP error response with an "error" JSON field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
