package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi router for the monitoring API.
//
// Route layout:
//
//	GET /health   – health rollup across servers (?server=ID, ?detailed=true)
//	GET /metrics  – metrics snapshots (?server=ID, ?history=true, ?format=prometheus)
//	GET /servers  – inventory of supervised servers
//
// jwtCfg enables RS256 bearer-token authentication on every route except
// the configured skip paths; by default /health stays open for liveness
// probes. Pass nil, or a config without a public key, to serve the API
// unauthenticated.
func NewRouter(api *API, jwtCfg *JWTConfig) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health and metrics readings must never be served stale.
	r.Use(noStore)

	if jwtCfg != nil && jwtCfg.PublicKey != nil {
		r.Use(JWTMiddleware(*jwtCfg))
	}

	r.Get("/health", api.handleHealth)
	r.Get("/metrics", api.handleMetrics)
	r.Get("/servers", api.handleServers)

	return r
}
