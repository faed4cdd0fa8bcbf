package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/sessiond/internal/event"
	"github.com/shehryarbajwa/sessiond/internal/proxy"
	"github.com/shehryarbajwa/sessiond/internal/ratelimit"
)

// SetupRoutes wires every endpoint of the service.
func (h *Handler) SetupRoutes(live *proxy.Server, events *event.Broadcaster, limiter *ratelimit.Limiter, metrics *event.Metrics, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(RequestLogger(h.log))
	r.Use(MetricsMiddleware(metrics))

	api := r.PathPrefix("/v1").Subrouter()

	// Mutating session routes draw from the per-owner request budget.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(limiter))
	limited.HandleFunc("/sessions", h.StartSession).Methods("POST")
	limited.HandleFunc("/sessions/{id}/heartbeat", h.Heartbeat).Methods("POST")
	limited.HandleFunc("/sessions/{id}/checkpoint", h.UpdateCheckpoint).Methods("PUT")
	limited.HandleFunc("/sessions/{id}", h.TerminateSession).Methods("DELETE")

	// Reads and streaming endpoints are not rate limited.
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/live", func(w http.ResponseWriter, r *http.Request) {
		live.HandleLiveView(w, r, mux.Vars(r)["id"])
	}).Methods("GET")
	api.Handle("/events", events).Methods("GET")

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	r.Handle("/metrics", metricsHandler).Methods("GET")

	return r
}

// corsMiddleware lets browser dashboards call the API directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Owner")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
