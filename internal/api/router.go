// Package api implements the control-plane router (spec.md §4.11): REST
// routes over services/projects/instances/drivers, an SSE event stream,
// and a WebSocket bridge into a single driver session.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/hostrunner/internal/catalog"
	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/instance"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/metrics"
	"github.com/r3e-network/hostrunner/internal/project"
	"github.com/r3e-network/hostrunner/internal/schedule"
	"github.com/r3e-network/hostrunner/internal/svccatalog"
)

// Router wires every control-plane dependency to its HTTP surface.
type Router struct {
	mux *mux.Router

	drivers   *catalog.Catalog
	services  *svccatalog.Catalog
	projects  *project.Store
	instances *instance.Manager
	schedule  *schedule.Engine
	bus       *eventbus.Bus
	sse       *eventbus.SSEFanout
	log       *logging.Logger
}

// New builds a Router. corsOrigin is the single allowed origin, or ""/"*"
// to allow any. metricsCollector may be nil (metrics disabled); when set,
// every request is recorded by route template. requestsPerSecond/burst
// configure the per-client-IP rate limiter.
func New(
	drivers *catalog.Catalog,
	services *svccatalog.Catalog,
	projects *project.Store,
	instances *instance.Manager,
	sched *schedule.Engine,
	bus *eventbus.Bus,
	sse *eventbus.SSEFanout,
	log *logging.Logger,
	corsOrigin string,
	metricsCollector *metrics.Metrics,
	requestsPerSecond float64,
	burst int,
) http.Handler {
	r := &Router{
		mux:       mux.NewRouter(),
		drivers:   drivers,
		services:  services,
		projects:  projects,
		instances: instances,
		schedule:  sched,
		bus:       bus,
		sse:       sse,
		log:       log.Named("api"),
	}
	r.registerRoutes()

	limiter := newRateLimiter(requestsPerSecond, burst)
	go limiter.sweepStaleLimiters(10*time.Minute, nil)
	r.mux.Use(limiter.middleware)
	r.mux.Use(func(next http.Handler) http.Handler {
		return metricsMiddleware(metricsCollector, next)
	})

	if metricsCollector != nil {
		r.mux.Handle("/metrics", promHandler())
	}

	return newCORSMiddleware(corsOrigin, r.mux)
}

// HandleOptions satisfies routerAdder for registerOptionsRoutes.
func (r *Router) HandleOptions(pattern string) {
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		// A plain matcher rather than Methods(OPTIONS): a method mismatch on
		// these catch-all patterns would turn every unknown path into a 405.
		return req.Method == http.MethodOptions
	})
}

func (r *Router) registerRoutes() {
	api := r.mux.PathPrefix("/api").Subrouter()

	api.HandleFunc("/services", r.listServices).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", r.getService).Methods(http.MethodGet)
	api.HandleFunc("/services/scan", r.scanServices).Methods(http.MethodPost)

	api.HandleFunc("/projects", r.listProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects", r.createProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}", r.getProject).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", r.putProject).Methods(http.MethodPut)
	api.HandleFunc("/projects/{id}", r.deleteProject).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{id}/validate", r.validateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/start", r.startProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/stop", r.stopProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/reload", r.reloadProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/runtime", r.projectRuntime).Methods(http.MethodGet)

	api.HandleFunc("/instances", r.listInstances).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/terminate", r.terminateInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/logs", r.instanceLogs).Methods(http.MethodGet)

	api.HandleFunc("/drivers", r.listDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/scan", r.scanDrivers).Methods(http.MethodPost)

	api.HandleFunc("/events", r.sse.ServeHTTP).Methods(http.MethodGet)

	api.HandleFunc("/driverlab/{driverId}", r.driverlabWS)

	registerOptionsRoutes(r)

	r.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
}

func promHandler() http.Handler {
	return promhttp.Handler()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
