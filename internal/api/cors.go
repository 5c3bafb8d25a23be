package api

import (
	"net/http"
	"net/url"
	"strings"
)

// corsMiddleware attaches CORS headers to every response (spec.md §4.11:
// "CORS headers are attached to every response via an after-handler...
// Missing routes also return CORS headers"), so it wraps the router
// itself rather than being registered only on matched routes.
type corsMiddleware struct {
	allowedOrigin string
	allowAll      bool
	next          http.Handler
}

func newCORSMiddleware(allowedOrigin string, next http.Handler) *corsMiddleware {
	return &corsMiddleware{
		allowedOrigin: allowedOrigin,
		allowAll:      allowedOrigin == "" || allowedOrigin == "*",
		next:          next,
	}
}

func (m *corsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	m.next.ServeHTTP(w, r)
}

func (m *corsMiddleware) originAllowed(origin string) bool {
	if m.allowAll {
		return true
	}
	if origin == m.allowedOrigin {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Hostname(), m.allowedOrigin)
}

// registerOptionsRoutes adds explicit OPTIONS routes at 1-5 path-segment
// depths so preflights for any registered route are answered even before
// gorilla/mux's method matching, per spec.md §4.11.
func registerOptionsRoutes(mux routerAdder) {
	depths := []string{
		"/{a}",
		"/{a}/{b}",
		"/{a}/{b}/{c}",
		"/{a}/{b}/{c}/{d}",
		"/{a}/{b}/{c}/{d}/{e}",
	}
	for _, pattern := range depths {
		mux.HandleOptions(pattern)
	}
}

// routerAdder is the minimal surface registerOptionsRoutes needs, kept
// narrow so this file does not need to import gorilla/mux directly.
type routerAdder interface {
	HandleOptions(pattern string)
}
