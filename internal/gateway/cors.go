package gateway

import (
	"net/http"

	"github.com/go-chi/cors"
)

// NewCORSMiddleware allows browser clients from origins to read /healthz,
// /metrics and /events. With no origins it passes requests through.
func NewCORSMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         3600,
	})
}
