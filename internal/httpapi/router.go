package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/axiston/convosync/internal/auth"
	"github.com/axiston/convosync/internal/notifier"
	"github.com/axiston/convosync/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Server holds the dependencies HTTP handlers need.
type Server struct {
	Store           *store.Store
	Notifier        notifier.Notifier
	JWTCfg          auth.JWTCfg
	RateLimitConfig RateLimitInfo
	CORSOrigins     []string // empty means allow any origin
}

// RateLimitInfo configures the per-user token bucket on the authenticated
// sync routes: a local safety valve, not a substitute for rate-limit
// policy enforced upstream of this service.
type RateLimitInfo struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimitConfig is a permissive default for the sync routes.
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse is the generic error envelope: a stable lowercase ASCII
// error code plus a correlation id for support/debugging.
type errorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// writeError writes a generic error envelope, using message as both the
// taxonomy code and the human-readable detail. Prefer writeErrorCode for
// new call sites so the "error" field stays a stable lowercase token.
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeErrorCode(w, r, code, message, message)
}

// writeErrorCode writes the error envelope with an explicit taxonomy code
// (invalid_request, unauthorized, not_found, conflict, payload_too_large,
// rate_limited, server_error) and a human-readable message for
// logs/debugging.
func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Error:         code,
		Message:       message,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}

// parseLimit parses a limit query param with a default and a cap.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes builds the HTTP router for the Sync API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	corsMw := cors.New(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID", "X-Debug-Sub"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
	})
	r.Use(corsMw.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Capability discovery: unauthenticated so a client can sanity-check
	// connectivity before it even has a token.
	r.Get("/sync/info", s.Info)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.JWTCfg))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Get("/sync/conversations", s.ListConversations)
		r.Get("/sync/conversations/{id}", s.GetConversation)
		r.Put("/sync/conversations/{id}", s.PutConversation)
		r.Delete("/sync/conversations/{id}", s.DeleteConversation)

		r.Get("/sync/events", s.Events)
	})

	log.Info().Msg("httpapi: routes registered")
	return r
}
