package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health" &&
					r.URL.Path != "/api/v1/openapi.yaml" &&
					r.URL.Path != "/api/v1/docs"
			}),
		))
	}
}

// WithEdgeLimiter puts the per-process flood guard in front of every route,
// keyed by client address.
func WithEdgeLimiter(edge *ratelimit.EdgeLimiter, trustProxy bool) RouteOption {
	return func(r *mux.Router) {
		r.Use(ratelimit.EdgeMiddleware(edge, func(req *http.Request) string {
			return ClientIP(req, trustProxy)
		}))
	}
}

// SetupRoutes configures the HTTP routes for the gateway
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	router.Use(securityHeaders)
	for _, opt := range opts {
		opt(router)
	}

	router.HandleFunc("/register", handlers.Register).Methods(http.MethodPost)
	router.HandleFunc("/exchange", handlers.Exchange).Methods(http.MethodPost)
	router.HandleFunc("/authorize", handlers.Authorize).Methods(http.MethodPost)
	router.HandleFunc("/updates/check", handlers.CheckUpdates).Methods(http.MethodGet)

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/health", handlers.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc(specPath, handlers.ServeOpenAPISpec).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/docs", handlers.ServeSwaggerUI).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(adminAuthMiddleware(config.Security.BootstrapKey))
	admin.HandleFunc("/sites/{site_id}", handlers.AdminGetSite).Methods(http.MethodGet)
	admin.HandleFunc("/sites/{site_id}", handlers.AdminUpdateSite).Methods(http.MethodPatch)
	admin.HandleFunc("/agencies/{agency_id}", handlers.AdminUpdateAgency).Methods(http.MethodPut)
	admin.HandleFunc("/security-events", handlers.AdminSecurityEvents).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.NewErrorResponse("Not found", models.ErrorCodeNotFound))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.NewErrorResponse("Method not allowed", models.ErrorCodeInvalidRequest))
	})

	return router
}
