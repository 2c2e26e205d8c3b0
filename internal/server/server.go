// Package server implements the HTTP transport layer for the Waddle gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/accounting"
	"github.com/waddleai/waddlegate/internal/app"
	"github.com/waddleai/waddlegate/internal/auth"
	"github.com/waddleai/waddlegate/internal/provider"
	"github.com/waddleai/waddlegate/internal/ratelimit"
	"github.com/waddleai/waddlegate/internal/router"
	"github.com/waddleai/waddlegate/internal/security"
	"github.com/waddleai/waddlegate/internal/storage"
	"github.com/waddleai/waddlegate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// TokenCounter estimates token counts for request messages and plain text.
// Satisfied by *tokencount.Counter; also serves as an accounting.Estimator.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
	CountText(model, text string) int
}

// Deps holds all dependencies for the HTTP server. Fields documented "nil
// disables X" are safe to leave unset in tests.
type Deps struct {
	Auth gateway.Authenticator

	Store            storage.Store // nil = no admin CRUD (for tests)
	Providers        *provider.Registry
	Tracker          *router.Tracker
	Selector         *router.Selector
	Accountant       *accounting.Accountant
	Scanner          *security.Scanner
	CredentialIssuer *app.CredentialIssuer
	PasswordLogin    *auth.PasswordLogin // nil = no POST /v1/auth/login
	CredentialAuth   *auth.Resolver      // nil = no cache invalidation on revoke/edit

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)

	Usage        UsageRecorder       // nil = no usage recording
	RateLimiter  *ratelimit.Registry // nil = no rate limiting
	TokenCounter TokenCounter        // nil = fixed estimate
	Cache        Cache               // nil = no caching

	DefaultRPM    int64 // fallback RPM when per-credential is 0
	DefaultTPM    int64 // fallback TPM when per-credential is 0
	DefaultPolicy router.Policy
	MaxInFlight   int64 // 0 = unbounded concurrent upstream calls
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	if deps.MaxInFlight > 0 {
		s.inflight = make(chan struct{}, deps.MaxInFlight)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Password login is unauthenticated by definition -- it issues the
	// session token used by every other authenticated route.
	if deps.PasswordLogin != nil {
		r.Post("/v1/auth/login", s.handleLogin)
	}

	// Client-facing API (auth required) -- universal OpenAI-format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API (auth + RBAC required)
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageTenants))
				r.Get("/tenants", s.handleListTenants)
				r.Post("/tenants", s.handleCreateTenant)
				r.Get("/tenants/{id}", s.handleGetTenant)
				r.Put("/tenants/{id}", s.handleUpdateTenant)
				r.Delete("/tenants/{id}", s.handleDeleteTenant)

				r.Get("/principals", s.handleListPrincipals)
				r.Post("/principals", s.handleCreatePrincipal)
				r.Get("/principals/{id}", s.handleGetPrincipal)
				r.Put("/principals/{id}", s.handleUpdatePrincipal)
				r.Delete("/principals/{id}", s.handleDeletePrincipal)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageCreds))
				r.Get("/credentials", s.handleListCredentials)
				r.Post("/credentials", s.handleCreateCredential)
				r.Post("/credentials/{id}/revoke", s.handleRevokeCredential)
				r.Delete("/credentials/{id}", s.handleDeleteCredential)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageProviders))
				r.Get("/providers", s.handleListProviderLinks)
				r.Post("/providers", s.handleCreateProviderLink)
				r.Get("/providers/{id}", s.handleGetProviderLink)
				r.Put("/providers/{id}", s.handleUpdateProviderLink)
				r.Delete("/providers/{id}", s.handleDeleteProviderLink)
				r.Post("/cache/purge", s.handleCachePurge)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageRouting))
				r.Get("/routes", s.handleListRoutes)
				r.Post("/routes", s.handleCreateRoute)
				r.Get("/routes/{id}", s.handleGetRoute)
				r.Put("/routes/{id}", s.handleUpdateRoute)
				r.Delete("/routes/{id}", s.handleDeleteRoute)

				r.Get("/rates", s.handleListRates)
				r.Post("/rates", s.handleCreateRate)
				r.Put("/rates/{id}", s.handleUpdateRate)
				r.Delete("/rates/{id}", s.handleDeleteRate)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermViewTenantUsage))
				r.Get("/usage", s.handleQueryUsage)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermViewSecurityEvents))
				r.Get("/security/events", s.handleListSecurityEvents)
				r.Get("/security/stats", s.handleSecurityStats)
			})
		})
	}

	return r
}

type server struct {
	deps Deps
	// inflight bounds concurrent upstream calls (spec §5's max-in-flight).
	// A nil channel means unbounded.
	inflight chan struct{}
}
