package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentmanager"
	"github.com/circlesabound/fctrl/server/internal/auth"
	"github.com/circlesabound/fctrl/server/internal/opledger"
	"github.com/circlesabound/fctrl/server/internal/operationrouter"
	"github.com/circlesabound/fctrl/server/internal/repositories"
	"github.com/circlesabound/fctrl/server/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService     *auth.AuthService
	AgentRegistry   *agentmanager.Registry
	OperationRouter *operationrouter.Router
	OpLedger        *opledger.Recorder
	Hub             *websocket.Hub
	Logger          *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Users         repositories.UserRepository
	Agents        repositories.AgentRepository
	Notifications repositories.NotificationRepository
	Settings      repositories.SettingsRepository

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// All routes are registered under /api/v1, except the operation streaming
// endpoint (/operation/{id}) whose path is handed back verbatim by
// OperationRouter.Dispatch and must match exactly. The GUI is served as a
// catch-all from the root — this is wired in main.go after embedding the
// frontend assets.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.AgentRegistry, cfg.Logger)
	operationHandler := NewOperationHandler(cfg.Agents, cfg.OperationRouter, cfg.OpLedger, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Settings, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.AuthService.JWTManager(), cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Agents
			r.Get("/agents", agentHandler.List)
			r.Post("/agents", agentHandler.Create)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Patch("/agents/{id}", agentHandler.Update)
			r.Delete("/agents/{id}", agentHandler.Delete)

			// Operations — dispatches a request to an agent via OperationRouter.
			r.Post("/agents/{id}/operations", operationHandler.Dispatch)

			// Notifications
			r.Get("/notifications", notificationHandler.List)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllAsRead)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				// User management
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				// Operator settings
				r.Get("/settings/metric-retention", settingsHandler.GetMetricRetention)
				r.Put("/settings/metric-retention", settingsHandler.UpsertMetricRetention)
			})
		})
	})

	// --- GUI-facing WebSocket endpoint (notifications, agent status) ---
	// WSHandler performs its own JWT validation via the `token` query
	// parameter since the browser WebSocket API cannot set an Authorization
	// header, so no Authenticate middleware wraps this route.
	r.Get("/api/v1/ws", wsHandler.ServeWS)

	// --- Dynamic operation streaming endpoint ---
	// Path must match the literal "/operation/" + id returned in
	// Result.StreamPath by OperationRouter.Dispatch. The id itself is an
	// unguessable UUID only ever handed to the authenticated caller that
	// dispatched the operation, and is consumed exactly once.
	r.Get("/operation/{id}", func(w http.ResponseWriter, req *http.Request) {
		operationHandler.ServeStream(w, req, chi.URLParam(req, "id"))
	})

	// --- Prometheus metrics ---
	r.Handle("/metrics", promhttp.Handler())

	return r
}
