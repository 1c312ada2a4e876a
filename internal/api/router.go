// Package api assembles the console's HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/api/handlers"
	"github.com/clinicdesk/opd-console/internal/api/middleware"
	"github.com/clinicdesk/opd-console/internal/domain/admin"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/internal/session"
)

// ServiceName names the console in logs, traces and /health
const ServiceName = "opd-console"

// Deps are the collaborators of the router
type Deps struct {
	Sessions *session.Manager
	Reports  visit.Reports
	Breakers handlers.Breakers
	Checks   map[string]handlers.Pinger
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time

	Cookie      handlers.CookieConfig
	CORSOrigins []string
}

// NewRouter builds the console router
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	workspaces := d.Sessions.Workspaces()

	auth := handlers.NewAuthHandler(d.Sessions, d.Cookie, d.Logger)
	dashboard := handlers.NewDashboardHandler(d.Reports, d.Now, d.Logger)
	forms := handlers.NewVisitFormHandler(workspaces, d.Now, d.Logger)
	patients := handlers.NewPatientHandler(workspaces, d.Logger)
	adminHandler := handlers.NewAdminHandler(workspaces, d.Logger)
	health := handlers.NewHealthHandler(ServiceName, d.Breakers, d.Checks)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logger(d.Logger, d.Metrics))
	r.Use(middleware.Tracing(ServiceName))

	health.Routes(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Mount("/auth", auth.Routes())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(d.Sessions, d.Cookie.Name, d.Logger))

		r.Mount("/dashboard", dashboard.Routes())
		r.Mount("/visits", dashboard.VisitRoutes())
		r.Mount("/forms/{kind}", forms.Routes())
		r.Mount("/patients", patients.Routes())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(admin.RoleSuperAdmin))
			r.Mount("/admin", adminHandler.Routes())
		})
	})

	return r
}
