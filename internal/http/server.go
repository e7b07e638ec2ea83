// Package httpapp wires the echo server: session middleware, CSRF,
// route registration, and the JSON error boundary.
package httpapp

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/open-cnapp/open-cnapp/internal/auth"
	"github.com/open-cnapp/open-cnapp/internal/http/authn"
	"github.com/open-cnapp/open-cnapp/internal/http/handlers"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server around the shared handler set.
func NewEchoServer(h *handlers.Handlers) (*EchoServer, error) {
	if h == nil || h.Q == nil {
		return nil, errors.New("http server requires a query layer")
	}
	if h.Sessions == nil {
		return nil, errors.New("http server requires a session manager")
	}

	es := &EchoServer{h: h, e: echo.New()}
	es.e.HideBanner = true
	es.e.HidePort = true
	es.e.HTTPErrorHandler = es.httpErrorHandler
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set(handlers.ContextKeyRequestID, id)
		},
	}))

	es.e.GET("/healthz", es.h.HandleHealthz)

	api := es.e.Group("/api")
	api.Use(echo.WrapMiddleware(es.h.Sessions.LoadAndSave))
	api.Use(middleware.CSRFWithConfig(middleware.CSRFConfig{
		TokenLookup:    "header:" + echo.HeaderXCSRFToken + ",form:csrf",
		CookiePath:     "/",
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteLaxMode,
		CookieSecure:   es.h.Cfg.AuthCookieSecure,
	}))
	api.POST("/login", es.h.HandleLoginPost)

	authed := api.Group("")
	authed.Use(authn.RequireAuth(es.h.Sessions, es.h.Q))
	authed.POST("/logout", es.h.HandleLogoutPost)
	authed.GET("/me", es.h.HandleMe)
	authed.GET("/dashboard", es.h.HandleDashboard)
	authed.GET("/alerts", es.h.HandleAlerts)
	authed.GET("/vulnerabilities", es.h.HandleVulnerabilities)
	authed.GET("/vulnerabilities/detailed", es.h.HandleVulnerabilitiesDetailed)
	authed.GET("/compliance", es.h.HandleCompliance)
	authed.GET("/identities", es.h.HandleIdentities)
	authed.GET("/settings", es.h.HandleSettingsGet)
	authed.PUT("/settings", es.h.HandleSettingsPut)
	authed.GET("/tenants", es.h.HandleTenantsList)
	authed.GET("/tenants/:id", es.h.HandleTenantGet)

	admin := authed.Group("")
	admin.Use(authn.RequireRole(auth.RoleAdmin))
	admin.POST("/tenants", es.h.HandleTenantCreate)
	admin.PUT("/tenants/:id", es.h.HandleTenantUpdate)
	admin.DELETE("/tenants/:id", es.h.HandleTenantDelete)
	admin.POST("/tenants/:id/sync", es.h.HandleTenantSync)
	admin.POST("/tenants/:id/test", es.h.HandleTenantTest)
	admin.POST("/tenants/test", es.h.HandleTenantTestNew)
	admin.POST("/sync", es.h.HandleSyncAll)
}

// httpErrorHandler keeps error payloads generic. Client errors answer
// with the bare status text so messages attached to echo.HTTPError
// never reach the wire; everything else is logged and reported as an
// opaque 500 with the request reference.
func (es *EchoServer) httpErrorHandler(c echo.Context, err error) {
	if c.Response().Committed {
		return
	}

	status := httpStatusFromError(err)
	if status >= http.StatusInternalServerError {
		_ = es.h.RenderError(c, err)
		return
	}
	_ = c.JSON(status, map[string]string{"error": http.StatusText(status)})
}

func httpStatusFromError(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code >= 400 {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// StartServer starts the HTTP server with a custom http.Server.
func (es *EchoServer) StartServer(server *http.Server) error {
	return es.e.StartServer(server)
}

// Shutdown gracefully shuts down the HTTP server.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}
