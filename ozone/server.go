package ozone

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

// Server exposes the moderation engine over XRPC-shaped HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	httpd   *http.Server
	service *Service
	logger  *slog.Logger

	adminPassword     string
	moderatorPassword string
	triagePassword    string
}

type ServerConfig struct {
	Logger            *slog.Logger
	Bind              string
	AdminPassword     string
	ModeratorPassword string
	TriagePassword    string
}

func NewServer(service *Service, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		service:           service,
		logger:            logger.With("component", "server"),
		adminPassword:     config.AdminPassword,
		moderatorPassword: config.ModeratorPassword,
		triagePassword:    config.TriagePassword,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.handleHealthCheck)

	authed := e.Group("", srv.roleAuthMiddleware)
	authed.POST("/xrpc/tools.ozone.moderation.emitEvent", srv.handleEmitEvent)
	authed.GET("/xrpc/tools.ozone.moderation.getEvent", srv.handleGetEvent)
	authed.GET("/xrpc/tools.ozone.moderation.getSubjectStatus", srv.handleGetSubjectStatus)
	authed.GET("/xrpc/tools.ozone.moderation.queryEvents", srv.handleQueryEvents)

	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunMetrics starts the prometheus endpoint on a separate port.
func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpd.Shutdown(ctx)
}

const actorRoleContextKey = "actorRole"

// roleAuthMiddleware resolves the caller's role from HTTP basic auth. The
// username names the role and the password must match that role's configured
// secret; roles with no configured secret do not exist.
func (srv *Server) roleAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		username, password, ok := c.Request().BasicAuth()
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}

		var expected string
		var role Role
		switch username {
		case "admin":
			expected, role = srv.adminPassword, RoleAdmin
		case "moderator":
			expected, role = srv.moderatorPassword, RoleModerator
		case "triage":
			expected, role = srv.triagePassword, RoleTriage
		default:
			return echo.NewHTTPError(http.StatusUnauthorized, "unknown role")
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}

		c.Set(actorRoleContextKey, role)
		return next(c)
	}
}

func actorRole(c echo.Context) Role {
	if role, ok := c.Get(actorRoleContextKey).(Role); ok {
		return role
	}
	return 0
}

// XRPCError is the standard atproto error body.
type XRPCError struct {
	ErrStr  string `json:"error"`
	Message string `json:"message"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	body := XRPCError{ErrStr: "InternalServerError", Message: "internal server error"}

	var authzErr *AuthorizationError
	var validationErr *ValidationError
	var conflictErr *ConflictError
	var notFoundErr *NotFoundError
	var sideEffectErr *SideEffectError
	var storageErr *StorageError
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &authzErr):
		code = http.StatusForbidden
		body = XRPCError{ErrStr: "InsufficientRole", Message: authzErr.Error()}
	case errors.As(err, &validationErr):
		code = http.StatusBadRequest
		body = XRPCError{ErrStr: "InvalidRequest", Message: validationErr.Error()}
	case errors.As(err, &conflictErr):
		code = http.StatusConflict
		body = XRPCError{ErrStr: "Conflict", Message: conflictErr.Error()}
	case errors.As(err, &notFoundErr):
		code = http.StatusNotFound
		body = XRPCError{ErrStr: "NotFound", Message: notFoundErr.Error()}
	case errors.As(err, &sideEffectErr):
		code = http.StatusBadGateway
		body = XRPCError{ErrStr: "UpstreamFailure", Message: sideEffectErr.Error()}
	case errors.As(err, &storageErr):
		code = http.StatusInternalServerError
		body = XRPCError{ErrStr: "StorageFailure", Message: "database unavailable"}
	case errors.As(err, &httpErr):
		code = httpErr.Code
		body = XRPCError{ErrStr: http.StatusText(code), Message: echoMessage(httpErr)}
	}

	if code >= 500 {
		srv.logger.Error("request failed", "err", err, "path", c.Path())
	}
	if err := c.JSON(code, body); err != nil {
		srv.logger.Error("writing error response", "err", err)
	}
}

func echoMessage(he *echo.HTTPError) string {
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return http.StatusText(he.Code)
}

func (srv *Server) handleHealthCheck(c echo.Context) error {
	if err := srv.service.db.WithContext(c.Request().Context()).Exec("SELECT 1").Error; err != nil {
		srv.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"status": "error", "message": "can't connect to database"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
