// Package server exposes the exchange over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/engine"
)

// Server is the HTTP front of the exchange.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	log    *zap.Logger
	keys   *cache.Cache
}

// New wires routes, middleware and error handling around eng.
func New(eng *engine.Engine, log *zap.Logger) *Server {
	s := &Server{
		engine: eng,
		log:    log,
		keys:   cache.New(authCacheTTL, authCacheSweep),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newValidator()
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	s.echo = e

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api/v1")

	public := api.Group("/public")
	public.POST("/register", s.register)
	public.POST("/register-admin", s.registerAdmin)
	public.GET("/instrument", s.listInstruments)
	public.GET("/orderbook/:ticker", s.orderBook)
	public.GET("/transactions/:ticker", s.transactions)

	authed := api.Group("", s.authenticate)
	authed.GET("/users/me", s.me)
	authed.GET("/balance", s.balances)
	authed.POST("/order", s.createOrder)
	authed.GET("/order", s.listOrders)
	authed.GET("/order/:id", s.getOrder)
	authed.DELETE("/order/:id", s.cancelOrder)

	admin := api.Group("/admin", s.authenticate, s.requireAdmin)
	admin.POST("/instrument", s.createInstrument)
	admin.DELETE("/instrument/:ticker", s.deleteInstrument)
	admin.DELETE("/user/:id", s.deleteUser)
	admin.POST("/balance/deposit", s.deposit)
	admin.POST("/balance/withdraw", s.withdraw)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets tests drive the full middleware chain without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// handleError maps application errors onto HTTP statuses. Every error
// response carries a {"detail": ...} body; internals are logged, not
// leaked.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var status int
	var detail string
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		detail = fmt.Sprint(he.Message)
	} else {
		status = statusOf(apperr.KindOf(err))
		detail = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		detail = "internal server error"
	}

	if jerr := c.JSON(status, errorBody{Detail: detail}); jerr != nil {
		s.log.Error("write error response", zap.Error(jerr))
	}
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindBadRequest, apperr.KindInsufficientFunds, apperr.KindBadState, apperr.KindConflict:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	})
}
