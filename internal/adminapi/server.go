// Package adminapi exposes the operator surface over HTTP: health and
// readiness, the observability snapshot, the flat-text metrics exposition,
// and manual session controls (list, reconnect, logout).
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/warelay/config"
	"github.com/talkincode/warelay/internal/observe"
	"github.com/talkincode/warelay/internal/rehydrate"
	"github.com/talkincode/warelay/internal/sessionstore"
	"go.uber.org/zap"
)

// Disconnector tears down the live wire client for one account. Satisfied by
// the whatsmeow bridge.
type Disconnector interface {
	Disconnect(accountID string)
}

type Server struct {
	cfg       *config.AppConfig
	root      *echo.Echo
	store     *sessionstore.Store
	collector *observe.Collector
	engine    *rehydrate.Engine
	wire      Disconnector
}

func NewServer(cfg *config.AppConfig, store *sessionstore.Store,
	collector *observe.Collector, engine *rehydrate.Engine, wire Disconnector) *Server {
	s := &Server{
		cfg:       cfg,
		root:      echo.New(),
		store:     store,
		collector: collector,
		engine:    engine,
		wire:      wire,
	}
	s.root.HideBanner = true
	s.root.HidePort = true
	s.root.Use(middleware.Recover())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.root.GET("/api/health", s.getHealth)
	s.root.GET("/api/observability", s.getObservability)
	s.root.GET("/api/observability/alerts", s.getAlerts)
	s.root.GET("/metrics", s.getMetrics)

	s.root.GET("/api/sessions", s.listSessions)
	s.root.POST("/api/sessions", s.postSaveSession)
	s.root.GET("/api/sessions/:account/events", s.getSessionEvents)
	s.root.POST("/api/sessions/:account/reconnect", s.postReconnect)
	s.root.POST("/api/sessions/:account/logout", s.postLogout)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("adminapi: listening", zap.String("addr", addr))
	err := s.root.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// response is the uniform JSON envelope.
type response struct {
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, response{Code: "OK", Data: data})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, response{Code: code, Message: message, Detail: detail})
}

func reqCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), 15*time.Second)
}
