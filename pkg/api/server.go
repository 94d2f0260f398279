// Package api exposes session snapshots and teacher operations over REST
// and mounts the hub's WebSocket endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/signal"
)

// SessionStore persists session metadata. Nil disables persistence.
type SessionStore interface {
	Save(ctx context.Context, s session.LiveSession) error
	Load(ctx context.Context, id string) (session.LiveSession, error)
}

// Options configures the API server
type Options struct {
	Hub            *signal.Server
	Sessions       *session.Registry
	Devices        *device.Registry
	Store          SessionStore
	AllowedOrigins []string
	Debug          bool
	Logger         *slog.Logger
}

// Server is the HTTP front door: REST routes plus /ws
type Server struct {
	hub      *signal.Server
	sessions *session.Registry
	devices  *device.Registry
	store    SessionStore
	origins  []string
	router   *gin.Engine
	http     *http.Server
	logger   *slog.Logger
}

// New builds the router
func New(opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		hub:      opts.Hub,
		sessions: opts.Sessions,
		devices:  opts.Devices,
		store:    opts.Store,
		origins:  opts.AllowedOrigins,
		router:   gin.New(),
		logger:   opts.Logger.With("component", "api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	corsConfig := cors.DefaultConfig()
	if len(s.origins) == 0 || (len(s.origins) == 1 && s.origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}

	s.router.Use(gin.Recovery(), requestLogger(s.logger), cors.New(corsConfig))
}

func (s *Server) setupRoutes() {
	h := &sessionHandler{
		hub:      s.hub,
		sessions: s.sessions,
		devices:  s.devices,
		store:    s.store,
		logger:   s.logger,
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "liveclass"})
	})

	// Duplex endpoint for devices
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/sessions", h.CreateSession)
		v1.GET("/sessions/:id", h.GetSession)
		v1.PATCH("/sessions/:id/status", h.UpdateStatus)
		v1.POST("/sessions/:id/commands", h.SendCommand)
		v1.GET("/sessions/:id/participants", h.GetParticipants)
		v1.GET("/sessions/:id/devices", h.GetDevices)
		v1.GET("/sessions/:id/screen-share", h.GetScreenShare)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Hijacked WebSocket connections are closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
