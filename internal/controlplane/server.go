// Package controlplane implements the Control Plane: the JSON+SSE HTTP
// surface for Start/Stop/Restart/Status/DBStats/Validate and a live
// telemetry stream. Grounded directly on the teacher's
// internal/dashboard/server.go (gin.New + Recovery, SetTrustedProxies,
// http.Server with a graceful Shutdown on context cancellation), with the
// HTML template/asset routes dropped since this surface is JSON+SSE only.
// Start, Stop and Restart are serialized on a single control mutex;
// Status, DBStats, Validate and the telemetry stream read the engine
// without taking it.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ingestd/internal/telemetry"
	"ingestd/internal/validate"
)

// Engine is the subset of the ingestion engine the control plane drives.
// Implemented by the top-level cmd/ingestd wiring.
type Engine interface {
	Start(ctx context.Context, cfg StartConfig) error
	Stop(ctx context.Context) error
	Status() Status
	DBStats(ctx context.Context) (interface{}, error)
	Validate(ctx context.Context) (validate.Result, error)
	LastStartConfig() StartConfig
}

// StartConfig enumerates the options spec.md §4.8 recognizes on Start.
type StartConfig struct {
	Symbols            []string `json:"symbols"`
	Channels           []string `json:"channels"`
	LogLevel           string   `json:"log_level"`
	ShardPlanOverrides *int     `json:"shard_plan_overrides,omitempty"`
}

// isEmpty reports whether cfg carries no overrides, the shape an empty or
// absent Restart request body decodes to.
func (cfg StartConfig) isEmpty() bool {
	return len(cfg.Symbols) == 0 && len(cfg.Channels) == 0 && cfg.LogLevel == "" && cfg.ShardPlanOverrides == nil
}

// Status is the compact snapshot returned by Status() and pushed over the
// telemetry stream.
type Status struct {
	Running      bool               `json:"running"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	Shards       []ShardStatus      `json:"shards"`
	ChannelRates map[string]float64 `json:"channel_rates"`
	LastError    string             `json:"last_error,omitempty"`
}

// ShardStatus is one shard's observable state for the Status response.
type ShardStatus struct {
	Index int    `json:"index"`
	State string `json:"state"`
}

// Server hosts the control plane's HTTP surface.
type Server struct {
	cfg    Config
	engine Engine
	bus    *telemetry.Bus

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
}

// Config parameterizes the listen address and telemetry cadence.
type Config struct {
	Address           string
	TelemetryInterval time.Duration
}

// New constructs a Server. engine backs every control operation; bus
// supplies the live telemetry stream.
func New(cfg Config, engine Engine, bus *telemetry.Bus) *Server {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 5 * time.Second
	}
	return &Server{cfg: cfg, engine: engine, bus: bus}
}

// Handler builds the gin router backing this server. Exposed for tests
// that exercise routes directly via httptest without binding a socket.
func (s *Server) Handler() (http.Handler, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	s.buildRoutes(router)
	return router, nil
}

// Run starts the HTTP server and blocks until ctx is canceled, then
// gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Addr: s.cfg.Address, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/start", s.handleStart)
	router.POST("/stop", s.handleStop)
	router.POST("/restart", s.handleRestart)
	router.GET("/status", s.handleStatus)
	router.GET("/db-stats", s.handleDBStats)
	router.GET("/validate", s.handleValidate)
	router.GET("/telemetry", s.handleTelemetryStream)
}

func (s *Server) handleStart(c *gin.Context) {
	var cfg StartConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": "invalid", "error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		c.JSON(http.StatusOK, gin.H{"result": "already_running"})
		return
	}

	if err := s.engine.Start(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": "invalid", "error": err.Error()})
		return
	}

	s.running = true
	c.JSON(http.StatusOK, gin.H{"result": "accepted"})
}

func (s *Server) handleStop(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"result": "error", "error": err.Error()})
		return
	}
	s.running = false
	c.JSON(http.StatusOK, gin.H{"result": "accepted"})
}

func (s *Server) handleRestart(c *gin.Context) {
	var cfg StartConfig
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&cfg)
	}
	if cfg.isEmpty() {
		cfg = s.engine.LastStartConfig()
	}

	s.mu.Lock()
	_ = s.engine.Stop(c.Request.Context())
	s.running = false
	err := s.engine.Start(c.Request.Context(), cfg)
	if err == nil {
		s.running = true
	}
	s.mu.Unlock()

	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": "invalid", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "accepted"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleDBStats(c *gin.Context) {
	stats, err := s.engine.DBStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleValidate(c *gin.Context) {
	result, err := s.engine.Validate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleTelemetryStream serves a server-push SSE stream: compact status
// snapshots at cfg.TelemetryInterval cadence, interleaved with the bus's
// raw events as they're published, terminating when the client disconnects,
// the request context is canceled, or the bus disconnects this subscriber
// for being too slow.
func (s *Server) handleTelemetryStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			return
		case evt := <-sub.Events:
			c.SSEvent("event", evt)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("status", s.engine.Status())
			c.Writer.Flush()
		}
	}
}
