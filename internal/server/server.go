// Package server exposes the bot's health, metrics and per-asset state over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tierbot/internal/domain"
	"tierbot/internal/lifecycle"
)

// StateReader loads an asset's persisted state.
type StateReader interface {
	Load(ctx context.Context, assetID string) (domain.TradeState, error)
}

// Canceller cancels an asset's pending buy.
type Canceller interface {
	CancelPending(ctx context.Context, assetID string) (domain.Phase, error)
}

// Config holds the dependencies and settings of a Server.
type Config struct {
	// Port is the port to listen on.
	Port int
	// ReadTimeout and WriteTimeout bound one request.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Store is read by the state endpoints.
	Store StateReader
	// Canceller backs POST /assets/:id/cancel. The route is absent when nil.
	Canceller Canceller
	// Assets are the configured asset ids, in tick order.
	Assets []string
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	// Debug enables gin's debug mode.
	Debug bool
	// Logger is the logger instance.
	Logger *zap.Logger
}

// Server is the HTTP status server.
type Server struct {
	cfg    Config
	logger *zap.Logger
	engine *gin.Engine
	known  map[string]bool

	mu       sync.RWMutex
	lastTick *lifecycle.TickSummary
}

// New builds a Server and its routes. If logger is nil, a no-op logger is used.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		engine: gin.New(),
		known:  make(map[string]bool, len(cfg.Assets)),
	}
	for _, id := range cfg.Assets {
		s.known[id] = true
	}

	s.engine.Use(gin.Recovery(), s.accessLog())
	s.engine.GET("/healthz", s.health)
	if cfg.Metrics != nil {
		s.engine.GET(cfg.MetricsPath, gin.WrapH(cfg.Metrics))
	}
	s.engine.GET("/assets", s.listAssets)
	s.engine.GET("/assets/:id/state", s.assetState)
	s.engine.GET("/ticks/last", s.lastTickSummary)
	if cfg.Canceller != nil {
		s.engine.POST("/assets/:id/cancel", s.cancelPending)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// RecordTick stores the latest tick summary for /ticks/last.
func (s *Server) RecordTick(summary lifecycle.TickSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTick = &summary
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "assets": len(s.cfg.Assets)})
}

type assetSummary struct {
	Asset string       `json:"asset"`
	Phase domain.Phase `json:"phase,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (s *Server) listAssets(c *gin.Context) {
	out := make([]assetSummary, 0, len(s.cfg.Assets))
	for _, id := range s.cfg.Assets {
		sum := assetSummary{Asset: id}
		state, err := s.cfg.Store.Load(c.Request.Context(), id)
		if err != nil {
			sum.Error = err.Error()
		} else {
			sum.Phase = state.Phase()
		}
		out = append(out, sum)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) assetState(c *gin.Context) {
	id := c.Param("id")
	if !s.known[id] {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not configured"})
		return
	}

	state, err := s.cfg.Store.Load(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("load state for http", zap.String("asset", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": id, "phase": state.Phase(), "state": state})
}

func (s *Server) lastTickSummary(c *gin.Context) {
	s.mu.RLock()
	last := s.lastTick
	s.mu.RUnlock()

	if last == nil {
		c.Status(http.StatusNoContent)
		return
	}

	results := make([]gin.H, 0, len(last.Results))
	for _, r := range last.Results {
		h := gin.H{"asset": r.Asset, "from": r.From, "to": r.To, "changed": r.Changed}
		if r.Err != nil {
			h["error"] = r.Err.Error()
			h["kind"] = lifecycle.KindOf(r.Err)
		}
		results = append(results, h)
	}
	c.JSON(http.StatusOK, gin.H{
		"started":  last.Started,
		"finished": last.Finished,
		"failed":   len(last.Failed()),
		"results":  results,
	})
}

func (s *Server) cancelPending(c *gin.Context) {
	id := c.Param("id")
	if !s.known[id] {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not configured"})
		return
	}

	phase, err := s.cfg.Canceller.CancelPending(c.Request.Context(), id)
	if err != nil {
		s.logger.Warn("cancel pending buy", zap.String("asset", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"asset": id, "phase": phase, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": id, "phase": phase})
}
