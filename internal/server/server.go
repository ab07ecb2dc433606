// Package server exposes the push channel and the pull queries over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
	"kimchiwatch/internal/notify"
)

// Aggregator answers the pull-style queries.
type Aggregator interface {
	CompareAcrossExchanges(symbol string) (*model.ComparisonResult, bool)
	ComputeKimchiPremium(symbol, base string) (*model.KimchiPremiumResult, bool)
}

// HealthFunc reports per-exchange health.
type HealthFunc func(ctx context.Context) map[string]bool

// Server is a thin gin front over the dispatcher and the aggregation engine.
type Server struct {
	cfg       config.ServerConfig
	notifyCfg config.NotifyConfig
	agg       Aggregator
	sessions  notify.Registrar
	health    HealthFunc
	logger    *slog.Logger

	upgrader websocket.Upgrader
	router   *gin.Engine
	http     *http.Server
}

// New creates a new Server with its routes registered.
func New(cfg config.ServerConfig, notifyCfg config.NotifyConfig, agg Aggregator, sessions notify.Registrar, health HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		notifyCfg: notifyCfg,
		agg:       agg,
		sessions:  sessions,
		health:    health,
		logger:    logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/ws", optionalAuth(cfg.JWTSecret), s.handleWebSocket)
	api := router.Group("/api/v1")
	api.GET("/health/exchanges", s.handleHealth)
	api.GET("/compare/:symbol", s.handleCompare)
	api.GET("/premium/:symbol", s.handlePremium)

	s.router = router
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not an
// error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// tracked by net/http and must be closed by the dispatcher.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	userID := c.GetString(userIDKey)
	session := notify.NewWSSession(conn, userID, s.notifyCfg, s.logger)
	if err := session.Serve(s.sessions); err != nil {
		s.logger.Warn("session rejected", "user_id", userID, "error", err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health(c.Request.Context())
	healthy := 0
	for _, ok := range status {
		if ok {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"exchanges": status,
		"healthy":   healthy,
		"total":     len(status),
	})
}

func (s *Server) handleCompare(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	res, ok := s.agg.CompareAcrossExchanges(symbol)
	if !ok {
		notFound(c, "no quotes for "+symbol)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePremium(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	res, ok := s.agg.ComputeKimchiPremium(symbol, strings.ToLower(c.Query("base")))
	if !ok {
		notFound(c, "no premium for "+symbol)
		return
	}
	c.JSON(http.StatusOK, res)
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": message,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
