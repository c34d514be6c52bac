// Package server exposes the ops HTTP API: health, status, positions,
// margin, realized trades, and resilience controls.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/margin"
	"github.com/nao-namake/crypto-bot-sub005/internal/orderexec"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
	"github.com/nao-namake/crypto-bot-sub005/internal/resilience"
	"github.com/nao-namake/crypto-bot-sub005/internal/stops"
	"github.com/nao-namake/crypto-bot-sub005/internal/store"
)

// Deps are the components the ops API reads from and controls.
type Deps struct {
	Tracker    *position.Tracker
	Monitor    *margin.Monitor
	Resilience *resilience.Manager
	Stops      *stops.Manager
	Atomic     *orderexec.AtomicEntry
	Store      *store.Store // nil when the database is disabled
	Mode       string
	Pair       string
}

// Server is the ops HTTP API.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
	startedAt  time.Time
}

// New builds the router and all routes.
func New(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    router,
		logger:    logger.With().Str("component", "server").Logger(),
		startedAt: time.Now(),
	}

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/api/health", s.handleHealth)

	api := router.Group("/api")
	if cfg.JWTSecret != "" {
		api.Use(AuthMiddleware(NewJWTManager(cfg.JWTSecret)))
	}
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/margin", s.handleMargin)
	api.GET("/trades", s.handleTrades)
	api.GET("/errors", s.handleErrors)
	api.POST("/resilience/recover/:component", s.handleRecover)
	api.POST("/resilience/reset-emergency", s.handleResetEmergency)
	api.POST("/stops/emergency-reset", s.handleClearManualIntervention)

	return s
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("ops API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops API: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(c.Request.Context()); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":           s.deps.Mode,
		"pair":           s.deps.Pair,
		"uptime":         time.Since(s.startedAt).String(),
		"positions":      s.deps.Tracker.Count(),
		"exposure":       s.deps.Tracker.TotalExposure(),
		"emergency_stop": s.deps.Resilience.EmergencyStopActive(),
		"resilience":     s.deps.Resilience.GetStats(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.deps.Tracker.GetAll()})
}

func (s *Server) handleMargin(c *gin.Context) {
	ratio, source, err := s.deps.Monitor.CurrentRatio(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ratio":   ratio,
		"status":  s.deps.Monitor.Classify(ratio),
		"source":  source,
		"history": s.deps.Monitor.History(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	out := gin.H{"session": s.deps.Stops.ClosedTrades()}
	if s.deps.Store != nil {
		trades, err := s.deps.Store.RecentTrades(c.Request.Context(), 50)
		if err != nil {
			s.logger.Warn().Err(err).Msg("trade history query failed")
		} else {
			out["persisted"] = trades
			if summary, err := s.deps.Store.Summarize(c.Request.Context(), time.Now().AddDate(0, 0, -30)); err == nil {
				out["summary_30d"] = summary
			}
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"errors": s.deps.Resilience.RecentErrors(50)})
}

func (s *Server) handleRecover(c *gin.Context) {
	component := c.Param("component")
	if component == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "component required"})
		return
	}
	s.deps.Resilience.ForceRecovery(component)
	s.logger.Info().Str("operator", c.GetString("operator")).Str("target", component).Msg("forced breaker recovery")
	c.JSON(http.StatusOK, gin.H{"recovered": component})
}

func (s *Server) handleResetEmergency(c *gin.Context) {
	s.deps.Resilience.ResetEmergencyStop()
	s.logger.Warn().Str("operator", c.GetString("operator")).Msg("emergency stop reset via ops API")
	c.JSON(http.StatusOK, gin.H{"emergency_stop": false})
}

func (s *Server) handleClearManualIntervention(c *gin.Context) {
	if s.deps.Atomic == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not available"})
		return
	}
	s.deps.Atomic.ClearManualIntervention()
	s.logger.Warn().Str("operator", c.GetString("operator")).Msg("manual intervention flag cleared via ops API")
	c.JSON(http.StatusOK, gin.H{"manual_intervention_required": false})
}
