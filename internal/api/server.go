// Package api implements the read-only status REST API: relay health,
// per-team status, redlist and queue inspection.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/gbrelay-project/gbrelay/internal/config"
	"github.com/gbrelay-project/gbrelay/internal/events"
	"github.com/gbrelay-project/gbrelay/internal/state"
	"github.com/gbrelay-project/gbrelay/internal/util"
)

// Server is the REST API server for the relay.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	state    *state.Manager

	mu         sync.RWMutex
	lastCycle  *events.CycleSummaryPayload
	teamStatus map[string]events.TeamStatusPayload

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, st *state.Manager) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        cfg,
		eventBus:   eventBus,
		state:      st,
		teamStatus: make(map[string]events.TeamStatusPayload),
	}

	eventBus.Subscribe(events.EventCycleFinished, "api.cycleFinished", s.onCycleFinished)
	eventBus.Subscribe(events.EventTeamStatus, "api.teamStatus", s.onTeamStatus)

	return s
}

func (s *Server) onCycleFinished(ctx context.Context, event events.Event) error {
	summary, ok := event.Payload.(events.CycleSummaryPayload)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.lastCycle = &summary
	s.mu.Unlock()
	return nil
}

func (s *Server) onTeamStatus(ctx context.Context, event events.Event) error {
	status, ok := event.Payload.(events.TeamStatusPayload)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.teamStatus[status.Team] = status
	s.mu.Unlock()
	return nil
}

// Start runs the API server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.GetApplicationData().API.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	allowedOrigins := s.cfg.GetApplicationData().API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", s.handlePing)

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/teams", s.handleTeams)
		api.GET("/redlist", s.handleRedlist)
		api.GET("/queue/:channel", s.handleQueueDepth)
		api.GET("/system", s.handleSystemInfo)
	}

	return router
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gbrelay",
		"version": "1.0.0",
	})
}

// handleStatus returns the last completed cycle summary.
func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCycle == nil {
		c.JSON(http.StatusOK, gin.H{"cycles_completed": 0})
		return
	}
	c.JSON(http.StatusOK, s.lastCycle)
}

// handleTeams returns the latest per-team status snapshots.
func (s *Server) handleTeams(c *gin.Context) {
	s.mu.RLock()
	statuses := make([]events.TeamStatusPayload, 0, len(s.teamStatus))
	for _, st := range s.teamStatus {
		statuses = append(statuses, st)
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"teams": statuses})
}

// handleRedlist returns the persisted redlist.
func (s *Server) handleRedlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"redlist": s.state.Redlist()})
}

// handleQueueDepth returns the outbound queue depth for one channel.
func (s *Server) handleQueueDepth(c *gin.Context) {
	channel := c.Param("channel")
	c.JSON(http.StatusOK, gin.H{
		"channel": channel,
		"depth":   s.state.QueueDepth(channel),
	})
}

// handleSystemInfo returns host resource usage.
func (s *Server) handleSystemInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()
	resp := gin.H{
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	}
	if usage, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = usage
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["used_memory_mb"] = mem.Used
		resp["memory_percent"] = mem.UsedPercent
	}
	c.JSON(http.StatusOK, resp)
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}
