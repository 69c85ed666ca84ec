// Package api serves the read-only status surface of the control
// plane: the current market snapshot, the latest decision, rebalance
// history, in-flight messages, upkeep status, the live event feed, a
// websocket event stream, and Prometheus metrics. The only mutations
// are pausing and resuming an upkeep.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/aggregator"
	"github.com/lowkeylabs/crossyield/internal/bus"
	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
	"github.com/lowkeylabs/crossyield/internal/history"
	"github.com/lowkeylabs/crossyield/internal/metrics"
	"github.com/lowkeylabs/crossyield/internal/orchestrator"
	"github.com/lowkeylabs/crossyield/internal/upkeep"
	"github.com/lowkeylabs/crossyield/internal/voting"
)

// MarketSource serves the aggregated market view. The aggregator
// implements it.
type MarketSource interface {
	CurrentSnapshot() *aggregator.MarketSnapshot
	LiveFeed() []aggregator.Entry
}

// DecisionSource serves the latest decision. The voting coordinator
// implements it.
type DecisionSource interface {
	Latest() *voting.Decision
}

// MessageSource serves in-flight cross-chain messages. The
// orchestrator implements it.
type MessageSource interface {
	InFlightMessages() []orchestrator.CrossChainMessage
}

// UpkeepSource serves upkeep status and accepts pause/resume. The
// upkeep engine implements it.
type UpkeepSource interface {
	Upkeeps() []upkeep.Status
	Pause(id string) error
	Resume(id string) error
}

// HealthSource reports component states for the health endpoint. The
// supervisor implements it.
type HealthSource interface {
	Health() (healthy bool, components map[string]string)
}

// Sources are the read surfaces the server exposes. A nil field
// renders its endpoints as 503.
type Sources struct {
	Market    MarketSource
	Decisions DecisionSource
	History   history.Store
	Messages  MessageSource
	Upkeeps   UpkeepSource
	Health    HealthSource
	Bus       *bus.Bus
}

// Server is the HTTP status server.
type Server struct {
	cfg     config.APIConfig
	sources Sources
	router  *gin.Engine
	server  *http.Server
	addr    string
	crashed chan error
	log     zerolog.Logger
}

// NewServer builds the router over the given sources. The server does
// not listen until Start.
func NewServer(cfg config.APIConfig, sources Sources) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		sources: sources,
		router:  gin.New(),
		crashed: make(chan error, 1),
		log:     config.NewLogger("api"),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLog())
	s.router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	cfg.MaxAge = 12 * time.Hour
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) routes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws", s.handleWS)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/snapshot", s.handleSnapshot)
		v1.GET("/decisions/latest", s.handleLatestDecision)
		v1.GET("/history", s.handleHistory)
		v1.GET("/history/:id", s.handleHistoryRecord)
		v1.GET("/messages", s.handleMessages)
		v1.GET("/feed", s.handleFeed)

		upkeeps := v1.Group("/upkeeps")
		{
			upkeeps.GET("", s.handleUpkeeps)
			upkeeps.POST("/:id/pause", s.handlePauseUpkeep)
			upkeeps.POST("/:id/resume", s.handleResumeUpkeep)
		}
	}
}

// Start binds the listener and serves in the background. A disabled
// API is a no-op.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info().Msg("api server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errs.Config("api listen on %s: %v", s.cfg.Listen, err)
	}
	s.addr = ln.Addr().String()
	s.crashed = make(chan error, 1)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	crashed := s.crashed
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server stopped unexpectedly")
			crashed <- err
		}
	}()

	s.log.Info().Str("listen", s.addr).Msg("api server started")
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("api shutdown incomplete")
	}
	s.log.Info().Msg("api server stopped")
}

// Addr returns the bound address, empty until Start.
func (s *Server) Addr() string { return s.addr }

// Name identifies the server to the supervisor and stats poller.
func (s *Server) Name() string { return "api" }

// SetHealth wires the health source after construction. The supervisor
// reports health but is built after the server it supervises; call
// this before Start.
func (s *Server) SetHealth(h HealthSource) { s.sources.Health = h }

// Crashed reports a serve failure after a successful Start. The
// channel is replaced on every Start.
func (s *Server) Crashed() <-chan error { return s.crashed }

// Router exposes the handler tree for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// requestLog logs every request and feeds the API metrics. The route
// template keeps the metric label cardinality bounded.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, route, strconv.Itoa(status), float64(latency.Milliseconds()))

		event := s.log.Info()
		if status >= http.StatusInternalServerError {
			event = s.log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func parseLimit(c *gin.Context, fallback int) (int, bool) {
	raw := c.DefaultQuery("limit", strconv.Itoa(fallback))
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return limit, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id format"})
		return uuid.Nil, false
	}
	return id, true
}
