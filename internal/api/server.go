// Package api serves the dashboard: read-only JSON snapshots of the
// pipeline, a token-gated mutation surface for the monitored coin set, CSV
// export, prometheus metrics, and a websocket push channel.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-intel-bot/config"
	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/cache"
	"market-intel-bot/internal/database"
	"market-intel-bot/internal/signal"
)

// FeedStatus drives the dashboard connection indicator.
type FeedStatus interface {
	Connected() bool
}

// SignalLister reads persisted signals for the export endpoint.
type SignalLister interface {
	ListSignals(ctx context.Context, since time.Time, limit int) ([]database.SignalRow, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg        config.DashboardConfig
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
	log        zerolog.Logger

	buffers   *buffer.Manager
	flow      *analyzer.OrderFlow
	pipe      *signal.Pipeline
	validator *signal.Validator
	scorer    *signal.Scorer
	repo      SignalLister
	feed      FeedStatus
	coins     *CoinSet
	snapCache *cache.SnapshotCache

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Deps carries everything the dashboard reads from.
type Deps struct {
	Buffers   *buffer.Manager
	Flow      *analyzer.OrderFlow
	Pipeline  *signal.Pipeline
	Validator *signal.Validator
	Scorer    *signal.Scorer
	Repo      SignalLister
	Feed      FeedStatus
	Coins     *CoinSet
	Cache     *cache.SnapshotCache

	// Hub may be pre-built so the pipeline can hold it as a sink before the
	// server exists; NewServer creates one otherwise.
	Hub *Hub
}

func NewServer(cfg config.DashboardConfig, deps Deps, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(cfg.APIToken, log)
	}

	s := &Server{
		cfg:       cfg,
		router:    router,
		hub:       hub,
		log:       log.With().Str("component", "api").Logger(),
		buffers:   deps.Buffers,
		flow:      deps.Flow,
		pipe:      deps.Pipeline,
		validator: deps.Validator,
		scorer:    deps.Scorer,
		repo:      deps.Repo,
		feed:      deps.Feed,
		coins:     deps.Coins,
		snapCache: deps.Cache,
		limiters:  make(map[string]*rate.Limiter),
	}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

// Hub exposes the push channel so the pipeline can use it as a sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWS)

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/orderflow", s.handleOrderFlow)
		api.GET("/signals", s.handleSignals)
		api.GET("/signals/export", s.handleExport)
		api.GET("/coins", s.handleListCoins)
	}

	// Mutations are token-gated and rate limited per remote address.
	mutations := s.router.Group("/api", s.authMiddleware(), s.rateLimitMiddleware())
	{
		mutations.POST("/coins", s.handleAddCoin)
		mutations.DELETE("/coins/:symbol", s.handleRemoveCoin)
		mutations.POST("/coins/:symbol/toggle", s.handleToggleCoin)
	}
}

// authMiddleware checks the shared bearer token in constant time.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIToken == "" {
			errorResponse(c, http.StatusForbidden, "mutations disabled: no api token configured")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			errorResponse(c, http.StatusUnauthorized, "invalid token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware enforces the per-IP mutation budget.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	perMin := s.cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 30
	}
	return func(c *gin.Context) {
		if !s.limiterFor(c.ClientIP(), perMin).Allow() {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) limiterFor(ip string, perMin int) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		s.limiters[ip] = lim
	}
	return lim
}

// RunBroadcaster pushes periodic stats and order-flow snapshots to the hub.
func (s *Server) RunBroadcaster(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.Broadcast(EventStatsUpdate, s.statsPayload(ctx))
			s.hub.Broadcast(EventOrderFlowUpdate, s.orderFlowPayload(ctx))
		}
	}
}

// Start blocks serving HTTP; ErrServerClosed is not an error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("dashboard listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": true, "message": message})
}

func successResponse(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
