// Package gateway exposes the campaign ledger over HTTP and WebSocket.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terminal-bench/couponledger/internal/auth"
	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/internal/summary"
	"github.com/terminal-bench/couponledger/internal/treasury"
	"github.com/terminal-bench/couponledger/shared/events"
)

// Locker serializes writes to one project across gateway replicas. A
// single-node deployment runs with NopLocker.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}

// NopLocker runs the critical section without any cross-replica lock.
type NopLocker struct{}

func (NopLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	return fn(ctx)
}

// Config holds gateway settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = 600
	}
	return c
}

// Gateway is the API surface over the campaign service.
type Gateway struct {
	cfg         Config
	router      *gin.Engine
	campaigns   *campaign.Service
	summaries   *summary.Manager
	auth        *auth.Service
	bank        treasury.Bank
	hub         *Hub
	locker      Locker
	rateLimiter *RateLimiter
	logger      zerolog.Logger

	srv *http.Server
}

// New assembles the gateway. locker may be nil for single-node runs.
func New(cfg Config, campaigns *campaign.Service, summaries *summary.Manager, authsvc *auth.Service, bank treasury.Bank, locker Locker, logger zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if locker == nil {
		locker = NopLocker{}
	}

	g := &Gateway{
		cfg:       cfg,
		router:    gin.New(),
		campaigns: campaigns,
		summaries: summaries,
		auth:      authsvc,
		bank:      bank,
		locker:    locker,
		logger:    logger.With().Str("component", "gateway").Logger(),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}
	g.hub = newHub(g.logger)

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(gin.Recovery())
	g.router.Use(g.tracingMiddleware())
	g.router.Use(g.loggingMiddleware())
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/token", g.issueToken)

		v1.POST("/instances", g.authMiddleware(), g.createInstance)
		v1.GET("/instances", g.listInstances)
		v1.GET("/instances/:slug", g.getInstance)
		v1.PUT("/instances/:slug/metadata", g.authMiddleware(), g.updateInstanceMetadata)

		v1.POST("/instances/:slug/coupons", g.authMiddleware(), g.createCoupon)
		v1.GET("/instances/:slug/coupons", g.listCoupons)
		v1.GET("/instances/:slug/coupons/:id", g.getCoupon)
		v1.PUT("/instances/:slug/coupons/:id/uri", g.authMiddleware(), g.updateCouponURI)

		v1.POST("/instances/:slug/coupons/:id/claims", g.authMiddleware(), g.createClaim)
		v1.GET("/instances/:slug/coupons/:id/claims/:addr", g.getClaim)
		v1.POST("/instances/:slug/coupons/:id/redemptions", g.authMiddleware(), g.redeem)

		v1.POST("/instances/:slug/affiliates", g.authMiddleware(), g.registerAffiliate)
		v1.GET("/instances/:slug/affiliates", g.listAffiliates)
		v1.GET("/instances/:slug/affiliates/:addr", g.getAffiliate)

		v1.POST("/instances/:slug/coupons/:id/budget/locks", g.authMiddleware(), g.lockBudget)
		v1.POST("/instances/:slug/coupons/:id/budget/withdrawals", g.authMiddleware(), g.withdrawBudget)

		v1.POST("/treasury/deposits", g.authMiddleware(), g.deposit)
		v1.GET("/treasury/balances/:currency", g.authMiddleware(), g.getBalance)

		v1.GET("/instances/:slug/summary", g.getSummary)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Router exposes the underlying engine, mainly for tests.
func (g *Gateway) Router() *gin.Engine {
	return g.router
}

// Hub returns the WebSocket hub so the composition root can plug it
// into the event fanout.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Start serves HTTP until Shutdown is called.
func (g *Gateway) Start() error {
	g.srv = &http.Server{
		Addr:         g.cfg.Addr,
		Handler:      g.router,
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
	}
	g.logger.Info().Str("addr", g.cfg.Addr).Msg("gateway listening")

	err := g.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes WebSocket clients.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.hub.CloseAll()
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("caller", campaign.Address(claims.Address))
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Request = c.Request.WithContext(events.ContextWithCorrelation(c.Request.Context(), correlationID))
		c.Next()
	}
}

func (g *Gateway) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		g.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("correlation_id", c.GetString("correlation_id")).
			Msg("request")
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func caller(c *gin.Context) campaign.Address {
	return c.MustGet("caller").(campaign.Address)
}

func (g *Gateway) withProjectLock(ctx context.Context, slug string, fn func(context.Context) error) error {
	return g.locker.WithLock(ctx, "instances/"+slug, fn)
}

// RateLimiter is a sliding-window limiter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// Allow records a request and reports whether it fits in the window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
