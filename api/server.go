// Package api exposes the trust layer over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	snowrail "github.com/Colombia-Blockchain/snowrail-core"
	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// Service is the trust layer as seen by the handlers.
type Service interface {
	Validate(ctx context.Context, url string, amount int64) (*types.ValidationResult, error)
	CreateIntent(ctx context.Context, req snowrail.IntentRequest) (*types.PaymentIntent, *types.ValidationResult, error)
	Authorize(ctx context.Context, intentID string) (*authorization.Authorization, error)
	Confirm(ctx context.Context, intentID, signature string) (*types.Receipt, error)
	Intent(ctx context.Context, intentID string) (*types.PaymentIntent, error)
	Status(ctx context.Context, intentID string) (*types.PaymentStatus, error)
	Health(ctx context.Context) *types.HealthReport
}

var _ Service = (*snowrail.SnowRail)(nil)

// Config configures the HTTP surface.
type Config struct {
	AllowOrigins   []string
	RateLimitRPS   int
	RateLimitBurst int
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Server holds the gin engine and its dependencies.
type Server struct {
	svc     Service
	engine  *gin.Engine
	limiter *RateLimiter
	logger  logger.Logger
}

func New(svc Service, cfg Config, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:    svc,
		engine: gin.New(),
		logger: logger.OrNoop(log),
	}

	s.engine.Use(requestID(), accessLog(s.logger), recovery(s.logger))
	s.engine.Use(cors.New(corsConfig(cfg.AllowOrigins)))
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		s.engine.Use(s.limiter.Middleware())
	}

	s.attachRoutes(cfg.Metrics)
	return s
}

func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders: []string{"Content-Length", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
		return cc
	}
	cc.AllowOrigins = origins
	cc.AllowCredentials = true
	return cc
}

func (s *Server) attachRoutes(metrics http.Handler) {
	s.engine.GET("/health", s.health)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/sentinel/validate", s.validate)

		x402 := v1.Group("/payments/x402")
		x402.POST("/intent", s.createIntent)
		x402.POST("/sign", s.sign)
		x402.POST("/confirm", s.confirm)
		x402.GET("/status/:intentId", s.status)
		x402.GET("/intent/:intentId", s.intent)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Error: "route not found", Code: types.ErrCodeNotFound})
	})
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
