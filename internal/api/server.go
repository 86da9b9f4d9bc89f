// Package api is the HTTP boundary of the pool: members fetch their nonce
// range, submit contributions and register through it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/bardlex/orepool/internal/aggregator"
	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/log"
)

// MemberStore resolves and registers members.
type MemberStore interface {
	GetByAuthority(ctx context.Context, authority pool.Pubkey) (*pool.Member, error)
	GetOrCreateMember(ctx context.Context, member pool.Member) (*pool.Member, error)
}

// RateLimiter limits contribute requests per authority.
type RateLimiter interface {
	AllowContribution(ctx context.Context, authority pool.Pubkey, limit int64) (bool, error)
}

// Registrar opens member accounts on chain.
type Registrar interface {
	Register(ctx context.Context, authority pool.Pubkey) (uint64, error)
	Pool() pool.Pubkey
}

// EventSink receives accepted contributions.
type EventSink interface {
	PublishContribution(ctx context.Context, c pool.Contribution) error
}

// Metrics records contribution outcomes.
type Metrics interface {
	WriteContribution(c pool.Contribution)
	WriteRejection(reason string, at time.Time)
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ContributeLimit int64
	MemberCacheSize int
	// ValidationWorkers bounds concurrent proof-of-work checks.
	ValidationWorkers int64
	PublishTimeout    time.Duration
}

// Deps are the collaborators of the server. Limiter, Events and Metrics may
// be nil.
type Deps struct {
	Aggregator *aggregator.Aggregator
	Validator  *validation.ContributionValidator
	Members    MemberStore
	Registrar  Registrar
	Limiter    RateLimiter
	Events     EventSink
	Metrics    Metrics
	Health     []HealthCheck
}

// Server serves the pool HTTP API.
type Server struct {
	cfg       Config
	agg       *aggregator.Aggregator
	validator *validation.ContributionValidator
	members   *memberCache
	registrar Registrar
	limiter   RateLimiter
	events    EventSink
	metrics   Metrics
	health    []HealthCheck
	workers   *semaphore.Weighted
	logger    *log.Logger

	engine     *gin.Engine
	httpServer *http.Server
	background sync.WaitGroup
	requests   atomic.Uint64
	now        func() time.Time
}

// requestIDHeader carries the request id in and out of the API.
const requestIDHeader = "X-Request-ID"

// New builds the server and its routes. It does not listen.
func New(cfg Config, deps Deps, logger *log.Logger) (*Server, error) {
	if deps.Aggregator == nil || deps.Members == nil || deps.Registrar == nil {
		return nil, fmt.Errorf("api requires an aggregator, a member store and a registrar")
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewContributionValidator(nil)
	}
	if cfg.ValidationWorkers <= 0 {
		cfg.ValidationWorkers = 64
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}

	members, err := newMemberCache(deps.Members, cfg.MemberCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create member cache: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		agg:       deps.Aggregator,
		validator: deps.Validator,
		members:   members,
		registrar: deps.Registrar,
		limiter:   deps.Limiter,
		events:    deps.Events,
		metrics:   deps.Metrics,
		health:    deps.Health,
		workers:   semaphore.NewWeighted(cfg.ValidationWorkers),
		logger:    logger.WithComponent("api"),
		now:       time.Now,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.POST("/contribute", s.contribute)
	engine.GET("/challenge/:authority", s.challenge)
	engine.POST("/register", s.register)
	engine.GET("/health", s.healthz)
	s.engine = engine

	return s, nil
}

// Handler returns the routed gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("HTTP server listening", "address", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve on %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight publishes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// requestLogger tags each request with an id, taken from the client when
// present, and logs it once served.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = strconv.FormatUint(s.requests.Add(1), 36)
		}
		c.Header(requestIDHeader, reqID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), log.RequestIDKey, reqID))

		c.Next()
		s.logger.WithContext(c.Request.Context()).Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start))/float64(time.Millisecond),
		)
	}
}
