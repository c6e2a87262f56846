// Package api exposes the cached registry read path over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regulatory-mesh/regulatory-mesh/pkg/cache"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/gateway"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/observability"
	"github.com/regulatory-mesh/regulatory-mesh/pkg/resilience"
)

// Config holds HTTP server tunables
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig returns the default server tunables
func DefaultConfig() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// Pinger reports backend connectivity for health checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the gateway's fetch path over HTTP
type Server struct {
	config  Config
	router  *gin.Engine
	gateway *gateway.Gateway
	pinger  Pinger
	server  *http.Server
	logger  observability.Logger
}

// NewServer creates an HTTP server over the gateway. pinger may be nil.
func NewServer(config Config, gw *gateway.Gateway, pinger Pinger, logger observability.Logger) *Server {
	if config.ListenAddress == "" {
		config.ListenAddress = ":8080"
	}
	if logger == nil {
		logger = observability.NewLogger("api")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:  config,
		router:  router,
		gateway: gw,
		pinger:  pinger,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         config.ListenAddress,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.GET("/data/:namespace/*path", s.fetchHandler)
	v1.DELETE("/data/:namespace/*path", s.invalidateHandler)
	v1.GET("/stats", s.statsHandler)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving HTTP until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			// A dead cache backend degrades performance but not availability.
			c.JSON(http.StatusOK, gin.H{"status": "degraded", "cache": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) statsHandler(c *gin.Context) {
	stats := s.gateway.Stats()
	c.JSON(http.StatusOK, gin.H{
		"cache": gin.H{
			"hits":          stats.Cache.Hits,
			"misses":        stats.Cache.Misses,
			"entries":       stats.Cache.Entries,
			"usage_bytes":   stats.Cache.UsageBytes,
			"budget_bytes":  stats.Cache.BudgetBytes,
			"pattern_count": stats.Cache.PatternCount,
		},
		"dedup": gin.H{
			"coalesced":        stats.Resilience.Dedup.Coalesced,
			"served_completed": stats.Resilience.Dedup.ServedCompleted,
			"active":           stats.Resilience.Dedup.Active,
			"completed":        stats.Resilience.Dedup.Completed,
		},
		"queue": gin.H{
			"depth":      stats.Resilience.Queue.Depth,
			"in_window":  stats.Resilience.Queue.InWindow,
			"dispatched": stats.Resilience.Queue.Dispatched,
			"rejected":   stats.Resilience.Queue.Rejected,
		},
		"service_state": string(stats.ServiceState),
	})
}

func (s *Server) fetchHandler(c *gin.Context) {
	namespace := c.Param("namespace")
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty resource path"})
		return
	}

	opts := gateway.FetchOptions{MinFreshness: cache.FreshnessRecent, Priority: 3}
	params := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "freshness":
			freshness, err := cache.ParseFreshness(values[0])
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			opts.MinFreshness = freshness
		case "priority":
			priority, err := strconv.Atoi(values[0])
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be an integer"})
				return
			}
			opts.Priority = priority
		default:
			params[key] = values[0]
		}
	}

	payload, err := s.gateway.Fetch(c.Request.Context(), namespace, path, params, opts)
	if err != nil {
		status := statusForError(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) invalidateHandler(c *gin.Context) {
	namespace := c.Param("namespace")
	path := strings.TrimPrefix(c.Param("path"), "/")

	params := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	s.gateway.Invalidate(c.Request.Context(), namespace, path, params)
	c.Status(http.StatusNoContent)
}

// statusForError maps composed resilience errors onto HTTP statuses
func statusForError(err error) int {
	var unavailable *resilience.ServiceUnavailableError
	if errors.As(err, &unavailable) {
		err = unavailable.Cause
	}
	switch resilience.KindOf(err) {
	case resilience.KindNotFound:
		return http.StatusNotFound
	case resilience.KindValidation:
		return http.StatusBadRequest
	case resilience.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
