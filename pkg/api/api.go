package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/leaderelection"
	"github.com/telekom/k8s-lease-elector/pkg/lease"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
	"github.com/telekom/k8s-lease-elector/pkg/ratelimit"
	"github.com/telekom/k8s-lease-elector/pkg/system"
)

const shutdownTimeout = 5 * time.Second

// LeaderStatus is the view of the elector the API reports on.
type LeaderStatus interface {
	Running() bool
	IsLeader() bool
	Standalone() bool
	Config() elector.Config
	Lease(ctx context.Context) (*lease.Lease, error)
}

var _ LeaderStatus = (*elector.Elector)(nil)

type Server struct {
	gin     *gin.Engine
	log     *zap.SugaredLogger
	status  LeaderStatus
	gate    *leaderelection.Gate
	limiter *ratelimit.Limiter
}

// NewServer builds the router. gate may be nil, in which case /api/leader ignores ?wait=.
func NewServer(log *zap.Logger, status LeaderStatus, gate *leaderelection.Gate, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	if debug {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: []string{"http://localhost:5173", "http://127.0.0.1:8080"},
				AllowMethods: []string{"GET", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	s := &Server{
		gin:     engine,
		log:     log.Sugar().Named("api"),
		status:  status,
		gate:    gate,
		limiter: ratelimit.New(ratelimit.DefaultConfig(), nil),
	}
	engine.Use(s.limiter.Middleware("/healthz", "/readyz", "/metrics"), s.requestLogger())

	engine.GET("healthz", s.healthz)
	engine.GET("readyz", s.readyz)
	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))

	r := engine.Group("api")
	r.GET("leader", s.getLeader)
	r.GET("lease", s.getLease)
	r.GET("buildinfo", s.getBuildInfo)

	return s
}

// Handler returns the router for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Listen on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Infow("Status API listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close stops background work of the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// requestLogger stores a logger carrying a request id under system.ReqLoggerKey.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set(system.ReqLoggerKey, s.log.With("request_id", requestID, "path", c.FullPath()))
		c.Next()
	}
}
