// Package devhub is a local support chat server speaking the same hub and
// REST protocols as production, backed by gorm. It exists for development
// and end-to-end tests of the client.
package devhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/notify"
)

const (
	defaultPort          = 8090
	defaultPing          = 25 * time.Second
	defaultResolvedAfter = time.Hour
)

// Opts holds configuration for the dev hub server.
type Opts struct {
	DB           *gorm.DB
	Port         int
	PingInterval time.Duration
	Users        []config.UserConfig
	AutoClose    config.AutoCloseConfig
	Notifier     notify.Notifier
	Registry     *prometheus.Registry
	Clock        clock.Clock
	Logger       *zap.Logger
	Out          io.Writer
}

// Server is the dev hub.
type Server struct {
	db             *gorm.DB
	port           int
	users          map[string]user
	hub            *Hub
	clock          clock.Clock
	log            *zap.Logger
	out            io.Writer
	autoClose      config.AutoCloseConfig
	resolvedAfter  time.Duration
	router         *gin.Engine
	metricsHandler http.Handler
}

// New validates opts and builds a Server.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("devhub: db is required")
	}
	if len(opts.Users) == 0 {
		return nil, fmt.Errorf("devhub: at least one user is required")
	}
	if opts.Port <= 0 {
		opts.Port = defaultPort
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPing
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		db:             opts.DB,
		port:           opts.Port,
		users:          userIndex(opts.Users),
		clock:          opts.Clock,
		log:            opts.Logger,
		out:            opts.Out,
		autoClose:      opts.AutoClose,
		resolvedAfter:  time.Duration(opts.AutoClose.ResolvedAfterMin) * time.Minute,
		metricsHandler: promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}),
	}
	if s.resolvedAfter <= 0 {
		s.resolvedAfter = defaultResolvedAfter
	}
	s.hub = newHub(opts.DB, opts.Clock, opts.Logger, newMetrics(opts.Registry), opts.Notifier, opts.PingInterval)

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.registerRoutes(s.router)
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("devhub: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("devhub: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.autoClose.Enabled {
		g.Go(func() error { return s.runAutoClose(ctx, s.autoClose.Cron) })
	}

	if s.out != nil {
		fmt.Fprintf(s.out, "Dev hub running at http://%s\n", ln.Addr())
	}
	return g.Wait()
}
