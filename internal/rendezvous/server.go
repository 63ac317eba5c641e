package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/discovery"
	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	DEFAULT_PORT        = 3001
	JOIN_TIMEOUT        = 10 * time.Second
	OUTBOX_SIZE         = 64
	SHUTDOWN_TIMEOUT    = 5 * time.Second
	WRITE_TIMEOUT       = 10 * time.Second
	ADVERTISE_INSTANCE  = "dropzone-rendezvous"
	RENDEZVOUS_ENDPOINT = "/ws"
)

// Server contains the necessary data to run the rendezvous server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	registry   *Registry
	logger     *zap.Logger
	version    string
	port       int
	advertise  bool
}

type Option func(*Server)

func WithLogger(lgr *zap.Logger) Option {
	return func(s *Server) {
		s.logger = lgr
	}
}

// WithAdvertise toggles the mDNS advertisement of the server on the local network.
func WithAdvertise(advertise bool) Option {
	return func(s *Server) {
		s.advertise = advertise
	}
}

// NewServer constructs a new Server struct and setups the routes. The server
// listens on all interfaces, so peers on the LAN can reach it.
func NewServer(port int, version string, opts ...Option) *Server {
	router := &mux.Router{}
	s := &Server{
		router:   router,
		registry: NewRegistry(),
		logger:   logger.New(),
		version:  version,
		port:     port,
	}
	for _, opt := range opts {
		opt(s)
	}
	stdLoggerWrapper, _ := zap.NewStdLogAt(s.logger, zap.ErrorLevel)
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		ReadTimeout: 30 * time.Second,
		Handler:     router,
		ErrorLog:    stdLoggerWrapper,
	}
	s.routes()
	return s
}

// Handler exposes the router, used when serving through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the peer registry of the server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start runs the rendezvous server until the context is done.
func (s *Server) Start(ctx context.Context) error {
	if s.advertise {
		adv, err := discovery.Advertise(discovery.Config{
			Instance: ADVERTISE_INSTANCE,
			Port:     s.port,
			Version:  s.version,
		})
		if err != nil {
			s.logger.Warn("advertising rendezvous server on the local network", zap.Error(err))
		} else {
			defer adv.Shutdown()
			s.logger.Info("advertising rendezvous server", zap.String("service", discovery.DefaultService))
		}
	}
	return serve(ctx, s)
}

// serve is a helper function providing graceful shutdown of the server.
func serve(ctx context.Context, s *Server) error {
	errC := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
		close(errC)
	}()

	s.logger.
		With(zap.String("version", s.version)).
		With(zap.String("address", s.httpServer.Addr)).
		Info("serving rendezvous server")

	select {
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("serving rendezvous server: %w", err)
		}
	case <-ctx.Done():
	}
	s.logger.Info("rendezvous server is shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	// Evicting the mailboxes makes every connection handler return, which lets Shutdown complete.
	s.registry.Clear()
	if err := s.httpServer.Shutdown(ctxShutdown); err != nil {
		return fmt.Errorf("shutting down rendezvous server: %w", err)
	}
	s.logger.Info("rendezvous server shutdown successfully")
	return nil
}
