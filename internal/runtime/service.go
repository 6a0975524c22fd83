package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/drblury/isoflow/internal/metrics"
	configpkg "github.com/drblury/isoflow/internal/runtime/config"
	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/transport"
)

var routerRun = func(ctx context.Context, router *message.Router) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators of a Service.
type ServiceDependencies struct {
	// Middlewares are appended after the default chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// Transport is used as is when set. Otherwise Transports (or
	// transport.DefaultRegistry) builds one from Conf.PubSubSystem.
	Transport  *transport.Transport
	Transports *transport.Registry
	// MetricsSink receives poison queue and handler metrics.
	MetricsSink     metrics.Sink
	Hooks           JobHooks
	ErrorClassifier ErrorClassifier
}

// Service wires a watermill router, its transport and the middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger logging.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	transport  transport.Transport

	sink            metrics.Sink
	hooks           JobHooks
	errorClassifier ErrorClassifier

	handlers   []*registeredHandler
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService builds a Service for conf. Register handlers before Start.
func NewService(ctx context.Context, conf *configpkg.Config, log logging.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := logging.NewWatermillAdapter(log)
	log.Info("Creating event service", logging.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		sink:            metrics.OrNop(deps.MetricsSink),
		hooks:           deps.Hooks,
		errorClassifier: deps.ErrorClassifier,
	}

	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		registry := deps.Transports
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		t, err := registry.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("runtime: failed to build %s transport: %w", conf.PubSubSystem, err)
		}
		s.transport = t
	}
	s.publisher = s.transport.Publisher
	s.subscriber = s.transport.Subscriber

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.transport.Close()
		return nil, err
	}
	return s, nil
}

// Start runs the router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers(ctx)
	return routerRun(ctx, s.router)
}

// Running is closed once the router has started all handlers.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router and releases the transport.
func (s *Service) Close() error {
	return errors.Join(s.router.Close(), s.transport.Close())
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("runtime: failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

// RegisterHTTPHandler serves handler on port once Start runs.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.Logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, logging.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
