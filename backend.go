package isoflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/isoflow/internal/cache"
	"github.com/drblury/isoflow/internal/iso20022"
	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/pipeline"
	"github.com/drblury/isoflow/internal/preprocess"
	"github.com/drblury/isoflow/internal/reconcile"
	runtimepkg "github.com/drblury/isoflow/internal/runtime"
	errspkg "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/store"
	"github.com/drblury/isoflow/internal/submission"
	"github.com/drblury/isoflow/internal/validation"
	"github.com/drblury/isoflow/transport"
	_ "github.com/drblury/isoflow/transport/transports"
)

const schemaCacheTTL = 10 * time.Minute

// BackendOptions holds the optional collaborators of a Backend. A nil
// Network runs the in-process simulator, which publishes its events onto
// Config.NetworkEventsTopic. Registry enables institution registration checks
// during preprocessing and Routes maps BIC country codes to target chains.
// MetricsSink defaults to a Prometheus sink when Config.MetricsEnabled.
type BackendOptions struct {
	Network     network.Client
	Registry    preprocess.InstitutionRegistry
	Routes      map[string]string
	Schemas     validation.SchemaProvider
	MetricsSink metrics.Sink
	Hooks       JobHooks
	Middlewares []MiddlewareRegistration
	Transport   *transport.Transport
}

// Backend is a fully wired message backend. Simulator is set when no Network
// option was given.
type Backend struct {
	Conf         Config
	Service      *Service
	Store        store.Store
	Cache        cache.Cache
	Network      network.Client
	Simulator    *network.Simulator
	Validator    *validation.Service
	Preprocessor *preprocess.Preprocessor
	Orchestrator *submission.Orchestrator
	Reconciler   *reconcile.Reconciler

	closers []func() error
}

// NewBackend assembles a Backend from conf. Zero config values take their
// defaults.
func NewBackend(ctx context.Context, conf Config, logger ServiceLogger, opts BackendOptions) (_ *Backend, err error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("isoflow: invalid config: %w", err)
	}

	b := &Backend{Conf: conf}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	sink := opts.MetricsSink
	if sink == nil && conf.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	}
	sink = metrics.OrNop(sink)

	if err := b.openStore(ctx, logger); err != nil {
		return nil, err
	}
	if err := b.openCache(ctx, logger); err != nil {
		return nil, err
	}

	b.Service, err = runtimepkg.NewService(ctx, &b.Conf, logger, runtimepkg.ServiceDependencies{
		Middlewares: opts.Middlewares,
		Transport:   opts.Transport,
		MetricsSink: sink,
		Hooks:       MetricsHooks(sink).Merge(opts.Hooks),
	})
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.Service.Close)

	client := opts.Network
	if client == nil {
		b.Simulator = network.NewSimulator(
			network.WithEventPublisher(b.Service.Publisher(), conf.NetworkEventsTopic),
			network.WithSimulatorLogger(logger),
		)
		client = b.Simulator
	}
	b.Network = network.NewBreakerClient(client, network.BreakerSettings{
		MaxRequests:    conf.BreakerMaxRequests,
		Interval:       conf.BreakerInterval,
		Timeout:        conf.BreakerTimeout,
		FailureRatio:   conf.BreakerFailureRatio,
		MinimumSamples: conf.BreakerMinimumSamples,
	}, logger)

	b.Validator, err = validation.NewService(b.Store, opts.Schemas,
		validation.WithPipelineConfig(pipeline.Config{
			MaxConcurrent:      conf.PipelineMaxConcurrent,
			CacheResults:       conf.PipelineCacheResults,
			FailFast:           conf.PipelineFailFast,
			MaxRetries:         conf.StageMaxRetries,
			RetryDelay:         conf.StageRetryDelay,
			ExponentialBackoff: conf.StageExponentialBackoff,
			Timeout:            conf.StageTimeout,
		}),
		validation.WithSchemaCache(b.Cache, schemaCacheTTL),
		validation.WithMetricsSink(sink),
		validation.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	preOpts := []preprocess.Option{
		preprocess.WithDefaultChain(conf.DefaultTargetChain),
		preprocess.WithRoutes(opts.Routes),
		preprocess.WithLogger(logger),
	}
	if opts.Registry != nil {
		preOpts = append(preOpts, preprocess.WithRegistry(opts.Registry))
	}
	b.Preprocessor = preprocess.New(b.Store, preOpts...)

	b.Orchestrator, err = submission.New(submission.Dependencies{
		Store:        b.Store,
		Network:      b.Network,
		Parser:       iso20022.NewParser(),
		Validator:    b.Validator,
		Preprocessor: b.Preprocessor,
	},
		submission.WithConfig(submission.Config{
			MaxMessageRetries:   conf.MaxMessageRetries,
			ConfirmationTimeout: conf.ConfirmationTimeout,
			StatusCacheTTL:      conf.StatusCacheTTL,
		}),
		submission.WithStatusCache(b.Cache),
		submission.WithMetricsSink(sink),
		submission.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	b.Reconciler, err = reconcile.New(b.Store,
		reconcile.WithNotifications(b.Service, conf.NotificationsTopic),
		reconcile.WithStatusCache(b.Cache),
		reconcile.WithMetricsSink(sink),
		reconcile.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err := b.Reconciler.Register(b.Service); err != nil {
		return nil, err
	}

	logger.Info("Message backend ready", LogFields{
		"pubsub_system":   conf.PubSubSystem,
		"database_driver": conf.DatabaseDriver,
		"redis":           conf.RedisURL != "",
	})
	return b, nil
}

func (b *Backend) openStore(ctx context.Context, logger ServiceLogger) error {
	if b.Conf.DatabaseURL == "" {
		b.Store = store.NewMemoryStore()
		return nil
	}
	s, err := store.Open(ctx, b.Conf.DatabaseDriver, b.Conf.DatabaseURL)
	if err != nil {
		logger.Error("Failed to open message store", err, LogFields{"driver": b.Conf.DatabaseDriver})
		return err
	}
	b.Store = s
	b.closers = append(b.closers, s.Close)
	return nil
}

func (b *Backend) openCache(ctx context.Context, logger ServiceLogger) error {
	if b.Conf.RedisURL == "" {
		b.Cache = cache.NewMemoryCache()
		return nil
	}
	c, err := cache.DialRedis(ctx, b.Conf.RedisURL, cache.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to connect to redis", err, nil)
		return err
	}
	b.Cache = c
	b.closers = append(b.closers, c.Close)
	return nil
}

// Start runs the event router until ctx is cancelled.
func (b *Backend) Start(ctx context.Context) error {
	return b.Service.Start(ctx)
}

// Close releases the router, the cache and the store, in that order.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
