package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/platform/config"
	"github.com/storefront/orders-api/internal/platform/observability"
	"github.com/storefront/orders-api/internal/repositories"
	"github.com/storefront/orders-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders  services.OrderService
	Catalog services.CatalogService
	System  services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Dispatcher   *services.AsyncEventDispatcher

	closers []func(context.Context) error
}

type containerOptions struct {
	publisher    services.OrderEventPublisher
	closers      []func(context.Context) error
	metrics      services.WorkflowMetrics
	logger       *zap.Logger
	build        services.BuildInfo
	clock        func() time.Time
	extraChecks  []repositories.DependencyCheck
	storageCheck string
	idGenerator  func() string
}

// Option customises container assembly.
type Option func(*containerOptions)

// WithPublisher routes order events through publisher. The optional closer runs after the
// dispatcher drains during Close.
func WithPublisher(publisher services.OrderEventPublisher, closer func(context.Context) error) Option {
	return func(o *containerOptions) {
		o.publisher = publisher
		if closer != nil {
			o.closers = append(o.closers, closer)
		}
	}
}

// WithCloser registers an extra resource released by Close, after the registry.
func WithCloser(closer func(context.Context) error) Option {
	return func(o *containerOptions) {
		if closer != nil {
			o.closers = append(o.closers, closer)
		}
	}
}

// WithWorkflowMetrics records workflow outcomes, retries and notification failures.
func WithWorkflowMetrics(metrics services.WorkflowMetrics) Option {
	return func(o *containerOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets the base logger services derive their event loggers from.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithBuildInfo sets the metadata reported by the system service.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides identifier generation for orders and products.
func WithIDGenerator(gen func() string) Option {
	return func(o *containerOptions) {
		o.idGenerator = gen
	}
}

// WithHealthChecks adds readiness probes next to the storage backend check.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) {
		o.extraChecks = append(o.extraChecks, checks...)
	}
}

// WithStorageCheckName renames the storage readiness probe (defaults to the configured backend).
func WithStorageCheckName(name string) Option {
	return func(o *containerOptions) {
		o.storageCheck = name
	}
}

// NewContainer constructs the runtime dependencies. Production wiring passes a real
// registry and publisher, while tests can supply the in-memory store.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = observability.FromContext(ctx)
	}

	c := &Container{
		Config:       cfg,
		Repositories: reg,
		closers:      options.closers,
	}

	var events services.OrderEventPublisher
	if options.publisher != nil {
		dispatcher, err := services.NewAsyncEventDispatcher(services.AsyncEventDispatcherDeps{
			Publisher:   options.publisher,
			Workers:     cfg.Workflow.NotificationWorkers,
			QueueSize:   cfg.Workflow.NotificationQueueSize,
			MaxAttempts: cfg.Workflow.NotificationMaxAttempts,
			Timeout:     cfg.Workflow.NotificationTimeout,
			Backoff:     workflowBackoff(cfg.Workflow),
			Metrics:     options.metrics,
			Logger:      observability.EventLogger(options.logger.Named("events")),
		})
		if err != nil {
			return nil, fmt.Errorf("build event dispatcher: %w", err)
		}
		c.Dispatcher = dispatcher
		events = dispatcher
	}

	svc, err := buildServices(reg, cfg, options, events)
	if err != nil {
		if c.Dispatcher != nil {
			_ = c.Dispatcher.Close(ctx)
		}
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close drains pending order events, then releases publishers, the registry and any extra closers.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Dispatcher != nil {
		if err := c.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event dispatcher: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	for _, closer := range c.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(reg repositories.Registry, cfg config.Config, options containerOptions, events services.OrderEventPublisher) (Services, error) {
	var svc Services
	logger := options.logger

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Catalog:     reg.Catalog(),
		Clock:       options.clock,
		IDGenerator: options.idGenerator,
		Logger:      observability.EventLogger(logger.Named("catalog")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Catalog:    reg.Catalog(),
		Orders:     reg.Orders(),
		Counters:   reg.Counters(),
		UnitOfWork: reg,
		Retry: services.RetryPolicy{
			MaxAttempts: cfg.Workflow.MaxAttempts,
			TxTimeout:   cfg.Workflow.TxTimeout,
			Backoff:     workflowBackoff(cfg.Workflow),
		},
		Clock:       options.clock,
		IDGenerator: options.idGenerator,
		Events:      events,
		Metrics:     options.metrics,
		Logger:      observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	checkName := options.storageCheck
	if checkName == "" {
		checkName = cfg.Storage.Backend
	}
	if checkName == "" {
		checkName = "storage"
	}
	checks := append([]repositories.DependencyCheck{repositories.RegistryCheck(checkName, reg)}, options.extraChecks...)
	healthRepo, err := repositories.NewDependencyHealthRepository(options.clock, checks...)
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}

	build := options.build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            options.clock,
		Build:            build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

func workflowBackoff(cfg config.WorkflowConfig) gax.Backoff {
	return gax.Backoff{
		Initial:    cfg.BackoffInitial,
		Max:        cfg.BackoffMax,
		Multiplier: cfg.BackoffMultiplier,
	}
}
