package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/backoff"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/ext"
	mw "github.com/zakinabdul/appointflow/middleware"
	"github.com/zakinabdul/appointflow/observability"
	"github.com/zakinabdul/appointflow/render"
	"github.com/zakinabdul/appointflow/retention"
	"github.com/zakinabdul/appointflow/runner"
	"github.com/zakinabdul/appointflow/store"
	"github.com/zakinabdul/appointflow/transport"
	"github.com/zakinabdul/appointflow/worker"
)

const instrumentationName = "github.com/zakinabdul/appointflow"

// Engine owns the runner, the worker pool, the DLQ service, the retention
// sweeper and the extension registry, all built over one Store.
type Engine struct {
	cfg        appointflow.Config
	store      store.Store
	transport  transport.Transport
	renderer   render.Renderer
	logger     *slog.Logger
	extensions *ext.Registry
	mws        []mw.Middleware
	bo         backoff.Strategy
	breaker    *transport.BreakerConfig

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	pool       *worker.Pool
	runner     *runner.Runner
	dlqService *dlq.Service
	sweeper    *retention.Sweeper

	pendingExts []ext.Extension
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg appointflow.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithTransport sets the email transport. Required.
func WithTransport(t transport.Transport) Option {
	return func(eng *Engine) { eng.transport = t }
}

// WithRenderer sets the message renderer. Defaults to the built-in
// html/template renderer.
func WithRenderer(r render.Renderer) Option {
	return func(eng *Engine) { eng.renderer = r }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pendingExts = append(eng.pendingExts, e) }
}

// WithMiddleware adds middleware after the default delivery chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the delay strategy between batch step attempts.
// If not set, exponential backoff from the configured base and max is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithBreaker wraps the transport in a circuit breaker so a run of
// provider failures surfaces as a systemic failure.
func WithBreaker(cfg transport.BreakerConfig) Option {
	return func(eng *Engine) { eng.breaker = &cfg }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the metrics
// middleware and the observability extension. If not set, the global
// provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:    appointflow.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}
	if eng.store == nil {
		return nil, appointflow.ErrNoStore
	}
	if eng.transport == nil {
		return nil, appointflow.ErrNoTransport
	}
	if eng.renderer == nil {
		r, err := render.NewTemplateRenderer()
		if err != nil {
			return nil, fmt.Errorf("build renderer: %w", err)
		}
		eng.renderer = r
	}
	logger := eng.logger

	eng.extensions = ext.NewRegistry(logger)

	// Register the observability metrics extension first.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	for _, e := range eng.pendingExts {
		eng.extensions.Register(e)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default chain: recover → tracing → metrics → logging → rate limit → timeout.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	if eng.cfg.SendRateLimit > 0 {
		burst := max(eng.cfg.SendRateBurst, 1)
		allMws = append(allMws, mw.RateLimit(rate.NewLimiter(rate.Limit(eng.cfg.SendRateLimit), burst)))
	}
	allMws = append(allMws, mw.Timeout(eng.cfg.SendTimeout))
	allMws = append(allMws, eng.mws...)

	tr := eng.transport
	if eng.breaker != nil {
		tr = transport.NewBreaker(tr, *eng.breaker, logger)
	}

	executor := worker.NewExecutor(tr, eng.renderer, eng.cfg.FrontendURL, logger, allMws...)
	eng.pool = worker.NewPool(executor, logger, worker.WithConcurrency(eng.cfg.Concurrency))

	// The DLQ service and the runner depend on each other.
	eng.dlqService = dlq.NewService(eng.store, nil)

	runnerOpts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithEmitter(eng.extensions),
		runner.WithDeadLetter(eng.dlqService),
	}
	if eng.bo != nil {
		runnerOpts = append(runnerOpts, runner.WithBackoff(eng.bo))
	}
	eng.runner = runner.New(eng.store, eng.pool, eng.cfg, runnerOpts...)
	eng.dlqService.SetResumer(eng.runner)

	sweeper, err := retention.NewSweeper(eng.store, eng.cfg.RetentionWindow, eng.cfg.RetentionSchedule,
		retention.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", appointflow.ErrConfiguration, err)
	}
	eng.sweeper = sweeper

	return eng, nil
}

// Start resumes jobs interrupted by a previous shutdown or crash and
// starts the retention sweeper.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	n, err := eng.runner.ResumeAll(ctx)
	if err != nil {
		// Non-fatal: the remaining jobs are picked up on the next start.
		eng.logger.Warn("failed to resume interrupted jobs",
			slog.Int("resumed", n),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Stop gracefully shuts down the engine. Running jobs stop at their next
// batch boundary and stay resumable.
func (eng *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := eng.sweeper.Stop(ctx); err != nil {
		eng.logger.Error("retention sweeper stop error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := eng.runner.Close(ctx); err != nil {
		eng.logger.Error("runner stop error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	eng.extensions.EmitShutdown(ctx)
	return errors.Join(errs...)
}

// Runner returns the job runner.
func (eng *Engine) Runner() *runner.Runner { return eng.runner }

// DLQ returns the dead letter queue service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Store returns the persistence backend.
func (eng *Engine) Store() store.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Config returns the validated configuration.
func (eng *Engine) Config() appointflow.Config { return eng.cfg }

// Sweeper returns the retention sweeper.
func (eng *Engine) Sweeper() *retention.Sweeper { return eng.sweeper }
