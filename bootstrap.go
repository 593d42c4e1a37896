// Package bootstrap wires a service into its telemetry and health backends
// through one idempotent startup sequence. A service builds a Handle with
// New, optionally calls the configuration entry points any number of times
// and in any order, then calls Start when it begins accepting traffic and
// Shutdown when it exits.
//
// Repeated or overlapping configuration calls are merged: instrumentation
// sources and exporter specs pass through dedup gates, so composing the same
// capability from two code paths produces the same pipeline as composing it
// once. Calling New twice yields two independent handles that are each
// internally deduplicated but never merged; services are expected to call it
// exactly once per process.
package bootstrap

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/signalfold/bootstrap/health"
	"github.com/signalfold/bootstrap/logging"
	"github.com/signalfold/bootstrap/pipeline"
)

// Instrumentation source keys. Registering the same key twice is a no-op.
const (
	SourceHTTPServer = "http.server"
	SourceHTTPClient = "http.client"
	SourceDatabase   = "db.client"
)

// Handle bundles the composed pipelines, the health registry and the logger
// lifecycle. It exclusively owns all of them; they are released together by
// Shutdown.
type Handle struct {
	cfg        *Config
	logger     *logging.ServiceLogger
	descriptor *pipeline.Descriptor
	composer   *pipeline.Composer
	registry   *health.Registry

	started atomic.Bool
	runtime *pipeline.Runtime
}

// New builds a bootstrap handle from defaults, environment variables and the
// given options, composes the pipelines for every requested capability and
// registers any queued health probes. The only errors returned are option
// validation failures; everything else degrades to defaults plus a warning.
func New(opts ...Option) (*Handle, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := logging.Init(logging.Config{
		ServiceName: cfg.ServiceName,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})

	for _, warning := range cfg.normalize() {
		logger.Warn(warning, nil)
	}

	attrs := make([]pipeline.Attribute, 0, len(cfg.Attributes)+2)
	if cfg.Environment != "" {
		attrs = append(attrs, pipeline.Attribute{Key: "deployment.environment", Value: cfg.Environment})
	}
	attrs = append(attrs, cfg.Attributes...)
	attrs = append(attrs, pipeline.Attribute{Key: "bootstrap.version", Value: Version})
	descriptor, err := pipeline.NewDescriptor(pipeline.DescriptorConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Attributes:     attrs,
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{
		cfg:        cfg,
		logger:     logger,
		descriptor: descriptor,
		composer:   pipeline.NewComposer(descriptor, logger),
		registry:   health.NewRegistry(logger, cfg.ProbeTimeout),
	}

	h.composeCapabilities()

	for _, probe := range cfg.probes {
		// Duplicate names are logged by the registry; New stays non-fatal.
		_ = h.registry.Register(probe)
	}

	logger.Info("bootstrap handle composed", map[string]interface{}{
		"service":           descriptor.ServiceName(),
		"version":           descriptor.ServiceVersion(),
		"capabilities":      cfg.Capabilities,
		"endpoint":          cfg.OTLPEndpoint,
		"bootstrap_version": Version,
	})

	return h, nil
}

// composeCapabilities seeds the pipelines for every requested capability.
// Calling it again (or composing the same capability through EnableTracing
// and friends) changes nothing: every addition passes through a dedup gate.
func (h *Handle) composeCapabilities() {
	if h.cfg.hasCapability(CapabilityTracing) {
		h.EnableTracing()
	}
	if h.cfg.hasCapability(CapabilityMetrics) {
		h.EnableMetrics()
	}
	if h.cfg.hasCapability(CapabilityScrape) {
		h.EnableScrape()
	}
	if h.cfg.hasCapability(CapabilityLogging) {
		h.EnableLogging()
	}
}

func (h *Handle) pushSpec() pipeline.ExporterSpec {
	return pipeline.ExporterSpec{
		Kind:     pipeline.ExporterPush,
		Endpoint: h.cfg.OTLPEndpoint,
		Protocol: h.cfg.OTLPProtocol,
	}
}

func (h *Handle) debugSpec() pipeline.ExporterSpec {
	return pipeline.ExporterSpec{Kind: pipeline.ExporterDebug}
}

// EnableTracing composes the trace pipeline with the configured push
// exporter (plus the console sink in debug mode). Idempotent.
func (h *Handle) EnableTracing() *Handle {
	p := h.composer.Pipeline(pipeline.SignalTrace)
	p.AddExporter(h.pushSpec())
	if h.cfg.DebugExporters {
		p.AddExporter(h.debugSpec())
	}
	return h
}

// EnableMetrics composes the metric pipeline with the configured push
// exporter. Idempotent.
func (h *Handle) EnableMetrics() *Handle {
	p := h.composer.Pipeline(pipeline.SignalMetric)
	p.AddExporter(h.pushSpec())
	if h.cfg.DebugExporters {
		p.AddExporter(h.debugSpec())
	}
	return h
}

// EnableScrape adds the pull exporter to the metric pipeline; the scrape
// surface appears on the handler as GET /metrics. Idempotent.
func (h *Handle) EnableScrape() *Handle {
	h.composer.Pipeline(pipeline.SignalMetric).AddExporter(pipeline.ExporterSpec{
		Kind: pipeline.ExporterPull,
	})
	return h
}

// EnableLogging composes the log pipeline; once Start materializes it, the
// process logger mirrors every record through its exporters. Idempotent.
func (h *Handle) EnableLogging() *Handle {
	p := h.composer.Pipeline(pipeline.SignalLog)
	p.AddExporter(h.pushSpec())
	if h.cfg.DebugExporters {
		p.AddExporter(h.debugSpec())
	}
	return h
}

// InstrumentHTTPServer registers the inbound-request instrumentation source
// and returns middleware that traces every request through the composed
// pipelines. Safe to call from multiple setup paths.
func (h *Handle) InstrumentHTTPServer() func(http.Handler) http.Handler {
	h.composer.Pipeline(pipeline.SignalTrace).AddSource(SourceHTTPServer)
	h.composer.Pipeline(pipeline.SignalMetric).AddSource(SourceHTTPServer)
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, h.descriptor.ServiceName())
	}
}

// InstrumentHTTPClient registers the outbound-call instrumentation source
// and returns a traced transport for http.Client use.
func (h *Handle) InstrumentHTTPClient(base http.RoundTripper) http.RoundTripper {
	h.composer.Pipeline(pipeline.SignalTrace).AddSource(SourceHTTPClient)
	h.composer.Pipeline(pipeline.SignalMetric).AddSource(SourceHTTPClient)
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

// InstrumentDatabase registers the data-access instrumentation source and a
// connectivity probe for the pool under the conventional name
// "database-context". Registering it twice keeps the first probe and
// returns health.ErrDuplicateProbe.
func (h *Handle) InstrumentDatabase(pool *pgxpool.Pool) error {
	h.composer.Pipeline(pipeline.SignalTrace).AddSource(SourceDatabase)
	h.composer.Pipeline(pipeline.SignalMetric).AddSource(SourceDatabase)
	return h.registry.Register(health.NewPostgresProbe("", pool))
}

// RegisterProbe adds a health probe. Returns health.ErrDuplicateProbe
// (wrapped) when the name is already taken.
func (h *Handle) RegisterProbe(probe health.Probe) error {
	return h.registry.Register(probe)
}

// Health returns the probe registry for direct access.
func (h *Handle) Health() *health.Registry { return h.registry }

// Composer returns the pipeline composer for direct access.
func (h *Handle) Composer() *pipeline.Composer { return h.composer }

// Descriptor returns the shared resource descriptor.
func (h *Handle) Descriptor() *pipeline.Descriptor { return h.descriptor }

// Logger returns the process logger owned by this handle.
func (h *Handle) Logger() logging.Logger { return h.logger }

// Start freezes every composed pipeline and materializes its exporters.
// Configuration calls after Start are logged warnings, not errors, and the
// pipelines themselves no longer change. Calling Start twice is a no-op.
func (h *Handle) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		h.logger.Warn("bootstrap handle already started", nil)
		return nil
	}

	runtime, err := h.composer.Start(ctx)
	if err != nil {
		h.started.Store(false)
		return err
	}
	h.runtime = runtime

	if h.cfg.hasCapability(CapabilityLogging) && runtime.Logs != nil {
		h.logger.AttachPipeline(runtime.Logs)
	}
	return nil
}

// Runtime returns the materialized providers, or nil before Start.
func (h *Handle) Runtime() *pipeline.Runtime { return h.runtime }

// Handler returns the HTTP surface of the handle:
//
//	GET /health    — health report, JSON
//	GET /health-ui — aggregated dashboard
//	GET /metrics   — prometheus scrape surface (scrape capability only)
//
// Endpoints appear only for composed capabilities. When the inbound-request
// source is registered the whole surface is wrapped in tracing middleware.
func (h *Handle) Handler() http.Handler {
	mux := http.NewServeMux()
	if h.cfg.hasCapability(CapabilityHealth) {
		mux.Handle("/health", h.registry.Handler())
		mux.Handle("/health-ui", h.registry.UIHandler(h.descriptor.ServiceName()))
	}
	if h.runtime != nil {
		if scrape := h.runtime.ScrapeHandler(); scrape != nil {
			mux.Handle("/metrics", scrape)
		}
	}

	var handler http.Handler = mux
	if h.composer.Has(pipeline.SignalTrace) &&
		h.composer.Pipeline(pipeline.SignalTrace).Snapshot().State == pipeline.StateActive {
		snap := h.composer.Pipeline(pipeline.SignalTrace).Snapshot()
		for _, key := range snap.Sources {
			if key == SourceHTTPServer {
				handler = otelhttp.NewHandler(mux, h.descriptor.ServiceName())
				break
			}
		}
	}
	return handler
}

// Shutdown drains the pipelines within the configured shutdown budget and
// releases the logger. An exporter that exceeds the budget is abandoned; the
// returned error reports abandonment but never blocks process exit longer
// than the budget.
func (h *Handle) Shutdown(ctx context.Context) error {
	defer func() {
		h.logger.AttachPipeline(nil)
		logging.Shutdown(h.logger)
	}()

	if h.runtime == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
		defer cancel()
	}

	// Detach the mirror before draining so flush activity is not feeding
	// new records into the pipeline being drained.
	h.logger.AttachPipeline(nil)

	err := h.runtime.Shutdown(ctx)
	h.runtime = nil
	return err
}

// ShutdownTimeout returns the configured flush budget, for hosts that want
// to align their own server shutdown with it.
func (h *Handle) ShutdownTimeout() time.Duration { return h.cfg.ShutdownTimeout }
