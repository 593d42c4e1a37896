package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/signalfold/bootstrap/logging"
)

// Runtime holds the materialized providers for every composed pipeline.
// It is produced by Composer.Start once the hosting process begins accepting
// traffic and is torn down by Shutdown.
type Runtime struct {
	composer *Composer
	logger   logging.Logger

	Traces  *sdktrace.TracerProvider
	Metrics *sdkmetric.MeterProvider
	Logs    *sdklog.LoggerProvider

	// prom is non-nil when the metric pipeline carries a pull exporter.
	prom *prometheus.Registry

	// drains holds one stop function per materialized exporter so shutdown
	// can flush every exporter concurrently instead of walking each
	// provider's chain in order.
	drains []drainTarget
}

type drainTarget struct {
	signal Signal
	name   string
	stop   func(context.Context) error
}

// Start freezes every composed pipeline and materializes its exporter chain
// into running providers. An exporter that cannot be constructed is logged
// and skipped rather than failing the host; telemetry composition must never
// take the service down.
func (c *Composer) Start(ctx context.Context) (*Runtime, error) {
	c.Freeze()

	rt := &Runtime{composer: c, logger: c.logger}
	res := c.descriptor.Resource()

	if c.Has(SignalTrace) {
		snap := c.Pipeline(SignalTrace).Snapshot()
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, spec := range snap.Exporters {
			exp, err := buildTraceExporter(ctx, spec)
			if err != nil {
				c.warnExporter(SignalTrace, spec, err)
				continue
			}
			proc := sdktrace.NewBatchSpanProcessor(exp)
			opts = append(opts, sdktrace.WithSpanProcessor(proc))
			rt.drains = append(rt.drains, drainTarget{SignalTrace, spec.String(), proc.Shutdown})
		}
		rt.Traces = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(rt.Traces)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
	}

	if c.Has(SignalMetric) {
		snap := c.Pipeline(SignalMetric).Snapshot()
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, spec := range snap.Exporters {
			reader, reg, err := buildMetricReader(ctx, spec)
			if err != nil {
				c.warnExporter(SignalMetric, spec, err)
				continue
			}
			opts = append(opts, sdkmetric.WithReader(reader))
			rt.drains = append(rt.drains, drainTarget{SignalMetric, spec.String(), reader.Shutdown})
			if reg != nil {
				rt.prom = reg
			}
		}
		rt.Metrics = sdkmetric.NewMeterProvider(opts...)
		otel.SetMeterProvider(rt.Metrics)
	}

	if c.Has(SignalLog) {
		snap := c.Pipeline(SignalLog).Snapshot()
		opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
		for _, spec := range snap.Exporters {
			proc, err := buildLogProcessor(ctx, spec)
			if err != nil {
				c.warnExporter(SignalLog, spec, err)
				continue
			}
			opts = append(opts, sdklog.WithProcessor(proc))
			rt.drains = append(rt.drains, drainTarget{SignalLog, spec.String(), proc.Shutdown})
		}
		rt.Logs = sdklog.NewLoggerProvider(opts...)
		global.SetLoggerProvider(rt.Logs)
	}

	c.logger.Info("telemetry pipelines active", map[string]interface{}{
		"service": c.descriptor.ServiceName(),
		"trace":   rt.Traces != nil,
		"metric":  rt.Metrics != nil,
		"log":     rt.Logs != nil,
		"scrape":  rt.prom != nil,
	})

	return rt, nil
}

func (c *Composer) warnExporter(signal Signal, spec ExporterSpec, err error) {
	c.logger.Warn("exporter skipped", map[string]interface{}{
		"signal":   string(signal),
		"exporter": spec.String(),
		"error":    err.Error(),
	})
}

func buildTraceExporter(ctx context.Context, spec ExporterSpec) (sdktrace.SpanExporter, error) {
	switch spec.Kind {
	case ExporterPush:
		if spec.Protocol == ProtocolText {
			return otlptracehttp.New(ctx,
				otlptracehttp.WithEndpoint(hostPort(spec.Endpoint)),
				otlptracehttp.WithInsecure(),
			)
		}
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(hostPort(spec.Endpoint)),
			otlptracegrpc.WithInsecure(),
		)
	case ExporterDebug:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("exporter kind %q is not valid for traces", spec.Kind)
	}
}

func buildMetricReader(ctx context.Context, spec ExporterSpec) (sdkmetric.Reader, *prometheus.Registry, error) {
	switch spec.Kind {
	case ExporterPush:
		if spec.Protocol == ProtocolText {
			exp, err := otlpmetrichttp.New(ctx,
				otlpmetrichttp.WithEndpoint(hostPort(spec.Endpoint)),
				otlpmetrichttp.WithInsecure(),
			)
			if err != nil {
				return nil, nil, err
			}
			return sdkmetric.NewPeriodicReader(exp), nil, nil
		}
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(hostPort(spec.Endpoint)),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil
	case ExporterPull:
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, nil, err
		}
		return exp, reg, nil
	case ExporterDebug:
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter kind %q", spec.Kind)
	}
}

func buildLogProcessor(ctx context.Context, spec ExporterSpec) (sdklog.Processor, error) {
	switch spec.Kind {
	case ExporterPush:
		if spec.Protocol == ProtocolText {
			exp, err := otlploghttp.New(ctx,
				otlploghttp.WithEndpoint(hostPort(spec.Endpoint)),
				otlploghttp.WithInsecure(),
			)
			if err != nil {
				return nil, err
			}
			return sdklog.NewBatchProcessor(exp), nil
		}
		exp, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpoint(hostPort(spec.Endpoint)),
			otlploggrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		return sdklog.NewBatchProcessor(exp), nil
	case ExporterDebug:
		exp, err := stdoutlog.New()
		if err != nil {
			return nil, err
		}
		return sdklog.NewSimpleProcessor(exp), nil
	default:
		return nil, fmt.Errorf("exporter kind %q is not valid for logs", spec.Kind)
	}
}

// hostPort strips a URL scheme if present; the OTLP exporter options take a
// bare host:port and add the path themselves.
func hostPort(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

// ScrapeHandler returns the promhttp handler for the pull exporter, or nil
// when no pull exporter was composed for the metric pipeline.
func (rt *Runtime) ScrapeHandler() http.Handler {
	if rt.prom == nil {
		return nil
	}
	return promhttp.HandlerFor(rt.prom, promhttp.HandlerOpts{})
}

// Shutdown drains every materialized exporter concurrently. Each exporter
// gets the remainder of the deadline to flush and close; one that exceeds it
// is abandoned so a hung exporter cannot block process exit or starve the
// healthy exporters sharing its chain. Data loss past the deadline is
// acceptable, blocking shutdown is not.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	for _, p := range rt.composer.allocated() {
		p.setState(StateDraining)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(rt.drains))
	start := time.Now()
	for i, d := range rt.drains {
		wg.Add(1)
		go func(i int, d drainTarget) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- d.stop(ctx) }()
			select {
			case err := <-done:
				errs[i] = err
			case <-ctx.Done():
				// Abandoned: the flush goroutine keeps running but its
				// result is ignored from here on.
				errs[i] = fmt.Errorf("%s exporter %s abandoned after %s: %w",
					d.signal, d.name, time.Since(start).Round(time.Millisecond), ctx.Err())
			}
		}(i, d)
	}
	wg.Wait()

	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		rt.logger.Warn("exporter did not drain cleanly", map[string]interface{}{
			"signal":   string(rt.drains[i].signal),
			"exporter": rt.drains[i].name,
			"error":    err.Error(),
		})
		if firstErr == nil {
			firstErr = err
		}
	}

	rt.closeProviders(ctx)

	for _, p := range rt.composer.allocated() {
		p.setState(StateClosed)
	}

	rt.logger.Info("telemetry pipelines closed", map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
		"abandoned":   firstErr != nil,
	})
	return firstErr
}

// closeProviders finishes the provider teardown once every exporter has
// drained or been abandoned. With the processors and readers already shut
// this is bookkeeping: already-shutdown and expired-deadline errors are the
// expected leftovers of an abandoned exporter and are not drain failures.
func (rt *Runtime) closeProviders(ctx context.Context) {
	type closer struct {
		signal Signal
		close  func(context.Context) error
	}
	var closers []closer
	if rt.Traces != nil {
		closers = append(closers, closer{SignalTrace, rt.Traces.Shutdown})
	}
	if rt.Metrics != nil {
		closers = append(closers, closer{SignalMetric, rt.Metrics.Shutdown})
	}
	if rt.Logs != nil {
		closers = append(closers, closer{SignalLog, rt.Logs.Shutdown})
	}
	for _, c := range closers {
		err := c.close(ctx)
		if err == nil || errors.Is(err, sdkmetric.ErrReaderShutdown) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			continue
		}
		rt.logger.Warn("provider close reported an error", map[string]interface{}{
			"signal": string(c.signal),
			"error":  err.Error(),
		})
	}
}
