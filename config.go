package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalfold/bootstrap/health"
	"github.com/signalfold/bootstrap/pipeline"
)

// Capability names one composable feature of the bootstrap layer. A service
// passes the explicit list of capabilities it wants instead of calling a
// grab bag of overlapping setup functions; the facade composes exactly the
// requested subset.
type Capability string

const (
	CapabilityTracing Capability = "tracing"
	CapabilityMetrics Capability = "metrics"
	CapabilityLogging Capability = "logging"
	CapabilityHealth  Capability = "health"
	CapabilityScrape  Capability = "scrape"
)

var knownCapabilities = map[Capability]bool{
	CapabilityTracing: true,
	CapabilityMetrics: true,
	CapabilityLogging: true,
	CapabilityHealth:  true,
	CapabilityScrape:  true,
}

// Config holds all configuration for a bootstrap handle. It follows
// three-layer priority:
//  1. Default values (lowest)
//  2. Environment variables
//  3. Functional options (highest)
//
// Nothing in here is fatal: a missing or malformed value degrades to its
// default with a warning, because telemetry configuration must never take
// the host process down.
type Config struct {
	// Identity attached to every emitted signal.
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Free-form identity attributes, order preserved.
	Attributes []pipeline.Attribute `yaml:"attributes"`

	// OTLPEndpoint is the push exporter target, host:port.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// OTLPProtocol selects the push wire encoding: "binary" (gRPC) or
	// "text" (HTTP).
	OTLPProtocol pipeline.Protocol `yaml:"otlp_protocol"`

	// Capabilities lists the features to compose.
	Capabilities []Capability `yaml:"capabilities"`

	// DebugExporters adds a console sink to every composed pipeline.
	DebugExporters bool `yaml:"debug_exporters"`

	// ProbeTimeout bounds each health probe evaluation.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// ShutdownTimeout bounds the flush-then-close of all exporters.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// probes queued by options, registered during New.
	probes []health.Probe
}

const (
	defaultOTLPEndpoint    = "localhost:4317"
	defaultProbeTimeout    = health.DefaultProbeTimeout
	defaultShutdownTimeout = 10 * time.Second
)

// DefaultConfig returns the baseline configuration: every capability on,
// binary OTLP to localhost, conservative timeouts.
func DefaultConfig() *Config {
	return &Config{
		ServiceVersion:  "1.0.0",
		OTLPEndpoint:    defaultOTLPEndpoint,
		OTLPProtocol:    pipeline.ProtocolBinary,
		Capabilities:    []Capability{CapabilityTracing, CapabilityMetrics, CapabilityLogging, CapabilityHealth, CapabilityScrape},
		ProbeTimeout:    defaultProbeTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// applyEnvironment overlays recognized environment variables. Project
// variables win over the standard OTel ones so an operator can override a
// cluster-wide default per service.
func (c *Config) applyEnvironment() {
	if v := firstEnv("SIGNALFOLD_SERVICE_NAME", "OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("SIGNALFOLD_SERVICE_VERSION"); v != "" {
		c.ServiceVersion = v
	}
	if v := os.Getenv("SIGNALFOLD_ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := firstEnv("SIGNALFOLD_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("SIGNALFOLD_CAPABILITIES"); v != "" {
		var caps []Capability
		for _, part := range strings.Split(v, ",") {
			caps = append(caps, Capability(strings.TrimSpace(part)))
		}
		c.Capabilities = caps
	}
	if v := os.Getenv("SIGNALFOLD_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ProbeTimeout = d
		}
	}
	if v := os.Getenv("SIGNALFOLD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SIGNALFOLD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SIGNALFOLD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// normalize substitutes defaults for anything missing or unrecognized and
// returns warning messages for the facade to log. Never returns an error.
func (c *Config) normalize() []string {
	var warnings []string

	if c.ServiceName == "" {
		warnings = append(warnings, "service name not configured, using default")
	}
	if c.OTLPProtocol != pipeline.ProtocolBinary && c.OTLPProtocol != pipeline.ProtocolText {
		warnings = append(warnings, fmt.Sprintf("unknown OTLP protocol %q, using binary", c.OTLPProtocol))
		c.OTLPProtocol = pipeline.ProtocolBinary
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = defaultOTLPEndpoint
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}

	seen := make(map[Capability]bool)
	var caps []Capability
	for _, capability := range c.Capabilities {
		if !knownCapabilities[capability] {
			warnings = append(warnings, fmt.Sprintf("unknown capability %q, skipping", capability))
			continue
		}
		if seen[capability] {
			continue
		}
		seen[capability] = true
		caps = append(caps, capability)
	}
	c.Capabilities = caps

	return warnings
}

// hasCapability reports whether capability was requested.
func (c *Config) hasCapability(capability Capability) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// Option is a functional option for configuring the bootstrap handle.
// Options are applied in order after defaults and environment variables.
type Option func(*Config) error

// WithServiceName sets the service name attached to every signal.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		c.ServiceName = name
		return nil
	}
}

// WithServiceVersion sets the service version.
func WithServiceVersion(version string) Option {
	return func(c *Config) error {
		c.ServiceVersion = version
		return nil
	}
}

// WithEnvironment sets the deployment environment attribute.
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		c.Environment = env
		return nil
	}
}

// WithAttribute adds one free-form identity attribute.
func WithAttribute(key, value string) Option {
	return func(c *Config) error {
		if key == "" {
			return fmt.Errorf("attribute key cannot be empty")
		}
		c.Attributes = append(c.Attributes, pipeline.Attribute{Key: key, Value: value})
		return nil
	}
}

// WithOTLPEndpoint sets the push exporter target.
func WithOTLPEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.OTLPEndpoint = endpoint
		return nil
	}
}

// WithOTLPProtocol selects binary (gRPC) or text (HTTP) transport for push
// exporters.
func WithOTLPProtocol(protocol pipeline.Protocol) Option {
	return func(c *Config) error {
		c.OTLPProtocol = protocol
		return nil
	}
}

// WithCapabilities replaces the composed capability set.
func WithCapabilities(caps ...Capability) Option {
	return func(c *Config) error {
		c.Capabilities = caps
		return nil
	}
}

// WithDebugExporters adds console sinks to every composed pipeline.
func WithDebugExporters() Option {
	return func(c *Config) error {
		c.DebugExporters = true
		return nil
	}
}

// WithProbeTimeout bounds each health probe evaluation.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("probe timeout must be positive")
		}
		c.ProbeTimeout = timeout
		return nil
	}
}

// WithShutdownTimeout bounds the exporter flush at shutdown.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("shutdown timeout must be positive")
		}
		c.ShutdownTimeout = timeout
		return nil
	}
}

// WithLogLevel sets the structured logger level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.LogLevel = level
		return nil
	}
}

// WithLogFormat sets the structured logger format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.LogFormat = format
		return nil
	}
}

// WithProbe queues a health probe for registration during New. A duplicate
// name is reported through the logger, not as a New error.
func WithProbe(probe health.Probe) Option {
	return func(c *Config) error {
		c.probes = append(c.probes, probe)
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file. Values from the file
// overlay whatever is already set; later options still win.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return nil
	}
}
