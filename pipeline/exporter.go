package pipeline

import (
	"fmt"
	"sync"
)

// ExporterKind classifies how an exporter moves signals out of the process.
type ExporterKind string

const (
	// ExporterPush sends signals to a collector endpoint.
	ExporterPush ExporterKind = "push"
	// ExporterPull exposes a scrape surface the backend polls.
	ExporterPull ExporterKind = "pull"
	// ExporterDebug writes signals to the console.
	ExporterDebug ExporterKind = "debug"
)

// Protocol selects the wire encoding for push exporters.
type Protocol string

const (
	// ProtocolBinary is OTLP over gRPC.
	ProtocolBinary Protocol = "binary"
	// ProtocolText is OTLP over HTTP.
	ProtocolText Protocol = "text"
)

// ExporterSpec describes one sink in a pipeline's exporter chain. Two specs
// are the same exporter when kind, endpoint and protocol all match.
type ExporterSpec struct {
	Kind     ExporterKind
	Endpoint string
	Protocol Protocol
}

// String renders the spec for log lines and duplicate warnings.
func (s ExporterSpec) String() string {
	if s.Endpoint == "" {
		return fmt.Sprintf("%s/%s", s.Kind, s.Protocol)
	}
	return fmt.Sprintf("%s/%s@%s", s.Kind, s.Protocol, s.Endpoint)
}

// ExporterChain is the ordered, deduplicated list of sinks for one pipeline.
// Order is preserved for deterministic assertions; it has no semantic effect
// because every exporter receives an independent copy of each signal.
type ExporterChain struct {
	mu    sync.Mutex
	specs []ExporterSpec
}

// NewExporterChain creates an empty chain.
func NewExporterChain() *ExporterChain {
	return &ExporterChain{}
}

// Add appends spec unless a structurally equal spec is already present, in
// which case the call is a no-op. Reports whether the spec was appended.
func (c *ExporterChain) Add(spec ExporterSpec) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.specs {
		if existing == spec {
			return false
		}
	}
	c.specs = append(c.specs, spec)
	return true
}

// Specs returns the chain in registration order.
func (c *ExporterChain) Specs() []ExporterSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExporterSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Len returns the number of distinct exporters in the chain.
func (c *ExporterChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.specs)
}
