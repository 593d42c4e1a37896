package pipeline

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// Descriptor is the immutable identity attached to every emitted signal.
// It is built once per bootstrap call and shared by reference across all
// pipelines and the health registry. Never mutated after construction.
type Descriptor struct {
	serviceName    string
	serviceVersion string
	attributes     []attribute.KeyValue
	resource       *resource.Resource
}

// DescriptorConfig carries the raw identity values from configuration.
// Attributes preserve insertion order so two descriptors built from the
// same config are byte-for-byte comparable in tests.
type DescriptorConfig struct {
	ServiceName    string
	ServiceVersion string
	Attributes     []Attribute
}

// Attribute is one free-form identity attribute.
type Attribute struct {
	Key   string
	Value string
}

const (
	defaultServiceName    = "unnamed-service"
	defaultServiceVersion = "1.0.0"
)

// NewDescriptor builds the shared resource descriptor. Missing fields are
// never fatal: defaults substitute and the caller logs the substitution.
func NewDescriptor(cfg DescriptorConfig) (*Descriptor, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = defaultServiceVersion
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(version),
		semconv.ServiceInstanceIDKey.String(uuid.NewString()),
	}
	for _, a := range cfg.Attributes {
		attrs = append(attrs, attribute.String(a.Key, a.Value))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource descriptor: %w", err)
	}

	return &Descriptor{
		serviceName:    name,
		serviceVersion: version,
		attributes:     attrs,
		resource:       res,
	}, nil
}

// ServiceName returns the resolved service name.
func (d *Descriptor) ServiceName() string { return d.serviceName }

// ServiceVersion returns the resolved service version.
func (d *Descriptor) ServiceVersion() string { return d.serviceVersion }

// Resource returns the underlying OpenTelemetry resource. Shared, read-only.
func (d *Descriptor) Resource() *resource.Resource { return d.resource }
