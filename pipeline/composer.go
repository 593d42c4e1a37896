package pipeline

import (
	"sync"

	"github.com/signalfold/bootstrap/logging"
)

// Signal identifies one of the three pipeline types.
type Signal string

const (
	SignalTrace  Signal = "trace"
	SignalMetric Signal = "metric"
	SignalLog    Signal = "log"
)

// State is the lifecycle phase of a pipeline.
type State int

const (
	// StateUninitialized: no configuration call has referenced this signal yet.
	StateUninitialized State = iota
	// StateComposing: the pipeline accepts sources and exporters.
	StateComposing
	// StateActive: the process accepts traffic; the pipeline is frozen.
	StateActive
	// StateDraining: shutdown in progress, exporters flushing.
	StateDraining
	// StateClosed: all exporters flushed or abandoned.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Pipeline is the per-signal aggregate owning its instrumentation sources and
// exporter chain. It is created on the first configuration call referencing
// its signal, mutated additively while composing, frozen at process start and
// torn down at shutdown.
//
// Composition is commutative and idempotent: any permutation or repetition of
// configuration calls adding the same distinct set of source keys and
// exporter specs produces an observably identical pipeline. Both Add paths
// route through dedup gates, so repeated high-level setup calls cannot
// double-register anything.
type Pipeline struct {
	signal     Signal
	descriptor *Descriptor
	logger     logging.Logger

	mu      sync.Mutex
	state   State
	sources *SourceRegistry
	chain   *ExporterChain
}

// Snapshot is an immutable view of a pipeline's composition, used for
// deterministic assertions and for materialization.
type Snapshot struct {
	Signal    Signal
	State     State
	Sources   []string
	Exporters []ExporterSpec
}

func newPipeline(signal Signal, descriptor *Descriptor, logger logging.Logger) *Pipeline {
	return &Pipeline{
		signal:     signal,
		descriptor: descriptor,
		logger:     logger,
		state:      StateComposing,
		sources:    NewSourceRegistry(),
		chain:      NewExporterChain(),
	}
}

// Signal returns the signal type this pipeline carries.
func (p *Pipeline) Signal() Signal { return p.signal }

// State returns the current lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// AddSource registers a named instrumentation source and reports whether
// this was its first registration. After the pipeline is frozen the call is
// a logged configuration warning and a no-op; telemetry must never block
// business traffic, so late registration is not fatal.
func (p *Pipeline) AddSource(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateComposing {
		p.logger.Warn("instrumentation source added after pipeline freeze, ignoring", map[string]interface{}{
			"signal": string(p.signal),
			"source": key,
			"state":  p.state.String(),
		})
		return false
	}
	first := p.sources.Register(key)
	if !first {
		p.logger.Warn("instrumentation source already registered", map[string]interface{}{
			"signal": string(p.signal),
			"source": key,
		})
	}
	return first
}

// AddExporter appends an exporter spec to the chain unless a structurally
// equal spec already exists. Post-freeze calls degrade to a warning.
func (p *Pipeline) AddExporter(spec ExporterSpec) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateComposing {
		p.logger.Warn("exporter added after pipeline freeze, ignoring", map[string]interface{}{
			"signal":   string(p.signal),
			"exporter": spec.String(),
			"state":    p.state.String(),
		})
		return false
	}
	added := p.chain.Add(spec)
	if !added {
		p.logger.Warn("duplicate exporter spec collapsed", map[string]interface{}{
			"signal":   string(p.signal),
			"exporter": spec.String(),
		})
	}
	return added
}

// Snapshot returns the current composition of the pipeline.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Signal:    p.signal,
		State:     p.state,
		Sources:   p.sources.Keys(),
		Exporters: p.chain.Specs(),
	}
}

// freeze transitions Composing -> Active. Idempotent.
func (p *Pipeline) freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateComposing {
		p.state = StateActive
	}
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Composer merges repeated configuration calls for tracing, metrics and
// logging into one logical pipeline per signal type. Pipelines are allocated
// lazily on first reference and share the composer's resource descriptor.
type Composer struct {
	descriptor *Descriptor
	logger     logging.Logger

	mu        sync.Mutex
	pipelines map[Signal]*Pipeline
}

// NewComposer creates a composer bound to the shared resource descriptor.
// A nil logger falls back to the no-op logger.
func NewComposer(descriptor *Descriptor, logger logging.Logger) *Composer {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Composer{
		descriptor: descriptor,
		logger:     logger,
		pipelines:  make(map[Signal]*Pipeline),
	}
}

// Pipeline returns the pipeline for signal, allocating it on first use
// (the Uninitialized -> Composing transition).
func (c *Composer) Pipeline(signal Signal) *Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pipelines[signal]
	if !ok {
		p = newPipeline(signal, c.descriptor, c.logger)
		c.pipelines[signal] = p
		c.logger.Debug("pipeline allocated", map[string]interface{}{
			"signal": string(signal),
		})
	}
	return p
}

// Has reports whether a pipeline for signal has been allocated.
func (c *Composer) Has(signal Signal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pipelines[signal]
	return ok
}

// Descriptor returns the shared resource descriptor.
func (c *Composer) Descriptor() *Descriptor { return c.descriptor }

// Snapshot returns the composition of every allocated pipeline.
func (c *Composer) Snapshot() map[Signal]Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[Signal]Snapshot, len(c.pipelines))
	for sig, p := range c.pipelines {
		out[sig] = p.Snapshot()
	}
	return out
}

// Freeze transitions every allocated pipeline to Active. Called when the
// hosting process begins accepting traffic. Idempotent.
func (c *Composer) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pipelines {
		p.freeze()
	}
}

func (c *Composer) allocated() []*Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	return out
}
