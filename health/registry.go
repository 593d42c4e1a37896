package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalfold/bootstrap/logging"
)

// ErrDuplicateProbe is returned when a probe name is already registered.
// Unlike instrumentation sources, a duplicate probe name is a reportable
// configuration error: two differently-behaving checks silently colliding
// under one name would hide a real dependency from the health report.
var ErrDuplicateProbe = errors.New("health probe name already registered")

// DefaultProbeTimeout bounds each probe's evaluation.
const DefaultProbeTimeout = 5 * time.Second

// Registry holds the named health probes of one bootstrap handle.
// Registration is mutex guarded; evaluation runs all probes concurrently
// with a per-probe timeout and never lets one probe's failure abort the
// report.
type Registry struct {
	logger       logging.Logger
	probeTimeout time.Duration

	mu     sync.Mutex
	probes map[string]Probe
	order  []string
}

// NewRegistry creates an empty probe registry. A nil logger falls back to
// the no-op logger; a zero timeout falls back to DefaultProbeTimeout.
func NewRegistry(logger logging.Logger, probeTimeout time.Duration) *Registry {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Registry{
		logger:       logger,
		probeTimeout: probeTimeout,
		probes:       make(map[string]Probe),
	}
}

// Register adds a probe. A duplicate name is rejected with
// ErrDuplicateProbe (wrapped with the offending name) and logged; the
// original probe stays registered.
func (r *Registry) Register(probe Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := probe.Name()
	if _, ok := r.probes[name]; ok {
		r.logger.Warn("duplicate health probe rejected", map[string]interface{}{
			"probe": name,
			"kind":  string(probe.Kind()),
		})
		return fmt.Errorf("probe %q: %w", name, ErrDuplicateProbe)
	}
	r.probes[name] = probe
	r.order = append(r.order, name)
	return nil
}

// Names returns the registered probe names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered probes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.probes)
}

// Evaluate runs every registered probe concurrently and blocks until all
// complete or time out. A probe that panics is recorded as unhealthy with
// the panic message. A probe that outlives its timeout is recorded as
// unhealthy with a timeout message; its check keeps running but the eventual
// result is discarded. The report's entries follow registration order and
// its duration is the wall time of the whole evaluation, which tracks the
// slowest (or timed out) probe rather than the sum.
func (r *Registry) Evaluate(ctx context.Context) Report {
	r.mu.Lock()
	probes := make([]Probe, 0, len(r.order))
	for _, name := range r.order {
		probes = append(probes, r.probes[name])
	}
	timeout := r.probeTimeout
	r.mu.Unlock()

	start := time.Now()
	entries := make([]Entry, len(probes))

	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			entries[i] = r.runProbe(ctx, probe, timeout)
		}(i, probe)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, e := range entries {
		if e.Status.worse(overall) {
			overall = e.Status
		}
	}

	return Report{
		Status:      overall,
		Duration:    time.Since(start),
		EvaluatedAt: start,
		Entries:     entries,
	}
}

// runProbe evaluates one probe with its own deadline and panic isolation.
// The deadline is detached from the caller's cancellation so a health-check
// client dropping the connection cannot abort an in-flight probe; context
// values still flow through.
func (r *Registry) runProbe(ctx context.Context, probe Probe, timeout time.Duration) Entry {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Unhealthy(fmt.Sprintf("probe panicked: %v", rec))
			}
		}()
		done <- probe.Check(probeCtx)
	}()

	var result Result
	select {
	case result = <-done:
	case <-probeCtx.Done():
		// The check is abandoned, not interrupted; whatever it eventually
		// returns goes into the buffered channel and is never read.
		result = Unhealthy(fmt.Sprintf("timed out after %s", timeout))
		r.logger.Warn("health probe timed out", map[string]interface{}{
			"probe":   probe.Name(),
			"timeout": timeout.String(),
		})
	}

	return Entry{
		Name:     probe.Name(),
		Kind:     probe.Kind(),
		Status:   result.Status,
		Duration: time.Since(start),
		Message:  result.Message,
	}
}
