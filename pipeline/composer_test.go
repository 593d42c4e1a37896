package pipeline

import (
	"bytes"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/signalfold/bootstrap/logging"
)

func testDescriptor(t *testing.T) *Descriptor {
	t.Helper()
	d, err := NewDescriptor(DescriptorConfig{
		ServiceName:    "orders-api",
		ServiceVersion: "2.1.0",
		Attributes:     []Attribute{{Key: "deployment.environment", Value: "test"}},
	})
	if err != nil {
		t.Fatalf("failed to build descriptor: %v", err)
	}
	return d
}

func TestPipelineAllocationTransition(t *testing.T) {
	c := NewComposer(testDescriptor(t), nil)

	if c.Has(SignalTrace) {
		t.Error("trace pipeline should not exist before first reference")
	}

	p := c.Pipeline(SignalTrace)
	if got := p.State(); got != StateComposing {
		t.Errorf("expected composing state after allocation, got %s", got)
	}
	if !c.Has(SignalTrace) {
		t.Error("trace pipeline should exist after first reference")
	}

	// Same signal, same pipeline.
	if c.Pipeline(SignalTrace) != p {
		t.Error("second reference returned a different pipeline")
	}
}

func TestSourceRegistrationIdempotent(t *testing.T) {
	c := NewComposer(testDescriptor(t), nil)
	p := c.Pipeline(SignalTrace)

	if !p.AddSource("http.server") {
		t.Error("first registration should report true")
	}
	if p.AddSource("http.server") {
		t.Error("repeated registration should report false")
	}
	if !p.AddSource("db.client") {
		t.Error("distinct key should report true")
	}

	snap := p.Snapshot()
	want := []string{"http.server", "db.client"}
	if !reflect.DeepEqual(snap.Sources, want) {
		t.Errorf("expected sources %v, got %v", want, snap.Sources)
	}
}

func TestExporterDedup(t *testing.T) {
	c := NewComposer(testDescriptor(t), nil)
	p := c.Pipeline(SignalTrace)

	spec := ExporterSpec{Kind: ExporterPush, Endpoint: "https://collector:4317", Protocol: ProtocolBinary}
	if !p.AddExporter(spec) {
		t.Error("first exporter should be appended")
	}
	if p.AddExporter(spec) {
		t.Error("identical exporter should collapse to a no-op")
	}

	// Different protocol is a different exporter.
	other := spec
	other.Protocol = ProtocolText
	if !p.AddExporter(other) {
		t.Error("spec with different protocol should be appended")
	}

	snap := p.Snapshot()
	if len(snap.Exporters) != 2 {
		t.Fatalf("expected 2 exporters, got %d: %v", len(snap.Exporters), snap.Exporters)
	}
	if snap.Exporters[0] != spec || snap.Exporters[1] != other {
		t.Errorf("registration order not preserved: %v", snap.Exporters)
	}
}

// TestCompositionCommutative verifies the central design rule: any
// permutation or repetition of configuration calls adding the same distinct
// sets produces an observably identical pipeline.
func TestCompositionCommutative(t *testing.T) {
	keys := []string{"http.server", "http.client", "db.client"}
	specs := []ExporterSpec{
		{Kind: ExporterPush, Endpoint: "collector:4317", Protocol: ProtocolBinary},
		{Kind: ExporterPull},
		{Kind: ExporterDebug},
	}

	type call func(p *Pipeline)
	var calls []call
	for _, k := range keys {
		k := k
		calls = append(calls, func(p *Pipeline) { p.AddSource(k) })
	}
	for _, s := range specs {
		s := s
		calls = append(calls, func(p *Pipeline) { p.AddExporter(s) })
	}

	compose := func(order []int, repeats int) Snapshot {
		c := NewComposer(testDescriptor(t), nil)
		p := c.Pipeline(SignalMetric)
		for r := 0; r < repeats; r++ {
			for _, i := range order {
				calls[i](p)
			}
		}
		return p.Snapshot()
	}

	base := compose([]int{0, 1, 2, 3, 4, 5}, 1)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(len(calls))
		repeats := 1 + rng.Intn(3)
		got := compose(order, repeats)

		sortedEqual := func(a, b []string) bool {
			am := map[string]bool{}
			for _, x := range a {
				am[x] = true
			}
			if len(am) != len(b) {
				return false
			}
			for _, x := range b {
				if !am[x] {
					return false
				}
			}
			return true
		}
		if !sortedEqual(base.Sources, got.Sources) {
			t.Errorf("trial %d order %v: source set differs: %v vs %v", trial, order, base.Sources, got.Sources)
		}
		specSet := func(specs []ExporterSpec) map[ExporterSpec]bool {
			m := map[ExporterSpec]bool{}
			for _, s := range specs {
				m[s] = true
			}
			return m
		}
		if !reflect.DeepEqual(specSet(base.Exporters), specSet(got.Exporters)) {
			t.Errorf("trial %d order %v: exporter set differs: %v vs %v", trial, order, base.Exporters, got.Exporters)
		}
	}
}

func TestDuplicateRegistrationWarns(t *testing.T) {
	var buf bytes.Buffer
	c := NewComposer(testDescriptor(t), newCaptureLogger(&buf))
	p := c.Pipeline(SignalTrace)

	p.AddSource("http.server")
	p.AddSource("http.server")
	spec := ExporterSpec{Kind: ExporterDebug}
	p.AddExporter(spec)
	p.AddExporter(spec)

	logged := buf.String()
	if !strings.Contains(logged, "WARN instrumentation source already registered") {
		t.Errorf("duplicate source not logged at warn level: %s", logged)
	}
	if !strings.Contains(logged, "WARN duplicate exporter spec collapsed") {
		t.Errorf("duplicate exporter not logged at warn level: %s", logged)
	}
}

func TestFreezeRejectsLateAdditions(t *testing.T) {
	var buf bytes.Buffer
	logger := newCaptureLogger(&buf)
	c := NewComposer(testDescriptor(t), logger)

	p := c.Pipeline(SignalTrace)
	p.AddSource("http.server")
	p.AddExporter(ExporterSpec{Kind: ExporterDebug})

	c.Freeze()
	if got := p.State(); got != StateActive {
		t.Fatalf("expected active after freeze, got %s", got)
	}

	before := p.Snapshot()
	if p.AddSource("late.source") {
		t.Error("post-freeze source addition should report false")
	}
	if p.AddExporter(ExporterSpec{Kind: ExporterPush, Endpoint: "late:4317", Protocol: ProtocolBinary}) {
		t.Error("post-freeze exporter addition should report false")
	}
	after := p.Snapshot()

	if !reflect.DeepEqual(before.Sources, after.Sources) || !reflect.DeepEqual(before.Exporters, after.Exporters) {
		t.Error("post-freeze additions must not change the pipeline")
	}
	if !strings.Contains(buf.String(), "after pipeline freeze") {
		t.Errorf("expected a freeze warning in the log, got: %s", buf.String())
	}

	// Freeze is idempotent.
	c.Freeze()
	if got := p.State(); got != StateActive {
		t.Errorf("expected active after second freeze, got %s", got)
	}
}

func TestSnapshotCoversAllAllocated(t *testing.T) {
	c := NewComposer(testDescriptor(t), nil)
	c.Pipeline(SignalTrace).AddExporter(ExporterSpec{Kind: ExporterDebug})
	c.Pipeline(SignalLog).AddExporter(ExporterSpec{Kind: ExporterDebug})

	snaps := c.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected snapshots for 2 pipelines, got %d", len(snaps))
	}
	if _, ok := snaps[SignalMetric]; ok {
		t.Error("unreferenced metric pipeline should not appear in snapshot")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateComposing:     "composing",
		StateActive:        "active",
		StateDraining:      "draining",
		StateClosed:        "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// captureLogger writes warnings to a buffer for assertions.
type captureLogger struct {
	out *bytes.Buffer
}

func newCaptureLogger(out *bytes.Buffer) logging.Logger {
	return &captureLogger{out: out}
}

func (l *captureLogger) write(level, msg string, fields map[string]interface{}) {
	fmt.Fprintf(l.out, "%s %s %v\n", level, msg, fields)
}

func (l *captureLogger) Info(msg string, fields map[string]interface{})  { l.write("INFO", msg, fields) }
func (l *captureLogger) Warn(msg string, fields map[string]interface{})  { l.write("WARN", msg, fields) }
func (l *captureLogger) Error(msg string, fields map[string]interface{}) { l.write("ERROR", msg, fields) }
func (l *captureLogger) Debug(msg string, fields map[string]interface{}) { l.write("DEBUG", msg, fields) }
