package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/signalfold/bootstrap/logging"
)

func healthyProbe(name string) Probe {
	return CheckFunc{ProbeName: name, Fn: func(ctx context.Context) Result {
		return Healthy("ok")
	}}
}

func probeWithStatus(name string, status Status) Probe {
	return CheckFunc{ProbeName: name, Fn: func(ctx context.Context) Result {
		return Result{Status: status, Message: string(status)}
	}}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(nil, 0)

	if err := r.Register(healthyProbe(DatabaseProbeName)); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := r.Register(healthyProbe(DatabaseProbeName))
	if err == nil {
		t.Fatal("duplicate registration must be rejected")
	}
	if !errors.Is(err, ErrDuplicateProbe) {
		t.Errorf("expected ErrDuplicateProbe, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected exactly one registered probe, got %d", r.Len())
	}
}

func TestDuplicateKeepsOriginalProbe(t *testing.T) {
	r := NewRegistry(nil, 0)

	_ = r.Register(CheckFunc{ProbeName: "dep", Fn: func(ctx context.Context) Result {
		return Healthy("original")
	}})
	_ = r.Register(CheckFunc{ProbeName: "dep", Fn: func(ctx context.Context) Result {
		return Unhealthy("impostor")
	}})

	report := r.Evaluate(context.Background())
	if len(report.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(report.Entries))
	}
	if report.Entries[0].Message != "original" {
		t.Errorf("duplicate registration must not replace the original probe, got %q", report.Entries[0].Message)
	}
}

func TestAggregationWorstStatusWins(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusHealthy, StatusUnhealthy}, StatusUnhealthy},
		{"degraded and unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"no probes", nil, StatusHealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(nil, 0)
			for i, status := range tc.statuses {
				if err := r.Register(probeWithStatus(fmt.Sprintf("probe-%d", i), status)); err != nil {
					t.Fatalf("register failed: %v", err)
				}
			}
			report := r.Evaluate(context.Background())
			if report.Status != tc.want {
				t.Errorf("overall status = %s, want %s", report.Status, tc.want)
			}
		})
	}
}

func TestEntriesPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, 0)
	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		if err := r.Register(healthyProbe(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	report := r.Evaluate(context.Background())
	for i, name := range names {
		if report.Entries[i].Name != name {
			t.Errorf("entry %d = %s, want %s", i, report.Entries[i].Name, name)
		}
	}
}

func TestProbePanicRecordedAsUnhealthy(t *testing.T) {
	r := NewRegistry(nil, 0)
	_ = r.Register(CheckFunc{ProbeName: "explosive", Fn: func(ctx context.Context) Result {
		panic("boom")
	}})
	_ = r.Register(healthyProbe("calm"))

	report := r.Evaluate(context.Background())
	if report.Status != StatusUnhealthy {
		t.Errorf("overall status = %s, want unhealthy", report.Status)
	}
	for _, e := range report.Entries {
		switch e.Name {
		case "explosive":
			if e.Status != StatusUnhealthy {
				t.Errorf("panicking probe status = %s, want unhealthy", e.Status)
			}
			if e.Message == "" {
				t.Error("panicking probe should carry the panic message")
			}
		case "calm":
			if e.Status != StatusHealthy {
				t.Errorf("healthy probe dragged down by a sibling panic: %s", e.Status)
			}
		}
	}
}

func TestTimeoutIsolation(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Init(logging.Config{ServiceName: "test", Output: &buf, Format: "text"})
	defer logging.Shutdown(logger)

	r := NewRegistry(logger, 100*time.Millisecond)
	_ = r.Register(CheckFunc{ProbeName: "stuck", Fn: func(ctx context.Context) Result {
		select {} // never returns
	}})
	_ = r.Register(healthyProbe("fast"))

	start := time.Now()
	report := r.Evaluate(context.Background())
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("evaluation blocked far past the probe budget: %s", elapsed)
	}
	if report.Status != StatusUnhealthy {
		t.Errorf("overall status = %s, want unhealthy", report.Status)
	}
	for _, e := range report.Entries {
		if e.Name == "stuck" {
			if e.Status != StatusUnhealthy {
				t.Errorf("stuck probe status = %s, want unhealthy", e.Status)
			}
			if !strings.HasPrefix(e.Message, "timed out") {
				t.Errorf("stuck probe should carry a timeout message, got %q", e.Message)
			}
		}
		if e.Name == "fast" && e.Status != StatusHealthy {
			t.Errorf("fast probe delayed or failed by the stuck sibling: %s", e.Status)
		}
	}
}

func TestCallerCancellationDoesNotReachProbes(t *testing.T) {
	r := NewRegistry(nil, time.Second)
	_ = r.Register(CheckFunc{ProbeName: "ctx-sensitive", Fn: func(ctx context.Context) Result {
		if err := ctx.Err(); err != nil {
			return Unhealthy(fmt.Sprintf("check aborted: %v", err))
		}
		return Healthy("ok")
	}})

	// A disconnecting HTTP client cancels the request context; the probe
	// must keep its own deadline and finish normally.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := r.Evaluate(ctx)
	if report.Status != StatusHealthy {
		t.Errorf("overall status = %s, want healthy", report.Status)
	}
	if got := report.Entries[0].Message; got != "ok" {
		t.Errorf("probe saw caller cancellation: %q", got)
	}
}

func TestProbesRunConcurrently(t *testing.T) {
	r := NewRegistry(nil, time.Second)
	const n = 4
	const sleep = 150 * time.Millisecond
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("slow-%d", i)
		_ = r.Register(CheckFunc{ProbeName: name, Fn: func(ctx context.Context) Result {
			time.Sleep(sleep)
			return Healthy("ok")
		}})
	}

	report := r.Evaluate(context.Background())
	// Concurrent evaluation tracks the slowest probe, not the sum.
	if report.Duration > time.Duration(n)*sleep {
		t.Errorf("evaluation took %s, looks sequential for %d probes of %s", report.Duration, n, sleep)
	}
	if report.Status != StatusHealthy {
		t.Errorf("overall status = %s, want healthy", report.Status)
	}
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestPingProbe(t *testing.T) {
	ok := NewPingProbe("", fakePinger{})
	if ok.Name() != DatabaseProbeName {
		t.Errorf("default probe name = %q, want %q", ok.Name(), DatabaseProbeName)
	}
	if ok.Kind() != KindDatastore {
		t.Errorf("probe kind = %q, want datastore", ok.Kind())
	}
	if got := ok.Check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("healthy pinger reported %s", got.Status)
	}

	bad := NewPingProbe("replica", fakePinger{err: errors.New("connection refused")})
	got := bad.Check(context.Background())
	if got.Status != StatusUnhealthy {
		t.Errorf("failing pinger reported %s", got.Status)
	}
	if got.Message == "" {
		t.Error("failing pinger should carry the error message")
	}
}
