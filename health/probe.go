// Package health provides a deduplicating registry of named health probes
// with concurrent evaluation, a JSON endpoint and a small HTML aggregator.
package health

import (
	"context"
	"time"
)

// Status is the outcome of one probe or of a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is a worse outcome than other.
// Ordering: healthy < degraded < unhealthy.
func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// ProbeKind classifies what a probe watches.
type ProbeKind string

const (
	KindDatastore ProbeKind = "datastore"
	KindCustom    ProbeKind = "custom"
)

// Result is what a probe's check returns.
type Result struct {
	Status  Status
	Message string
}

// Healthy is a convenience healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message}
}

// Degraded is a convenience degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message}
}

// Unhealthy is a convenience unhealthy result.
func Unhealthy(message string) Result {
	return Result{Status: StatusUnhealthy, Message: message}
}

// Probe is a named health check. Checks must be side-effect free; they may
// be called concurrently with each other and repeatedly over the process
// lifetime. The context carries the per-probe evaluation deadline, but a
// check that ignores it is merely abandoned, never interrupted.
type Probe interface {
	Name() string
	Kind() ProbeKind
	Check(ctx context.Context) Result
}

// CheckFunc adapts a plain function into a custom Probe.
type CheckFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) Result
}

func (c CheckFunc) Name() string    { return c.ProbeName }
func (c CheckFunc) Kind() ProbeKind { return KindCustom }
func (c CheckFunc) Check(ctx context.Context) Result {
	return c.Fn(ctx)
}

// Entry is one line of a health report.
type Entry struct {
	Name     string        `json:"name"`
	Kind     ProbeKind     `json:"kind"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// Report is the aggregated outcome of evaluating all registered probes.
// Entries preserve probe registration order. Overall status is the worst of
// all individual statuses.
type Report struct {
	Status      Status        `json:"status"`
	Duration    time.Duration `json:"duration"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Entries     []Entry       `json:"entries"`
}
