package health

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"
)

// reportPayload is the wire form of a Report. Durations are rendered as
// strings so operators can read them without counting nanoseconds.
type reportPayload struct {
	Status      Status         `json:"status"`
	Duration    string         `json:"duration"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Entries     []entryPayload `json:"entries"`
}

type entryPayload struct {
	Name     string    `json:"name"`
	Kind     ProbeKind `json:"kind"`
	Status   Status    `json:"status"`
	Duration string    `json:"duration"`
	Message  string    `json:"message,omitempty"`
}

func toPayload(report Report) reportPayload {
	p := reportPayload{
		Status:      report.Status,
		Duration:    report.Duration.Round(time.Millisecond).String(),
		EvaluatedAt: report.EvaluatedAt,
		Entries:     make([]entryPayload, 0, len(report.Entries)),
	}
	for _, e := range report.Entries {
		p.Entries = append(p.Entries, entryPayload{
			Name:     e.Name,
			Kind:     e.Kind,
			Status:   e.Status,
			Duration: e.Duration.Round(time.Millisecond).String(),
			Message:  e.Message,
		})
	}
	return p
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Handler serves the health report as JSON: one overall status plus a
// per-probe breakdown. Unhealthy maps to 503 so load balancers can act on
// the status line alone; degraded still returns 200 with the detail in the
// body.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Evaluate(req.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(report.Status))
		_ = json.NewEncoder(w).Encode(toPayload(report))
	})
}

var uiTemplate = template.Must(template.New("health-ui").Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{.Service}} health</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; min-width: 40em; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
.healthy { color: #1a7f37; }
.degraded { color: #9a6700; }
.unhealthy { color: #cf222e; }
.banner { padding: 0.6em 1em; margin-bottom: 1em; border-radius: 4px; }
.banner.healthy { background: #dafbe1; }
.banner.degraded { background: #fff8c5; }
.banner.unhealthy { background: #ffebe9; }
</style>
</head>
<body>
<h1>{{.Service}}</h1>
<div class="banner {{.Report.Status}}">Overall: <strong class="{{.Report.Status}}">{{.Report.Status}}</strong>
 ({{len .Report.Entries}} probes, {{.Report.Duration}})</div>
<table>
<tr><th>Probe</th><th>Kind</th><th>Status</th><th>Duration</th><th>Message</th></tr>
{{range .Report.Entries}}
<tr><td>{{.Name}}</td><td>{{.Kind}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.Duration}}</td><td>{{.Message}}</td></tr>
{{end}}
</table>
<p>Evaluated at {{.Report.EvaluatedAt}}</p>
</body>
</html>
`))

// UIHandler serves a small server-rendered dashboard aggregating the health
// report. It evaluates the same probes as Handler; the page is a view over
// the report, never a second registry.
func (r *Registry) UIHandler(serviceName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Evaluate(req.Context())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(statusCode(report.Status))
		_ = uiTemplate.Execute(w, struct {
			Service string
			Report  reportPayload
		}{serviceName, toPayload(report)})
	})
}
