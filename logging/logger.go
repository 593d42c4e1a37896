// Package logging provides the process-wide structured logger used by the
// bootstrap layer. The logger is layered:
//   - Layer 1: console output (always works, immediate visibility)
//   - Layer 2: mirroring into the composed log pipeline once it is active
//
// The logger is deliberately self-contained so that a failure anywhere in
// telemetry composition can still be reported somewhere.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// Logger is the minimal logging interface consumed by the other bootstrap
// packages. Fields are free-form key-value context for the message.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Config controls logger construction. Zero values fall back to environment
// variables and then to defaults, mirroring the rest of the bootstrap layer.
type Config struct {
	ServiceName string
	Level       string // DEBUG, INFO, WARN, ERROR
	Format      string // "json" or "text"
	Output      io.Writer
}

// ServiceLogger is the concrete process-wide logger. JSON format in
// Kubernetes for log aggregation, text for local development. Error output
// is rate limited so a failing exporter cannot flood the console.
type ServiceLogger struct {
	mu          sync.RWMutex
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	errorLimiter *RateLimiter

	// mirror is the composed log pipeline, attached after the pipeline
	// becomes active. nil until then; console output never depends on it.
	mirror otellog.Logger
}

var (
	globalLogger *ServiceLogger
	globalMu     sync.Mutex
)

// Init creates the process-wide logger and stores it globally. Calling Init
// again while a logger is active returns the existing handle with a warning
// rather than re-initializing; the logger is global mutable state and must
// have exactly one owner (the bootstrap facade).
func Init(cfg Config) *ServiceLogger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLogger != nil {
		globalLogger.Warn("logger already initialized, ignoring re-initialization", map[string]interface{}{
			"service": cfg.ServiceName,
		})
		return globalLogger
	}
	globalLogger = newServiceLogger(cfg)
	return globalLogger
}

// Shutdown releases the process-wide logger. After Shutdown a subsequent
// Init creates a fresh logger. The handle passed in must be the one returned
// by Init; a stale handle is ignored.
func Shutdown(l *ServiceLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLogger == l {
		globalLogger = nil
	}
}

// Global returns the process-wide logger, or a NoOp logger when Init has not
// been called. Components should prefer an injected Logger over this.
func Global() Logger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLogger == nil {
		return NoOp{}
	}
	return globalLogger
}

func newServiceLogger(cfg Config) *ServiceLogger {
	level := cfg.Level
	if level == "" {
		level = os.Getenv("SIGNALFOLD_LOG_LEVEL")
	}
	if level == "" {
		level = "INFO"
	}
	level = strings.ToUpper(level)

	format := cfg.Format
	if format == "" {
		format = os.Getenv("SIGNALFOLD_LOG_FORMAT")
	}
	if format == "" {
		// JSON in Kubernetes for log aggregation, text locally.
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	name := cfg.ServiceName
	if name == "" {
		name = "bootstrap"
	}

	return &ServiceLogger{
		level:        level,
		debug:        level == "DEBUG" || os.Getenv("SIGNALFOLD_DEBUG") == "true",
		serviceName:  name,
		format:       format,
		output:       output,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// Info logs informational messages.
func (l *ServiceLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages.
func (l *ServiceLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting.
func (l *ServiceLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages when debug mode is enabled.
func (l *ServiceLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// AttachPipeline connects the logger to the composed log pipeline. Every
// record logged after this point is additionally emitted through the
// pipeline's exporters. Passing nil detaches.
func (l *ServiceLogger) AttachPipeline(provider otellog.LoggerProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if provider == nil {
		l.mirror = nil
		return
	}
	l.mirror = provider.Logger("github.com/signalfold/bootstrap")
}

// SetLevel dynamically updates the log level.
func (l *ServiceLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing).
func (l *ServiceLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ServiceLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now()

	// Layer 1: console output.
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}

	// Layer 2: mirror into the log pipeline when attached.
	l.emitRecord(timestamp, level, msg, fields)
}

func (l *ServiceLogger) logJSON(ts time.Time, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": ts.Format(time.RFC3339),
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ServiceLogger) logText(ts time.Time, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Error first for readability, then the rest.
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", fmt.Sprintf("%v", err)))
		}
		for k, v := range fields {
			if k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n",
		ts.Format(time.RFC3339), level, l.serviceName, msg, fieldStr.String())
}

func (l *ServiceLogger) emitRecord(ts time.Time, level, msg string, fields map[string]interface{}) {
	if l.mirror == nil {
		return
	}

	var rec otellog.Record
	rec.SetTimestamp(ts)
	rec.SetSeverity(severityFor(level))
	rec.SetSeverityText(level)
	rec.SetBody(otellog.StringValue(msg))
	for k, v := range fields {
		rec.AddAttributes(otellog.String(k, fmt.Sprintf("%v", v)))
	}
	l.mirror.Emit(context.Background(), rec)
}

func severityFor(level string) otellog.Severity {
	switch level {
	case "DEBUG":
		return otellog.SeverityDebug
	case "WARN":
		return otellog.SeverityWarn
	case "ERROR":
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}

func (l *ServiceLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}
	current, ok1 := levels[l.level]
	message, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return message >= current
}

// NoOp is a Logger that discards everything. Used before Init and as the
// default for components constructed without an explicit logger.
type NoOp struct{}

func (NoOp) Info(msg string, fields map[string]interface{})  {}
func (NoOp) Warn(msg string, fields map[string]interface{})  {}
func (NoOp) Error(msg string, fields map[string]interface{}) {}
func (NoOp) Debug(msg string, fields map[string]interface{}) {}
