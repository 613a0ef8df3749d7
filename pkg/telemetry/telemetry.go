// Package telemetry sets up tracing and the JSON line logger shared by the
// hub, the agent and the operator tools.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request id assigned at the edge. chi's
// RequestID middleware picks it up from the same header.
const RequestIDHeader = "X-Request-Id"

// Options configures Init.
type Options struct {
	Service string
	// Endpoint is the OTLP/HTTP collector. Spans are not exported when empty.
	Endpoint string
	// Level is the minimum level written: DEBUG, INFO, WARN or ERROR.
	Level string
	Out   io.Writer
}

// Telemetry owns the tracer provider and the service logger.
type Telemetry struct {
	Logger *log.Logger

	service  string
	writer   *jsonLogWriter
	provider *sdktrace.TracerProvider
}

// Init configures tracing, propagation and structured logging for a service.
func Init(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.Service == "" {
		return nil, errors.New("telemetry: service name is required")
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.Service),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.Endpoint != "" {
		exporter, err := newTraceExporter(ctx, opts.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	writer := newJSONLogWriter(opts.Service, level, opts.Out)
	return &Telemetry{
		Logger:   log.New(writer, "", 0),
		service:  opts.Service,
		writer:   writer,
		provider: provider,
	}, nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// Middleware traces each request and writes one access log entry for it.
// A request without an X-Request-Id header gets a fresh one.
func (t *Telemetry) Middleware(next http.Handler) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(RequestIDHeader, reqID)
		}
		w.Header().Set(RequestIDHeader, reqID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		e := entry{
			Level:      "INFO",
			Msg:        r.Method + " " + r.URL.Path,
			RequestID:  reqID,
			Remote:     r.RemoteAddr,
			Status:     recorder.status,
			Bytes:      recorder.bytes,
			DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if spanCtx := trace.SpanFromContext(r.Context()).SpanContext(); spanCtx.IsValid() {
			e.TraceID = spanCtx.TraceID().String()
		}
		if recorder.status >= http.StatusInternalServerError {
			e.Level = "ERROR"
		}
		if err := t.writer.write(e); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry: failed to write request log: %v\n", err)
		}
	})

	return otelhttp.NewHandler(handler, t.service)
}

// NewLogger returns a logger that emits one JSON object per line without
// tracing. The level of each line is taken from a leading "INFO", "WARN:" or
// "[ERROR]" style prefix; lines below minLevel are dropped.
func NewLogger(serviceName, minLevel string, out io.Writer) *log.Logger {
	level, err := ParseLevel(minLevel)
	if err != nil {
		level = LevelInfo
	}
	return log.New(newJSONLogWriter(serviceName, level, out), "", 0)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}

// Level ranks log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to its rank. Empty means INFO.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

type entry struct {
	TS         string  `json:"ts"`
	Level      string  `json:"level"`
	Service    string  `json:"service"`
	Msg        string  `json:"msg"`
	TraceID    string  `json:"trace_id,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
	Remote     string  `json:"remote,omitempty"`
	Status     int     `json:"status,omitempty"`
	Bytes      int64   `json:"bytes,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

type jsonLogWriter struct {
	mu      sync.Mutex
	service string
	min     Level
	out     io.Writer
	now     func() time.Time
}

func newJSONLogWriter(service string, min Level, out io.Writer) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	return &jsonLogWriter{service: service, min: min, out: out, now: time.Now}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	lvl, message := splitLevel(strings.TrimSpace(string(p)))
	if err := w.write(entry{Level: lvl, Msg: message}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) write(e entry) error {
	if rank, _ := ParseLevel(e.Level); rank < w.min {
		return nil
	}
	e.TS = w.now().UTC().Format(time.RFC3339Nano)
	e.Service = w.service

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

// splitLevel separates a leading level marker from the message.
func splitLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	if strings.HasPrefix(trimmed, "[") {
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			if lvl, ok := levelName(trimmed[1:idx]); ok {
				return lvl, strings.TrimSpace(trimmed[idx+1:])
			}
		}
	}

	if idx := strings.Index(trimmed, ":"); idx > 0 {
		if lvl, ok := levelName(trimmed[:idx]); ok {
			return lvl, strings.TrimSpace(trimmed[idx+1:])
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) > 1 {
		if lvl, ok := levelName(fields[0]); ok {
			return lvl, strings.TrimSpace(trimmed[len(fields[0]):])
		}
	}

	return "INFO", trimmed
}

func levelName(s string) (string, bool) {
	switch name := strings.ToUpper(strings.TrimSpace(s)); name {
	case "INFO", "ERROR", "WARN", "DEBUG":
		return name, true
	case "WARNING":
		return "WARN", true
	default:
		return "", false
	}
}
