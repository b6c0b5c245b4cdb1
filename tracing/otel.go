// Package tracing builds the OpenTelemetry tracer provider that frame
// operations report their spans to.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "pageframes"

var (
	// ErrInvalidTracesOutput indicates that the traces output is not "otel".
	ErrInvalidTracesOutput = errors.New("invalid traces output")
	// ErrInvalidProto indicates that the exporter protocol is not valid.
	ErrInvalidProto = errors.New("invalid protocol")
	// ErrInvalidURLScheme indicates that the exporter URL scheme is not valid.
	ErrInvalidURLScheme = errors.New("invalid URL scheme")
	// ErrInvalidGRPCWithURLPath indicates that a gRPC exporter was given a URL path.
	ErrInvalidGRPCWithURLPath = errors.New("grpc protocol does not support URL path")
)

// TracerProvider is a trace.TracerProvider that can be shut down.
type TracerProvider struct {
	trace.TracerProvider
	shutdown func(ctx context.Context) error
}

// Params describes an OTLP exporter.
type Params struct {
	Proto    string
	Endpoint string
	URLPath  string
	Insecure bool
	Headers  map[string]string
}

// DefaultParams exports over insecure gRPC to a local collector.
func DefaultParams() Params {
	return Params{
		Proto:    "grpc",
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
		Headers:  make(map[string]string),
	}
}

// NewTracerProvider creates a batching tracer provider exporting to the
// collector described by params.
func NewTracerProvider(ctx context.Context, params Params) (*TracerProvider, error) {
	client, err := newClient(params)
	if err != nil {
		return nil, fmt.Errorf("creating TracerProvider exporter client: %w", err)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("creating TracerProvider exporter: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource()),
	)

	return &TracerProvider{
		TracerProvider: prov,
		shutdown:       prov.Shutdown,
	}, nil
}

func newResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

func newClient(params Params) (otlptrace.Client, error) {
	switch params.Proto {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(params.Endpoint),
			otlptracehttp.WithHeaders(params.Headers),
		}
		if params.URLPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(params.URLPath))
		}
		if params.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(params.Endpoint),
			otlptracegrpc.WithHeaders(params.Headers),
		}
		if params.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.NewClient(opts...), nil
	default:
		return nil, ErrInvalidProto
	}
}

// NewNoopTracerProvider returns a provider whose tracers record nothing.
func NewNoopTracerProvider() *TracerProvider {
	return &TracerProvider{
		TracerProvider: noop.NewTracerProvider(),
		shutdown:       func(context.Context) error { return nil },
	}
}

// Shutdown flushes pending spans and releases the exporter. After Shutdown
// all methods are no-ops.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.shutdown(ctx)
}

// FromConfigLine builds a TracerProvider from a line of the form
//
//	otel[=<url>][,proto=http|grpc][,header.<name>=<value>...]
//
// An empty line yields a noop provider.
func FromConfigLine(ctx context.Context, line string) (*TracerProvider, error) {
	if strings.TrimSpace(line) == "" {
		return NewNoopTracerProvider(), nil
	}
	params, err := ParseConfigLine(line)
	if err != nil {
		return nil, err
	}
	return NewTracerProvider(ctx, params)
}

// ParseConfigLine parses the exporter settings of a config line.
func ParseConfigLine(line string) (Params, error) {
	params := DefaultParams()

	line = strings.TrimSpace(line)
	if line == "otel" {
		return params, nil
	}

	output, _, _ := strings.Cut(line, "=")
	if output != "otel" {
		return params, fmt.Errorf("%w %q", ErrInvalidTracesOutput, output)
	}

	for _, token := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(token), "=")
		if !ok {
			return params, fmt.Errorf("otel config option %q has no value", key)
		}

		switch {
		case key == "otel":
			if err := params.parseURL(value); err != nil {
				return params, fmt.Errorf("couldn't parse the otel URL: %w", err)
			}
		case key == "proto":
			if value != "http" && value != "grpc" {
				return params, fmt.Errorf("couldn't parse the otel proto: %w: %q", ErrInvalidProto, value)
			}
			params.Proto = value
		case strings.HasPrefix(key, "header."):
			params.Headers[strings.TrimPrefix(key, "header.")] = value
		default:
			return params, fmt.Errorf("unknown otel config key %s", key)
		}
	}

	if params.Proto == "grpc" && params.URLPath != "" {
		return params, ErrInvalidGRPCWithURLPath
	}

	return params, nil
}

func (p *Params) parseURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrInvalidURLScheme, u.Scheme)
	}

	p.Proto = "http"
	p.Endpoint = u.Host
	p.URLPath = u.Path
	p.Insecure = u.Scheme == "http"

	return nil
}
