package common

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/pageframes/errext"
)

const tracerName = "github.com/liuxd6825/pageframes/common"

// WithTracerProvider sets where action spans are reported. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) FrameManagerOption {
	return func(m *FrameManager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

func (m *FrameManager) startSpan(f *Frame, api string, attrs ...attribute.KeyValue) trace.Span {
	tracer := m.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	m.mu.RLock()
	attrs = append(attrs,
		attribute.String("frame.id", string(f.id)),
		attribute.String("frame.url", f.url),
	)
	m.mu.RUnlock()

	_, span := tracer.Start(context.Background(), "frame."+api, trace.WithAttributes(attrs...))
	return span
}

// endSpan ends the span of the operation api on f. A failure is recorded on
// the span and logged with its formatted message and fields.
func (m *FrameManager) endSpan(f *Frame, api string, span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	msg, fields := errext.Format(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case bool:
			attrs = append(attrs, attribute.Bool("error."+k, v))
		default:
			attrs = append(attrs, attribute.String("error."+k, fmt.Sprint(v)))
		}
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, msg)

	m.logger.Debugf("Frame:"+api, "fid:%v failed: %s %v", f.ID(), msg, fields)
}
