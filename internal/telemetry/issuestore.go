package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/types"
)

const storageScopeName = "github.com/tbd-sync/tbd/storage"

// InstrumentedIssueStore wraps storage.IssueStore with OTel tracing and
// metrics. Every method gets a span and is counted in tbd.storage.* metrics.
type InstrumentedIssueStore struct {
	inner  storage.IssueStore
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapIssueStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapIssueStore(s storage.IssueStore) storage.IssueStore {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("tbd.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("tbd.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("tbd.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedIssueStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedIssueStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("tbd.storage.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedIssueStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	EndSpan(span, err)
}

func (s *InstrumentedIssueStore) WriteIssue(ctx context.Context, dir string, issue *types.Issue) error {
	attrs := []attribute.KeyValue{attribute.String("tbd.issue.id", issue.ID)}
	ctx, span, t := s.op(ctx, "WriteIssue", attrs...)
	err := s.inner.WriteIssue(ctx, dir, issue)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedIssueStore) ReadIssue(ctx context.Context, dir, id string) (*types.Issue, error) {
	attrs := []attribute.KeyValue{attribute.String("tbd.issue.id", id)}
	ctx, span, t := s.op(ctx, "ReadIssue", attrs...)
	v, err := s.inner.ReadIssue(ctx, dir, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedIssueStore) ListIssues(ctx context.Context, dir string) ([]*types.Issue, error) {
	ctx, span, t := s.op(ctx, "ListIssues")
	v, err := s.inner.ListIssues(ctx, dir)
	span.SetAttributes(attribute.Int("tbd.issue.count", len(v)))
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedIssueStore) DeleteIssue(ctx context.Context, dir, id string) error {
	attrs := []attribute.KeyValue{attribute.String("tbd.issue.id", id)}
	ctx, span, t := s.op(ctx, "DeleteIssue", attrs...)
	err := s.inner.DeleteIssue(ctx, dir, id)
	s.done(ctx, span, t, err, attrs...)
	return err
}
