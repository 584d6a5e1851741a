package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"formbridge/internal/storage"
)

// InstrumentedStorage wraps a storage.Storage with a span, a latency
// histogram sample and an error count per call. Not-found reads and failed
// conditions are expected outcomes and are not counted as errors.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var (
	_ storage.Storage = (*InstrumentedStorage)(nil)
	_ storage.Purger  = (*InstrumentedStorage)(nil)
)

func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("formbridge/storage")
	meter := otel.Meter("formbridge/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStorage) Unwrap() storage.Storage {
	return s.inner
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConditionFailed):
		span.SetAttributes(attribute.String("storage.outcome", err.Error()))
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// partition trims the key to its entity prefix so span attributes never
// carry domains or site ids.
func partition(pk string) attribute.KeyValue {
	for i := 0; i < len(pk); i++ {
		if pk[i] == '#' {
			return attribute.String("storage.partition", pk[:i])
		}
	}
	return attribute.String("storage.partition", pk)
}

func (s *InstrumentedStorage) Get(ctx context.Context, pk, sk string) (*storage.Item, error) {
	ctx, span := s.startSpan(ctx, "Get", partition(pk))
	start := time.Now()
	item, err := s.inner.Get(ctx, pk, sk)
	s.record(ctx, span, "Get", start, err)
	return item, err
}

func (s *InstrumentedStorage) Put(ctx context.Context, item *storage.Item, cond storage.Condition) error {
	ctx, span := s.startSpan(ctx, "Put", partition(item.PK), attribute.String("storage.condition", cond.String()))
	start := time.Now()
	err := s.inner.Put(ctx, item, cond)
	s.record(ctx, span, "Put", start, err)
	return err
}

func (s *InstrumentedStorage) Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error) {
	ctx, span := s.startSpan(ctx, "Add", partition(pk))
	start := time.Now()
	n, err := s.inner.Add(ctx, pk, sk, delta, expiresAt)
	s.record(ctx, span, "Add", start, err)
	return n, err
}

func (s *InstrumentedStorage) Query(ctx context.Context, q storage.Query) ([]*storage.Item, error) {
	ctx, span := s.startSpan(ctx, "Query", partition(q.PK), attribute.String("storage.index", q.Index.String()))
	start := time.Now()
	items, err := s.inner.Query(ctx, q)
	s.record(ctx, span, "Query", start, err)
	span.SetAttributes(attribute.Int("storage.rows", len(items)))
	return items, err
}

// Purge forwards to the wrapped store when it needs explicit eviction.
func (s *InstrumentedStorage) Purge(ctx context.Context) (int64, error) {
	p, ok := s.inner.(storage.Purger)
	if !ok {
		return 0, nil
	}
	ctx, span := s.startSpan(ctx, "Purge")
	start := time.Now()
	n, err := p.Purge(ctx)
	s.record(ctx, span, "Purge", start, err)
	return n, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
