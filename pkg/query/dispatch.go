package query

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs a parsed query against the data catalog.
type Executor interface {
	ExecuteTimeQuery(ctx context.Context, q TimeQuery) (SearchResult, error)
	ExecuteGeoQuery(ctx context.Context, q GeoQuery) (SearchResult, error)
	ExecuteTextQuery(ctx context.Context, q TextQuery) (SearchResult, error)
}

// Dispatcher classifies raw search payloads and hands them to exactly one
// executor method.
type Dispatcher struct {
	exec   Executor
	logger *slog.Logger
	tracer trace.Tracer
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher returns a dispatcher backed by exec.
func NewDispatcher(exec Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		exec:   exec,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/vyvo/maas/backend/pkg/query"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch parses raw and executes it. Parse failures are returned before the
// executor is touched.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (SearchResult, error) {
	q, err := Parse(raw)
	if err != nil {
		d.logger.Debug("rejected search payload", "error", err)
		return nil, err
	}
	return d.Execute(ctx, q)
}

// Execute routes an already parsed query.
func (d *Dispatcher) Execute(ctx context.Context, q Query) (SearchResult, error) {
	ctx, span := d.tracer.Start(ctx, "query.Execute")
	defer span.End()

	var (
		res SearchResult
		err error
	)
	switch v := q.(type) {
	case TimeQuery:
		span.SetAttributes(attribute.String("maas.query_type", string(TypeTime)))
		res, err = d.exec.ExecuteTimeQuery(ctx, v)
	case GeoQuery:
		span.SetAttributes(attribute.String("maas.query_type", string(TypeGeo)))
		res, err = d.exec.ExecuteGeoQuery(ctx, v)
	case TextQuery:
		span.SetAttributes(attribute.String("maas.query_type", string(TypeText)))
		res, err = d.exec.ExecuteTextQuery(ctx, v)
	default:
		err = fmt.Errorf("%w: %T", ErrUnsupportedQueryType, q)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("maas.result_count", len(res)))
	d.logger.Debug("search dispatched", "query_type", q.Type(), "results", len(res))
	return res, nil
}
