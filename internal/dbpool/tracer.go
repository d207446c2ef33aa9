package dbpool

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/persistorai/custodian/internal/dbpool"

// queryTracer opens one span per statement. With no exporter configured the
// global provider is a no-op and spans cost nothing.
type queryTracer struct {
	tracer trace.Tracer
}

func newQueryTracer() *queryTracer {
	return &queryTracer{tracer: otel.Tracer(tracerName)}
}

// TraceQueryStart implements pgx.QueryTracer.
func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, _ = t.tracer.Start(ctx, "db.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation(data.SQL)),
		),
	)

	return ctx
}

// TraceQueryEnd implements pgx.QueryTracer.
func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, "query failed")
	}

	span.End()
}

// operation returns the leading SQL keyword, which is safe to export
// without leaking parameters.
func operation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}

	return strings.ToUpper(fields[0])
}
