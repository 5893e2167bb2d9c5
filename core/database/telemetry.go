package database

import (
	"context"
	"time"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (db *Database) startMetricsAndTrace(ctx context.Context, op, collection string) (context.Context, trace.Span, time.Time) {
	start := time.Now()
	db.metrics.OpStarted(ctx, op)
	attrs := []attribute.KeyValue{attribute.String("db.operation", op)}
	if collection != "" {
		attrs = append(attrs, attribute.String("db.collection", collection))
	}
	ctx, span := db.tracer.Start(ctx, "gojodoc."+op, trace.WithAttributes(attrs...))
	return ctx, span, start
}

func (db *Database) endMetricsAndTrace(ctx context.Context, span trace.Span, start time.Time, op string, err error) {
	code := "OK"
	if err != nil {
		code = dberrors.CodeOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("db.error_code", code))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	db.metrics.OpHandled(ctx, op, code, time.Since(start))
}
