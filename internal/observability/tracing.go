package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, system, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// DatabaseMetrics holds database-related metrics
type DatabaseMetrics struct {
	queryDuration   metric.Float64Histogram
	queryCount      metric.Int64Counter
	errorCount      metric.Int64Counter
	connectionCount metric.Int64UpDownCounter
}

// NewDatabaseMetrics creates database metrics instruments
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter(instrumentationName)

	queryDuration, err := meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queryCount, err := meter.Int64Counter(
		"db.query.count",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{queries}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"db.error.count",
		metric.WithDescription("Total number of database errors"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	connectionCount, err := meter.Int64UpDownCounter(
		"db.connection.count",
		metric.WithDescription("Number of active database connections"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		queryDuration:   queryDuration,
		queryCount:      queryCount,
		errorCount:      errorCount,
		connectionCount: connectionCount,
	}, nil
}

// RecordQuery records a database query metrics
func (m *DatabaseMetrics) RecordQuery(ctx context.Context, operation, table string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
	}

	m.queryCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.queryDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// TraceDB wraps sql.DB with tracing
type TraceDB struct {
	db      *sql.DB
	system  string
	metrics *DatabaseMetrics
}

// NewTraceDB creates a traced database wrapper. system names the backing
// engine ("sqlite" or "postgresql") for span attributes.
func NewTraceDB(db *sql.DB, system string) (*TraceDB, error) {
	metrics, err := NewDatabaseMetrics()
	if err != nil {
		return nil, err
	}

	return &TraceDB{
		db:      db,
		system:  system,
		metrics: metrics,
	}, nil
}

// QueryContext executes a query with tracing
func (t *TraceDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, span := StartSpan(ctx, "DB Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	defer span.End()

	start := time.Now()
	rows, err := t.db.QueryContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))

	return rows, err
}

// ExecContext executes a statement with tracing
func (t *TraceDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, span := StartSpan(ctx, "DB Exec",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := t.db.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
		if rowsAffected, raErr := result.RowsAffected(); raErr == nil {
			span.SetAttributes(attribute.Int64("db.rows_affected", rowsAffected))
		}
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))

	return result, err
}

// QueryRowContext executes a query that returns a single row with tracing
func (t *TraceDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, span := StartSpan(ctx, "DB QueryRow",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	// Note: span.End() should be called after scanning the row
	// This is a limitation of the sql.Row interface

	row := t.db.QueryRowContext(ctx, query, args...)
	span.End()
	return row
}

// DB returns the underlying database connection
func (t *TraceDB) DB() *sql.DB {
	return t.db
}

func truncateQuery(query string) string {
	if len(query) > 500 {
		return query[:500] + "..."
	}
	return query
}

// SyncMetrics holds custom sync engine metrics
type SyncMetrics struct {
	cycleCount       metric.Int64Counter
	operationsQueued metric.Int64Counter
	conflictCount    metric.Int64Counter
	bytesTransferred metric.Int64Counter
	queueDepth       metric.Int64UpDownCounter
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	cycleCount, err := meter.Int64Counter(
		"medsync.sync.cycles",
		metric.WithDescription("Total number of sync cycles"),
		metric.WithUnit("{cycles}"),
	)
	if err != nil {
		return nil, err
	}

	operationsQueued, err := meter.Int64Counter(
		"medsync.queue.operations",
		metric.WithDescription("Total number of operations enqueued"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	conflictCount, err := meter.Int64Counter(
		"medsync.conflicts.detected",
		metric.WithDescription("Total number of conflicts detected"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	bytesTransferred, err := meter.Int64Counter(
		"medsync.sync.bytes",
		metric.WithDescription("Bytes transferred during sync"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"medsync.queue.depth",
		metric.WithDescription("Number of pending queue operations"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleCount:       cycleCount,
		operationsQueued: operationsQueued,
		conflictCount:    conflictCount,
		bytesTransferred: bytesTransferred,
		queueDepth:       queueDepth,
	}, nil
}

// RecordCycle records a completed sync cycle
func (m *SyncMetrics) RecordCycle(ctx context.Context, trigger string, aborted bool, bytes int64) {
	attrs := []attribute.KeyValue{
		attribute.String("sync.trigger", trigger),
		attribute.Bool("sync.aborted", aborted),
	}
	m.cycleCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		m.bytesTransferred.Add(ctx, bytes)
	}
}

// RecordEnqueue records an operation entering the queue
func (m *SyncMetrics) RecordEnqueue(ctx context.Context, entityType string, priority int) {
	attrs := []attribute.KeyValue{
		attribute.String("entity_type", entityType),
		attribute.Int("priority", priority),
	}
	m.operationsQueued.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.queueDepth.Add(ctx, 1)
}

// RecordDequeue records operations leaving the queue
func (m *SyncMetrics) RecordDequeue(ctx context.Context, count int) {
	m.queueDepth.Add(ctx, int64(-count))
}

// RecordConflict records a detected conflict and its resolution path
func (m *SyncMetrics) RecordConflict(ctx context.Context, strategy, status string) {
	attrs := []attribute.KeyValue{
		attribute.String("conflict.strategy", strategy),
		attribute.String("conflict.status", status),
	}
	m.conflictCount.Add(ctx, 1, metric.WithAttributes(attrs...))
}
