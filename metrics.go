package tcc

import (
	"context"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"time"
)

const instrumentationName = "github.com/qbixus/tcc-go"

type managerMetrics struct {
	begun          metric.Int64Counter
	completed      metric.Int64Counter
	fanoutDuration metric.Int64Histogram
	fanoutFailed   metric.Int64Counter
}

func newManagerMetrics(mp metric.MeterProvider, logger logr.Logger) *managerMetrics {
	meter := mp.Meter(instrumentationName)
	m := &managerMetrics{}
	var err error

	m.begun, err = meter.Int64Counter(
		"tcc.transaction.begun",
		metric.WithDescription("Transactions begun or propagated"),
	)
	logMetricInitError(logger, "tcc.transaction.begun", err)

	m.completed, err = meter.Int64Counter(
		"tcc.transaction.completed",
		metric.WithDescription("Transactions confirmed or cancelled and deleted"),
	)
	logMetricInitError(logger, "tcc.transaction.completed", err)

	m.fanoutDuration, err = meter.Int64Histogram(
		"tcc.fanout.duration_ms",
		metric.WithDescription("Time spent confirming or cancelling the participants of a transaction"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tcc.fanout.duration_ms", err)

	m.fanoutFailed, err = meter.Int64Counter(
		"tcc.fanout.failed",
		metric.WithDescription("Fan-outs that left the transaction record for recovery"),
	)
	logMetricInitError(logger, "tcc.fanout.failed", err)

	return m
}

func (m *managerMetrics) recordBegin(ctx context.Context, typ Type, status Status) {
	if m == nil || m.begun == nil {
		return
	}
	m.begun.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tcc.type", typ.String()),
		attribute.String("tcc.status", status.String()),
	))
}

func (m *managerMetrics) recordCompleted(ctx context.Context, status Status) {
	if m == nil || m.completed == nil {
		return
	}
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("tcc.status", status.String())))
}

func (m *managerMetrics) recordFanout(ctx context.Context, status Status, async bool, duration time.Duration, result string) {
	if m == nil || m.fanoutDuration == nil {
		return
	}
	m.fanoutDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(
		attribute.String("tcc.status", status.String()),
		attribute.String("tcc.mode", fanoutMode(async)),
		attribute.String("tcc.result", result),
	))
}

func (m *managerMetrics) recordFanoutFailure(ctx context.Context, status Status, async bool, reason string) {
	if m == nil || m.fanoutFailed == nil {
		return
	}
	m.fanoutFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tcc.status", status.String()),
		attribute.String("tcc.mode", fanoutMode(async)),
		attribute.String("tcc.reason", reason),
	))
}

func fanoutMode(async bool) string {
	if async {
		return "async"
	}
	return "sync"
}

func logMetricInitError(logger logr.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Error(err, "tcc.metrics.init_failed", "instrument", name)
}
