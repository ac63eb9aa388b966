// Package telemetry holds the OpenTelemetry instruments shared by the
// storage components. Exporting is left to the embedding process: it only
// has to install global providers before the engine is opened.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Blackdeer1524/RelDB/src/pkg/utils"
)

const instrumentationName = "github.com/Blackdeer1524/RelDB"

type Telemetry struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// Global builds instruments from the globally registered providers.
func Global() (*Telemetry, error) {
	metrics, err := NewMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:  otel.Tracer(instrumentationName),
		Metrics: metrics,
	}, nil
}

func Noop() *Telemetry {
	return &Telemetry{
		Tracer:  nooptrace.NewTracerProvider().Tracer(""),
		Metrics: utils.Must(NewMetrics(noop.NewMeterProvider().Meter(""))),
	}
}

type Metrics struct {
	PageHits     metric.Int64Counter
	PageMisses   metric.Int64Counter
	Evictions    metric.Int64Counter
	PageFlushes  metric.Int64Counter
	FrameWaitsMs metric.Float64Histogram

	LockWaits    metric.Int64Counter
	LockTimeouts metric.Int64Counter
	Deadlocks    metric.Int64Counter

	TxnsStarted   metric.Int64Counter
	TxnsCommitted metric.Int64Counter
	TxnsAborted   metric.Int64Counter

	LogRecords     metric.Int64Counter
	LogFlushes     metric.Int64Counter
	LogFlushMs     metric.Float64Histogram
	Checkpoints    metric.Int64Counter
	RecoveryErrors metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PageHits, "reldb.bufferpool.hits", "Page fetches served from memory."},
		{&m.PageMisses, "reldb.bufferpool.misses", "Page fetches that required a disk read."},
		{&m.Evictions, "reldb.bufferpool.evictions", "Frames reclaimed from resident pages."},
		{&m.PageFlushes, "reldb.bufferpool.flushes", "Dirty page images written to disk."},
		{&m.LockWaits, "reldb.locks.waits", "Lock requests that had to wait."},
		{&m.LockTimeouts, "reldb.locks.timeouts", "Lock requests that timed out."},
		{&m.Deadlocks, "reldb.locks.deadlocks", "Lock requests refused to break a wait-for cycle."},
		{&m.TxnsStarted, "reldb.txns.started", "Transactions started."},
		{&m.TxnsCommitted, "reldb.txns.committed", "Transactions committed."},
		{&m.TxnsAborted, "reldb.txns.aborted", "Transactions rolled back."},
		{&m.LogRecords, "reldb.wal.records", "Log records appended."},
		{&m.LogFlushes, "reldb.wal.flushes", "Log buffer flushes."},
		{&m.Checkpoints, "reldb.wal.checkpoints", "Checkpoints taken."},
		{&m.RecoveryErrors, "reldb.recovery.errors", "Failed recovery attempts."},
	}

	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(
			c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
	}

	m.FrameWaitsMs, err = meter.Float64Histogram(
		"reldb.bufferpool.frame_wait",
		metric.WithDescription("Time spent waiting for a free frame."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.LogFlushMs, err = meter.Float64Histogram(
		"reldb.wal.flush_duration",
		metric.WithDescription("Latency of writing the log buffer to the log file."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
