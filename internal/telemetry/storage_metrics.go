package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds all the metric instruments of the storage engine.
// A nil *StorageMetrics is valid and records nothing.
type StorageMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter

	CacheHitsCounter         metric.Int64Counter
	CacheMissesCounter       metric.Int64Counter
	CacheEvictionsCounter    metric.Int64Counter
	CacheBackpressureCounter metric.Int64Counter

	WalCommitsCounter       metric.Int64Counter
	WalPagesCounter         metric.Int64Counter
	WalCommitLatency        metric.Int64Histogram
	WalReplayedPagesCounter metric.Int64Counter

	PagesAllocatedCounter metric.Int64Counter
	PagesFreedCounter     metric.Int64Counter
	LockTimeoutsCounter   metric.Int64Counter
}

// NewStorageMetrics creates and registers all the metrics of the storage engine.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.OpsStartedCounter, "gojodoc.ops.started_total", "Total number of operations started."},
		{&m.OpsHandledCounter, "gojodoc.ops.handled_total", "Total number of operations completed."},
		{&m.CacheHitsCounter, "gojodoc.cache.hits_total", "Page cache hits."},
		{&m.CacheMissesCounter, "gojodoc.cache.misses_total", "Page cache misses."},
		{&m.CacheEvictionsCounter, "gojodoc.cache.evictions_total", "Pages evicted from the cache."},
		{&m.CacheBackpressureCounter, "gojodoc.cache.backpressure_total", "Pages left uncached because every entry was pinned."},
		{&m.WalCommitsCounter, "gojodoc.wal.commits_total", "Durable WAL commits."},
		{&m.WalPagesCounter, "gojodoc.wal.pages_total", "Page images written through the WAL."},
		{&m.WalReplayedPagesCounter, "gojodoc.wal.replayed_pages_total", "Page images replayed from the WAL at open."},
		{&m.PagesAllocatedCounter, "gojodoc.pages.allocated_total", "Pages allocated."},
		{&m.PagesFreedCounter, "gojodoc.pages.freed_total", "Pages deallocated."},
		{&m.LockTimeoutsCounter, "gojodoc.locks.timeouts_total", "Lock acquisitions that timed out."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.OpLatencyHistogram, err = meter.Int64Histogram(
		"gojodoc.ops.duration",
		metric.WithDescription("The latency of operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.WalCommitLatency, err = meter.Int64Histogram(
		"gojodoc.wal.commit_duration",
		metric.WithDescription("Time from WAL append to WAL reset."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.ActiveOpsUpDownCounter, err = meter.Int64UpDownCounter(
		"gojodoc.ops.active",
		metric.WithDescription("Number of operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *StorageMetrics) add(pick func(*StorageMetrics) metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	if c := pick(m); c != nil {
		c.Add(context.Background(), n, metric.WithAttributes(attrs...))
	}
}

func cacheHits(m *StorageMetrics) metric.Int64Counter         { return m.CacheHitsCounter }
func cacheMisses(m *StorageMetrics) metric.Int64Counter       { return m.CacheMissesCounter }
func cacheEvictions(m *StorageMetrics) metric.Int64Counter    { return m.CacheEvictionsCounter }
func cacheBackpressure(m *StorageMetrics) metric.Int64Counter { return m.CacheBackpressureCounter }
func pagesAllocated(m *StorageMetrics) metric.Int64Counter    { return m.PagesAllocatedCounter }
func pagesFreed(m *StorageMetrics) metric.Int64Counter        { return m.PagesFreedCounter }
func walReplayed(m *StorageMetrics) metric.Int64Counter       { return m.WalReplayedPagesCounter }
func lockTimeouts(m *StorageMetrics) metric.Int64Counter      { return m.LockTimeoutsCounter }
func walCommits(m *StorageMetrics) metric.Int64Counter        { return m.WalCommitsCounter }
func walPages(m *StorageMetrics) metric.Int64Counter          { return m.WalPagesCounter }

func (m *StorageMetrics) CacheHit()          { m.add(cacheHits, 1) }
func (m *StorageMetrics) CacheMiss()         { m.add(cacheMisses, 1) }
func (m *StorageMetrics) CacheEviction()     { m.add(cacheEvictions, 1) }
func (m *StorageMetrics) CacheBackpressure() { m.add(cacheBackpressure, 1) }
func (m *StorageMetrics) PageAllocated()     { m.add(pagesAllocated, 1) }
func (m *StorageMetrics) PageFreed()         { m.add(pagesFreed, 1) }
func (m *StorageMetrics) Replayed(pages int) { m.add(walReplayed, int64(pages)) }

func (m *StorageMetrics) LockTimeout(mode string) {
	m.add(lockTimeouts, 1, attribute.String("lock.mode", mode))
}

// Committed records one WAL commit of pages page images.
func (m *StorageMetrics) Committed(pages int, latency time.Duration) {
	if m == nil {
		return
	}
	m.add(walCommits, 1)
	m.add(walPages, int64(pages))
	if m.WalCommitLatency != nil {
		m.WalCommitLatency.Record(context.Background(), latency.Microseconds())
	}
}

// OpStarted records the start of a collaborator-facing operation.
func (m *StorageMetrics) OpStarted(ctx context.Context, op string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.OpsStartedCounter.Add(ctx, 1, attrs)
	m.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
}

// OpHandled records the completion of an operation started with OpStarted.
func (m *StorageMetrics) OpHandled(ctx context.Context, op string, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("op", op)))
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("code", code))
	m.OpsHandledCounter.Add(ctx, 1, attrs)
	m.OpLatencyHistogram.Record(ctx, elapsed.Milliseconds(), attrs)
}
