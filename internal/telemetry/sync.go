package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const syncScopeName = "github.com/tbd-sync/tbd/sync"

// SyncMetrics counts merge outcomes across sync passes.
type SyncMetrics struct {
	merges    metric.Int64Counter
	conflicts metric.Int64Counter
	failures  metric.Int64Counter
	retries   metric.Int64Counter
}

// NewSyncMetrics registers the sync counters on the global meter. With
// telemetry disabled the meter is a no-op.
func NewSyncMetrics() *SyncMetrics {
	m := Meter(syncScopeName)
	merges, _ := m.Int64Counter("tbd.sync.merges",
		metric.WithDescription("Records merged by content merge"),
	)
	conflicts, _ := m.Int64Counter("tbd.sync.conflicts",
		metric.WithDescription("Values archived to the attic"),
	)
	failures, _ := m.Int64Counter("tbd.sync.merge_failures",
		metric.WithDescription("Records whose merge failed and kept the local copy"),
	)
	retries, _ := m.Int64Counter("tbd.sync.push_retries",
		metric.WithDescription("Push attempts retried after rejection or timeout"),
	)
	return &SyncMetrics{merges: merges, conflicts: conflicts, failures: failures, retries: retries}
}

// RecordMerge counts one content-merge pass.
func (s *SyncMetrics) RecordMerge(ctx context.Context, merged, conflicts, failures int) {
	if s == nil {
		return
	}
	s.merges.Add(ctx, int64(merged))
	s.conflicts.Add(ctx, int64(conflicts))
	s.failures.Add(ctx, int64(failures))
}

// RecordRetry counts one retried network operation.
func (s *SyncMetrics) RecordRetry(ctx context.Context, op string) {
	if s == nil {
		return
	}
	s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("tbd.sync.op", op)))
}
