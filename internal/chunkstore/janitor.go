// internal/chunkstore/janitor.go
// Background eviction of expired device cache chunks. Expiry is honored at
// rest, not only at read time: once a chunk's deadline passes the janitor
// removes its record and blob even if no device ever asks for it again.
package chunkstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/skymanuals/skymanuals-efb-go/internal/metrics"
	"github.com/skymanuals/skymanuals-efb-go/internal/storage"
)

// sweepTimeout bounds one janitor pass.
const sweepTimeout = 5 * time.Minute

// Janitor periodically deletes expired device chunk records and their
// blobs. Records go first; a blob whose record is gone is invisible, so
// blob deletion failures only cost storage until the next pass.
type Janitor struct {
	records  storage.Store
	objects  ObjectStore
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewJanitor creates a janitor sweeping on the given interval.
func NewJanitor(records storage.Store, objects ObjectStore, interval time.Duration) *Janitor {
	return &Janitor{
		records:  records,
		objects:  objects,
		interval: interval,
		metrics:  metrics.NewMetrics(),
	}
}

// Run sweeps on a ticker until ctx is cancelled. Intended to run on its
// own goroutine for the life of the process.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			evicted, err := j.SweepOnce(sweepCtx)
			cancel()
			if err != nil {
				slog.Warn("chunk sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				slog.Info("evicted expired chunks", "count", evicted)
			}
		}
	}
}

// SweepOnce evicts every chunk whose deadline has passed and returns how
// many were removed. Exported so tests and operational tooling can trigger
// a pass directly.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	expired, err := j.records.DeleteExpiredChunks(ctx, time.Now().UTC())
	if err != nil {
		j.metrics.ChunkOperationTotal.WithLabelValues("evict", "error").Inc()
		return 0, err
	}

	for _, chunk := range expired {
		if err := j.objects.Delete(ctx, chunk.ChunkPath); err != nil {
			slog.Warn("expired chunk blob delete failed", "key", chunk.ChunkPath, "error", err)
		}
	}

	if len(expired) > 0 {
		j.metrics.ChunkOperationTotal.WithLabelValues("evict", "ok").Add(float64(len(expired)))
	}
	return len(expired), nil
}
