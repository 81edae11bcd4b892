package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/exchange-core/matching-core/internal/storage"
	"github.com/exchange-core/matching-core/internal/storage/record"
)

// StorageSubscriber is the Bus's built-in archival consumer: it drains a
// dedicated all-events subscription and batches writes into the storage
// engine, flushed at size 100 or every 10ms by default. The subscriber
// drains its channel on its own goroutine and never re-enters the
// caller's Publish path.
type StorageSubscriber struct {
	engine *storage.Engine
	log    *slog.Logger

	batchSize int
	batchWait time.Duration
}

// NewStorageSubscriber creates a subscriber that writes through engine.
func NewStorageSubscriber(engine *storage.Engine, batchSize int, batchWait time.Duration, log *slog.Logger) *StorageSubscriber {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchWait <= 0 {
		batchWait = 10 * time.Millisecond
	}
	return &StorageSubscriber{engine: engine, log: log, batchSize: batchSize, batchWait: batchWait}
}

// Run drains events from in until ctx is cancelled or in is closed, batching
// and flushing to storage. Intended to run on its own goroutine, fed by a
// Bus subscription whose channel is passed as in.
func (s *StorageSubscriber) Run(ctx context.Context, in <-chan Event) {
	timer := time.NewTimer(s.batchWait)
	defer timer.Stop()

	var batch []record.Record
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := s.engine.AppendBatch(batch); err != nil {
			s.log.Error("notification: storage subscriber flush failed", "count", len(batch), "err", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev.Record)
			if len(batch) >= s.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.batchWait)
			}
		case <-timer.C:
			flush()
			timer.Reset(s.batchWait)
		}
	}
}
