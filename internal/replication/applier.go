package replication

import (
	"fmt"

	"github.com/exchange-core/matching-core/internal/storage"
	"github.com/exchange-core/matching-core/internal/storage/record"
)

// StorageApplier is the Applier a Slave uses to catch its local storage
// engine up to the Master's committed log: each LogEntry.Payload is a
// record.Record.Encode() envelope, decoded and written through
// storage.Engine.Append one entry at a time, so committed entries apply to
// local durable state in commit order.
type StorageApplier struct {
	engine *storage.Engine
}

// NewStorageApplier wraps engine for use as a Node's Applier.
func NewStorageApplier(engine *storage.Engine) *StorageApplier {
	return &StorageApplier{engine: engine}
}

func (a *StorageApplier) Apply(entry LogEntry) error {
	rec, err := record.Decode(entry.Payload)
	if err != nil {
		return fmt.Errorf("replication: decode committed entry %d: %w", entry.Sequence, err)
	}
	if _, err := a.engine.Append(rec); err != nil {
		return fmt.Errorf("replication: apply committed entry %d: %w", entry.Sequence, err)
	}
	return nil
}
