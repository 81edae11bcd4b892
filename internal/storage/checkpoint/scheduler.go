package checkpoint

import (
	"context"
	"time"

	"github.com/exchange-core/matching-core/internal/storage/wal"
)

// Source supplies the state a periodic checkpoint needs: every live SSTable
// and the WAL position durable as of "now". An *storage.Engine implements
// this.
type Source interface {
	LiveFiles() []FileEntry
	DurableWALSequence() uint64
	CurrentWALSegmentID() uint64
	WALDir() string
}

// Scheduler runs Manifest.Commit plus WAL segment retirement on a fixed
// interval (default hourly).
type Scheduler struct {
	manifest *Manifest
	src      Source
	interval time.Duration
}

// NewScheduler returns a Scheduler that checkpoints src into manifest every
// interval.
func NewScheduler(manifest *Manifest, src Source, interval time.Duration) *Scheduler {
	return &Scheduler{manifest: manifest, src: src, interval: interval}
}

// RunOnce performs a single checkpoint: commit the manifest, then retire
// every WAL segment strictly below the committed sequence.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	files := s.src.LiveFiles()
	seq := s.src.DurableWALSequence()
	segID := s.src.CurrentWALSegmentID()

	if err := s.manifest.Commit(ctx, files, seq, segID); err != nil {
		return err
	}
	return wal.RetireSegmentsBelow(s.src.WALDir(), seq, segID)
}

// Run loops RunOnce every interval until stop is closed. Errors are handed
// to onErr and do not stop the loop — the next tick simply tries again.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}, onErr func(error)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
