// Package storage wires the WAL, MemTables, SSTables, indices, compactor
// and checkpoint manifest into one Engine, the single entry point every
// other component writes through. One Engine instance owns one on-disk
// root: `<root>/{wal/, sstables/L{n}/, manifest}`.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/storage/checkpoint"
	"github.com/exchange-core/matching-core/internal/storage/compaction"
	"github.com/exchange-core/matching-core/internal/storage/index"
	"github.com/exchange-core/matching-core/internal/storage/memtable"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/internal/storage/sstable"
	"github.com/exchange-core/matching-core/internal/storage/wal"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"

	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// Config controls flush/compaction/checkpoint thresholds for one Engine.
type Config struct {
	Root string

	WALRotateBytes int64 // default 1 GiB

	OLTPFlushBytes int64         // default 64 MiB
	OLTPFlushIdle  time.Duration // default 60s

	OLAPFlushRows int           // default 100_000
	OLAPFlushIdle time.Duration // default 5m

	CheckpointInterval time.Duration // default 1h
	BloomFalsePositive float64       // default 0.01
}

func (c *Config) setDefaults() {
	if c.WALRotateBytes == 0 {
		c.WALRotateBytes = 1 << 30
	}
	if c.OLTPFlushBytes == 0 {
		c.OLTPFlushBytes = 64 << 20
	}
	if c.OLTPFlushIdle == 0 {
		c.OLTPFlushIdle = 60 * time.Second
	}
	if c.OLAPFlushRows == 0 {
		c.OLAPFlushRows = 100_000
	}
	if c.OLAPFlushIdle == 0 {
		c.OLAPFlushIdle = 5 * time.Minute
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = time.Hour
	}
	if c.BloomFalsePositive == 0 {
		c.BloomFalsePositive = 0.01
	}
}

// Engine is the top-level storage component, composing the WAL, both
// MemTables, per-category SSTable compactors, the index Manager and the
// checkpoint manifest.
type Engine struct {
	cfg   Config
	clock clock.Clock
	seq   *clock.SequenceGen

	w *wal.WAL

	mu         sync.Mutex // guards oltp/olap swap-on-freeze and compactors map
	oltp       *memtable.OLTP
	olap       *memtable.OLAP
	olapMem    arrowmem.Allocator
	compactors map[uint8]*compaction.Compactor

	idx *index.Manager

	manifest *checkpoint.Manifest
}

// Open opens (or creates) an Engine rooted at cfg.Root: recovers the WAL,
// replays it into fresh MemTables and the index, and opens the checkpoint
// manifest.
func Open(cfg Config, clk clock.Clock) (*Engine, error) {
	cfg.setDefaults()

	walDir := filepath.Join(cfg.Root, "wal")
	w, err := wal.Open(walDir, cfg.WALRotateBytes)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal: %w", err)
	}

	m, err := checkpoint.Open(filepath.Join(cfg.Root, "manifest"))
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("storage: open manifest: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		clock:      clk,
		seq:        &clock.SequenceGen{},
		w:          w,
		oltp:       memtable.New(),
		olapMem:    arrowmem.NewGoAllocator(),
		compactors: make(map[uint8]*compaction.Compactor),
		idx:        index.NewManager(),
		manifest:   m,
	}
	e.olap = memtable.NewOLAP(e.olapMem)

	// The manifest names every SSTable that survived the last checkpoint;
	// WAL segments below the checkpointed sequence were retired, so those
	// records are only reachable through the restored file set. Replay
	// below skips records the checkpoint already covers, otherwise the
	// tail segment (which is never retired) would resurface them twice.
	files, manifestSeq, _, ok, err := m.Load(context.Background())
	if err != nil {
		w.Close()
		m.Close()
		return nil, fmt.Errorf("storage: load manifest: %w", err)
	}
	if ok {
		for _, fe := range files {
			c, found := e.compactors[fe.Category]
			if !found {
				c = compaction.New(filepath.Join(cfg.Root, "sstables"), fe.Category)
				e.compactors[fe.Category] = c
			}
			c.Restore(compaction.FileMeta{
				ID: fe.ID, Level: fe.Level, Path: fe.Path,
				MinKey: fe.MinKey, MaxKey: fe.MaxKey,
				Category: fe.Category, Size: fe.Size,
			})
		}
	}

	maxSeq := manifestSeq
	if err := wal.Replay(walDir, func(rec record.Record) error {
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
		if rec.Sequence <= manifestSeq {
			return nil
		}
		if err := e.oltp.Put(rec); err != nil {
			return err
		}
		e.idx.Index(rec, index.Offset{FileID: w.CurrentSegmentID(), Pos: int64(rec.Sequence)})
		return nil
	}); err != nil {
		w.Close()
		m.Close()
		return nil, fmt.Errorf("storage: replay wal: %w", err)
	}
	if maxSeq > 0 {
		e.seq.SetNext(maxSeq + 1)
	}

	return e, nil
}

// CompactNow drives every category's compactor until no level exceeds its
// trigger. Used by operator tooling; the write path compacts inline as
// flushes land.
func (e *Engine) CompactNow() (int, error) {
	e.mu.Lock()
	compactors := make([]*compaction.Compactor, 0, len(e.compactors))
	for _, c := range e.compactors {
		compactors = append(compactors, c)
	}
	e.mu.Unlock()

	total := 0
	for _, c := range compactors {
		for c.NeedsCompaction() {
			n, err := c.RunOnce()
			if err != nil {
				return total, err
			}
			if n == 0 {
				break
			}
			total += n
		}
	}
	return total, nil
}

// Append writes one record (replication's StorageApplier on a Slave uses
// it; the notification bus's StorageSubscriber uses AppendBatch): it
// assigns the record's monotonic sequence, durably logs it to
// the WAL, indexes it, and buffers it in the active OLTP MemTable, flushing
// either MemTable if its trigger has been crossed.
func (e *Engine) Append(rec record.Record) (uint64, error) {
	rec.Sequence = e.seq.Next()
	if rec.TimestampNano == 0 {
		rec.TimestampNano = e.clock.Now().UnixNano()
	}

	if err := e.w.Append(rec); err != nil {
		return 0, xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeWalCrcMismatch,
			"wal append failed, halting writes", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.oltp.Put(rec); err != nil {
		return 0, err
	}
	e.idx.Index(rec, index.Offset{FileID: e.w.CurrentSegmentID(), Pos: int64(rec.Sequence)})

	if e.shouldFlushOLTPLocked() {
		if err := e.flushOLTPLocked(); err != nil {
			return rec.Sequence, err
		}
	}
	return rec.Sequence, nil
}

// AppendBatch appends every record as one WAL batch (one fsync), then
// buffers and indexes each — used by notification.StorageSubscriber for
// each batch it drains from the bus.
func (e *Engine) AppendBatch(recs []record.Record) ([]uint64, error) {
	seqs := make([]uint64, len(recs))
	for i := range recs {
		recs[i].Sequence = e.seq.Next()
		if recs[i].TimestampNano == 0 {
			recs[i].TimestampNano = e.clock.Now().UnixNano()
		}
		seqs[i] = recs[i].Sequence
	}
	if err := e.w.AppendBatch(recs); err != nil {
		return nil, xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeWalCrcMismatch,
			"wal append batch failed, halting writes", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range recs {
		if err := e.oltp.Put(rec); err != nil {
			return seqs, err
		}
		e.idx.Index(rec, index.Offset{FileID: e.w.CurrentSegmentID(), Pos: int64(rec.Sequence)})
	}
	if e.shouldFlushOLTPLocked() {
		if err := e.flushOLTPLocked(); err != nil {
			return seqs, err
		}
	}
	return seqs, nil
}

func (e *Engine) shouldFlushOLTPLocked() bool {
	return e.oltp.ApproxBytes() >= e.cfg.OLTPFlushBytes ||
		(e.oltp.Len() > 0 && e.clock.Now().UnixNano()-e.oltp.LastWriteNano() >= e.cfg.OLTPFlushIdle.Nanoseconds())
}

// flushOLTPLocked freezes the active OLTP MemTable, swaps in an empty one,
// writes the frozen snapshot to per-category SSTables, and feeds the same
// snapshot into the OLAP MemTable. Caller must hold e.mu.
func (e *Engine) flushOLTPLocked() error {
	frozen := e.oltp
	frozen.Freeze()
	e.oltp = memtable.New()

	snapshot := frozen.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	byCategory := make(map[uint8][]record.Record)
	for _, rec := range snapshot {
		cat := uint8(rec.Kind.Category())
		byCategory[cat] = append(byCategory[cat], rec)
	}

	for cat, recs := range byCategory {
		if err := e.flushCategoryToSSTable(types.RecordCategory(cat), recs); err != nil {
			return err
		}
	}

	if err := e.olap.IngestBatch(snapshot); err != nil && err != memtable.ErrFrozen {
		return fmt.Errorf("storage: ingest olap snapshot: %w", err)
	}
	if e.olap.Rows() >= e.cfg.OLAPFlushRows {
		if err := e.flushOLAPLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushOLAPLocked() error {
	batch := e.olap.Freeze()
	defer batch.Release()

	dir := filepath.Join(e.cfg.Root, "sstables", "olap")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%06d.olap", e.seq.Last()))
	w, err := sstable.CreateOLAP(path, e.cfg.OLAPFlushRows)
	if err != nil {
		return err
	}
	if err := w.WriteRowGroup(batch); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	e.olap = memtable.NewOLAP(e.olapMem)
	return nil
}

func (e *Engine) flushCategoryToSSTable(cat types.RecordCategory, recs []record.Record) error {
	c, ok := e.compactors[uint8(cat)]
	if !ok {
		dir := filepath.Join(e.cfg.Root, "sstables")
		c = compaction.New(dir, uint8(cat))
		e.compactors[uint8(cat)] = c
	}

	l0Dir := filepath.Join(e.cfg.Root, "sstables", "L0")
	if err := os.MkdirAll(l0Dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", l0Dir, err)
	}

	keys := make([]memtable.Key, len(recs))
	for i, rec := range recs {
		keys[i] = memtable.Key{TimestampNano: rec.TimestampNano, Sequence: rec.Sequence}
	}
	path := filepath.Join(l0Dir, fmt.Sprintf("%06d-c%d.sst", e.seq.Last(), cat))
	if err := sstable.WriteOLTP(path, uint8(cat), keys, recs, e.cfg.BloomFalsePositive); err != nil {
		return fmt.Errorf("storage: flush category %d: %w", cat, err)
	}

	minKey := sstable.EncodeKey(recs[0].TimestampNano, recs[0].Sequence)
	maxKey := sstable.EncodeKey(recs[len(recs)-1].TimestampNano, recs[len(recs)-1].Sequence)
	c.AddL0(path, minKey, maxKey, int64(len(recs))*128)

	if c.NeedsCompaction() {
		if _, err := c.RunOnce(); err != nil {
			return fmt.Errorf("storage: compaction for category %d: %w", cat, err)
		}
	}
	return nil
}

// Query answers an index-routed lookup over every category's compacted
// SSTables plus the active OLTP MemTable, returning decoded records.
func (e *Engine) Query(q index.Query) ([]record.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []record.Record
	for _, rec := range e.oltp.Snapshot() {
		if matchesQuery(rec, q) {
			out = append(out, rec)
		}
	}

	for cat, c := range e.compactors {
		if q.Kind != nil && uint8(q.Kind.Category()) != cat {
			continue
		}
		for level := 0; level < 16; level++ {
			for _, fm := range c.Files(level) {
				r, err := sstable.OpenOLTP(fm.Path)
				if err != nil {
					return nil, fmt.Errorf("storage: open sstable %s: %w", fm.Path, err)
				}
				recs, err := r.Scan()
				r.Close()
				if err != nil {
					return nil, fmt.Errorf("storage: scan sstable %s: %w", fm.Path, err)
				}
				for _, rec := range recs {
					if matchesQuery(rec, q) {
						out = append(out, rec)
					}
				}
			}
		}
	}
	return out, nil
}

func matchesQuery(rec record.Record, q index.Query) bool {
	if q.Instrument != "" && rec.InstrumentID != q.Instrument {
		return false
	}
	if q.Kind != nil && rec.Kind != *q.Kind {
		return false
	}
	if rec.TimestampNano < q.FromNano {
		return false
	}
	if q.ToNano != 0 && rec.TimestampNano > q.ToNano {
		return false
	}
	return true
}

// LiveFiles implements checkpoint.Source: every live SSTable across every
// category's compactor, at every level.
func (e *Engine) LiveFiles() []checkpoint.FileEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []checkpoint.FileEntry
	for _, c := range e.compactors {
		for level := 0; level < 16; level++ {
			for _, fm := range c.Files(level) {
				out = append(out, checkpoint.FileEntry{
					ID: fm.ID, Level: fm.Level, Path: fm.Path,
					MinKey: fm.MinKey, MaxKey: fm.MaxKey,
					Category: fm.Category, Size: fm.Size,
				})
			}
		}
	}
	return out
}

// DurableWALSequence implements checkpoint.Source.
func (e *Engine) DurableWALSequence() uint64 { return e.seq.Last() }

// CurrentWALSegmentID implements checkpoint.Source.
func (e *Engine) CurrentWALSegmentID() uint64 { return e.w.CurrentSegmentID() }

// WALDir implements checkpoint.Source.
func (e *Engine) WALDir() string { return filepath.Join(e.cfg.Root, "wal") }

// Checkpoint runs one manifest commit plus WAL segment retirement
// immediately, flushing both MemTables first.
func (e *Engine) Checkpoint(ctx context.Context, manifest *checkpoint.Manifest) error {
	e.mu.Lock()
	if e.oltp.Len() > 0 {
		if err := e.flushOLTPLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	if e.olap.Rows() > 0 {
		if err := e.flushOLAPLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	sched := checkpoint.NewScheduler(manifest, e, e.cfg.CheckpointInterval)
	return sched.RunOnce(ctx)
}

// Manifest returns the Engine's checkpoint manifest handle.
func (e *Engine) Manifest() *checkpoint.Manifest { return e.manifest }

// Close flushes nothing (a clean shutdown should Checkpoint first) and
// closes the WAL and manifest handles.
func (e *Engine) Close() error {
	if err := e.w.Close(); err != nil {
		return err
	}
	return e.manifest.Close()
}
