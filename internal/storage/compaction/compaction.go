// Package compaction implements the storage engine's leveled compactor:
// L0 compacts at 4 files, L(n+1)'s target size is 10x L(n)'s, and a
// background pass merges overlapping files level by level, writing new
// SSTables and atomically retiring old ones. Within L1+, no two files
// have overlapping key ranges.
package compaction

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/exchange-core/matching-core/internal/storage/memtable"
	"github.com/exchange-core/matching-core/internal/storage/record"
)

// L0FileTrigger is the number of L0 files that triggers a compaction into L1.
const L0FileTrigger = 4

// LevelSizeFactor is the per-level target size multiplier: L(n+1)'s target
// byte size is LevelSizeFactor times L(n)'s.
const LevelSizeFactor = 10

// FileMeta describes one on-disk OLTP SSTable tracked by the compactor.
type FileMeta struct {
	ID       uint64
	Level    int
	Path     string
	MinKey   []byte
	MaxKey   []byte
	Size     int64
	Category uint8
}

func (f FileMeta) overlaps(g FileMeta) bool {
	return bytes.Compare(f.MinKey, g.MaxKey) <= 0 && bytes.Compare(g.MinKey, f.MaxKey) <= 0
}

// Compactor owns one category's leveled set of OLTP SSTables under dir
// and merges them in the background.
type Compactor struct {
	mu       sync.Mutex
	dir      string
	category uint8
	nextID   uint64
	levels   map[int][]FileMeta

	falsePositiveRate float64
}

// New returns a Compactor rooted at dir (the "sstables" directory under the
// Engine's root) tracking SSTables for one record category.
func New(dir string, category uint8) *Compactor {
	return &Compactor{
		dir:               dir,
		category:          category,
		levels:            make(map[int][]FileMeta),
		falsePositiveRate: 0.01,
		nextID:            1,
	}
}

// AddL0 registers a freshly flushed MemTable's SSTable as a new L0 file.
func (c *Compactor) AddL0(path string, minKey, maxKey []byte, size int64) FileMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	fm := FileMeta{ID: c.nextID, Level: 0, Path: path, MinKey: minKey, MaxKey: maxKey, Size: size, Category: c.category}
	c.nextID++
	c.levels[0] = append(c.levels[0], fm)
	return fm
}

// Restore re-registers a file recovered from the checkpoint manifest at
// its recorded level, keeping nextID above every restored ID so new L0
// files never collide with recovered ones.
func (c *Compactor) Restore(fm FileMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[fm.Level] = append(c.levels[fm.Level], fm)
	if fm.ID >= c.nextID {
		c.nextID = fm.ID + 1
	}
}

// Files returns a snapshot of every tracked file at level n.
func (c *Compactor) Files(level int) []FileMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FileMeta, len(c.levels[level]))
	copy(out, c.levels[level])
	return out
}

// levelSize sums file sizes at level n.
func (c *Compactor) levelSize(n int) int64 {
	var total int64
	for _, f := range c.levels[n] {
		total += f.Size
	}
	return total
}

func levelTargetSize(n int, l0Size int64) int64 {
	target := l0Size
	for i := 0; i < n; i++ {
		target *= LevelSizeFactor
	}
	return target
}

// NeedsCompaction reports whether any level currently exceeds its trigger.
func (c *Compactor) NeedsCompaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.levels[0]) >= L0FileTrigger {
		return true
	}
	base := c.levelSize(0)
	if base == 0 {
		return false
	}
	for n := 1; ; n++ {
		if len(c.levels[n]) == 0 {
			return false
		}
		if c.levelSize(n) > levelTargetSize(n, base) {
			return true
		}
	}
}

// RunOnce performs one compaction pass if any level needs it, merging L0
// into L1 first (since L0 files may overlap each other), then cascading
// down any level whose size exceeds its target. It returns the number of
// output files written, or 0 if nothing needed compacting.
func (c *Compactor) RunOnce() (int, error) {
	c.mu.Lock()
	l0 := append([]FileMeta(nil), c.levels[0]...)
	c.mu.Unlock()

	written := 0
	if len(l0) >= L0FileTrigger {
		n, err := c.compactLevel(0, l0)
		if err != nil {
			return written, err
		}
		written += n
	}

	for n := 1; n < 16; n++ {
		c.mu.Lock()
		files := append([]FileMeta(nil), c.levels[n]...)
		base := c.levelSize(0)
		needs := base > 0 && c.levelSize(n) > levelTargetSize(n, base) && len(files) > 0
		c.mu.Unlock()
		if !needs {
			break
		}
		m, err := c.compactLevel(n, files[:1])
		if err != nil {
			return written, err
		}
		written += m
	}
	return written, nil
}

// compactLevel merges the given source files (all from level `level`) with
// every overlapping file in level+1, writes the merged output as new
// level+1 file(s), and atomically retires the inputs.
func (c *Compactor) compactLevel(level int, sources []FileMeta) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	target := level + 1

	c.mu.Lock()
	var overlapping []FileMeta
	for _, f := range c.levels[target] {
		for _, s := range sources {
			if f.overlaps(s) {
				overlapping = append(overlapping, f)
				break
			}
		}
	}
	c.mu.Unlock()

	inputs := append(append([]FileMeta(nil), sources...), overlapping...)

	merged, err := mergeEntries(inputs)
	if err != nil {
		return 0, fmt.Errorf("compaction: merge level %d->%d: %w", level, target, err)
	}
	if len(merged) == 0 {
		c.retire(level, target, sources, overlapping, nil)
		return 0, nil
	}

	outDir := filepath.Join(c.dir, fmt.Sprintf("L%d", target))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("compaction: mkdir %s: %w", outDir, err)
	}

	c.mu.Lock()
	newID := c.nextID
	c.nextID++
	c.mu.Unlock()

	outPath := filepath.Join(outDir, fmt.Sprintf("%06d.sst", newID))
	keys := make([]memtable.Key, len(merged))
	recs := make([]record.Record, len(merged))
	for i, e := range merged {
		keys[i] = e.key
		recs[i] = e.rec
	}
	if err := writeOLTPKeyed(outPath, c.category, keys, recs, c.falsePositiveRate); err != nil {
		return 0, err
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return 0, err
	}

	newFile := FileMeta{
		ID:       newID,
		Level:    target,
		Path:     outPath,
		MinKey:   merged[0].keyBytes,
		MaxKey:   merged[len(merged)-1].keyBytes,
		Size:     info.Size(),
		Category: c.category,
	}
	c.retire(level, target, sources, overlapping, &newFile)
	return 1, nil
}

func (c *Compactor) retire(srcLevel, dstLevel int, sources, overlapping []FileMeta, newFile *FileMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removeIDs := make(map[uint64]bool, len(sources)+len(overlapping))
	for _, f := range sources {
		removeIDs[f.ID] = true
	}
	for _, f := range overlapping {
		removeIDs[f.ID] = true
	}

	c.levels[srcLevel] = filterOut(c.levels[srcLevel], removeIDs)
	c.levels[dstLevel] = filterOut(c.levels[dstLevel], removeIDs)
	if newFile != nil {
		c.levels[dstLevel] = append(c.levels[dstLevel], *newFile)
		sort.Slice(c.levels[dstLevel], func(i, j int) bool {
			return bytes.Compare(c.levels[dstLevel][i].MinKey, c.levels[dstLevel][j].MinKey) < 0
		})
	}

	for _, f := range sources {
		_ = os.Remove(f.Path)
	}
	for _, f := range overlapping {
		_ = os.Remove(f.Path)
	}
}

func filterOut(files []FileMeta, removeIDs map[uint64]bool) []FileMeta {
	out := files[:0:0]
	for _, f := range files {
		if !removeIDs[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

// Run starts a background compaction loop, checking every interval, until
// ctx-like stop channel is closed. Background compaction errors are logged
// via onErr and retried on the next tick; a failing compaction does not
// throttle or stall writes.
func (c *Compactor) Run(stop <-chan struct{}, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.NeedsCompaction() {
				if _, err := c.RunOnce(); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}
}
