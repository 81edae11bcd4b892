package compaction

import (
	"bytes"
	"sort"

	"github.com/exchange-core/matching-core/internal/storage/memtable"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/internal/storage/sstable"
)

type mergedEntry struct {
	key      memtable.Key
	keyBytes []byte
	rec      record.Record
}

// mergeEntries opens every input file, concatenates their entries, sorts by
// key, and drops duplicate keys keeping the entry from the most recently
// written (highest file ID) source — the usual LSM tie-break when the same
// key appears in more than one level during compaction.
func mergeEntries(files []FileMeta) ([]mergedEntry, error) {
	type withSrc struct {
		mergedEntry
		srcID uint64
	}
	var all []withSrc

	for _, fm := range files {
		r, err := sstable.OpenOLTP(fm.Path)
		if err != nil {
			return nil, err
		}
		recs, err := r.Scan()
		if err != nil {
			r.Close()
			return nil, err
		}
		for _, rec := range recs {
			kb := sstable.EncodeKey(rec.TimestampNano, rec.Sequence)
			all = append(all, withSrc{
				mergedEntry: mergedEntry{
					key:      memtable.Key{TimestampNano: rec.TimestampNano, Sequence: rec.Sequence},
					keyBytes: kb,
					rec:      rec,
				},
				srcID: fm.ID,
			})
		}
		r.Close()
	}

	sort.SliceStable(all, func(i, j int) bool {
		c := bytes.Compare(all[i].keyBytes, all[j].keyBytes)
		if c != 0 {
			return c < 0
		}
		return all[i].srcID < all[j].srcID
	})

	out := make([]mergedEntry, 0, len(all))
	for i, e := range all {
		if i+1 < len(all) && bytes.Equal(e.keyBytes, all[i+1].keyBytes) {
			continue // a later entry (higher srcID, due to stable sort) wins
		}
		out = append(out, e.mergedEntry)
	}
	return out, nil
}

func writeOLTPKeyed(path string, category uint8, keys []memtable.Key, recs []record.Record, fpRate float64) error {
	return sstable.WriteOLTP(path, category, keys, recs, fpRate)
}
