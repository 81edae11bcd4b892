// Package index implements the three in-memory secondary indices described
// in the storage subsystem's design: a TimeSeriesIndex ordered by
// timestamp, an InstrumentIndex keyed by interned instrument ID, and a
// RecordTypeIndex keyed by record kind. All three are updated synchronously
// on every WAL append so a query never observes a record the WAL hasn't
// already durably logged.
package index

import "sort"

// Offset locates a record within the storage engine: the Engine records the
// WAL segment that was current when the record was appended, and the
// record's sequence number as Pos. Entries are not rewritten when a
// MemTable is flushed to an SSTable.
type Offset struct {
	FileID uint64
	Pos    int64
}

type tsEntry struct {
	ts      int64
	offsets []Offset
}

// TimeSeriesIndex is an ordered map timestamp_ns -> [offset], used directly
// when a query carries no instrument or record-type predicate, and as the
// nested structure inside InstrumentIndex and RecordTypeIndex.
type TimeSeriesIndex struct {
	entries []tsEntry // sorted ascending by ts
}

// NewTimeSeriesIndex returns an empty index.
func NewTimeSeriesIndex() *TimeSeriesIndex {
	return &TimeSeriesIndex{}
}

// Put records that a record at timestamp ts lives at off. Callers serialize
// concurrent writers themselves (the Manager holds a single write lock
// across all three indices per append, matching "point writes hold briefly").
func (idx *TimeSeriesIndex) Put(ts int64, off Offset) {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ts >= ts })
	if i < len(idx.entries) && idx.entries[i].ts == ts {
		idx.entries[i].offsets = append(idx.entries[i].offsets, off)
		return
	}
	entry := tsEntry{ts: ts, offsets: []Offset{off}}
	idx.entries = append(idx.entries, tsEntry{})
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = entry
}

// Range returns every offset recorded for a timestamp in [fromNano, toNano].
func (idx *TimeSeriesIndex) Range(fromNano, toNano int64) []Offset {
	lo := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ts >= fromNano })
	var out []Offset
	for i := lo; i < len(idx.entries) && idx.entries[i].ts <= toNano; i++ {
		out = append(out, idx.entries[i].offsets...)
	}
	return out
}

// At returns the offsets recorded for an exact timestamp.
func (idx *TimeSeriesIndex) At(ts int64) ([]Offset, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].ts >= ts })
	if i < len(idx.entries) && idx.entries[i].ts == ts {
		return idx.entries[i].offsets, true
	}
	return nil, false
}

// Len returns the number of distinct timestamps indexed.
func (idx *TimeSeriesIndex) Len() int { return len(idx.entries) }
