package index

import "github.com/exchange-core/matching-core/internal/storage/record"

type recordTypeBucket struct {
	byTime *TimeSeriesIndex
	seen   map[Offset]struct{}
}

// RecordTypeIndex maps a record kind to its own timestamp-ordered map plus a
// hash-set of offsets; the hash-set lets a
// "does this kind already cover offset X" membership check skip the
// timestamp scan entirely.
type RecordTypeIndex struct {
	byKind map[record.Kind]*recordTypeBucket
}

// NewRecordTypeIndex returns an empty index.
func NewRecordTypeIndex() *RecordTypeIndex {
	return &RecordTypeIndex{byKind: make(map[record.Kind]*recordTypeBucket)}
}

// Put records that a record of the given kind at timestamp ts lives at off.
func (idx *RecordTypeIndex) Put(kind record.Kind, ts int64, off Offset) {
	b, ok := idx.byKind[kind]
	if !ok {
		b = &recordTypeBucket{byTime: NewTimeSeriesIndex(), seen: make(map[Offset]struct{})}
		idx.byKind[kind] = b
	}
	b.byTime.Put(ts, off)
	b.seen[off] = struct{}{}
}

// Range returns the offsets of a given kind within a timestamp range.
func (idx *RecordTypeIndex) Range(kind record.Kind, fromNano, toNano int64) []Offset {
	b, ok := idx.byKind[kind]
	if !ok {
		return nil
	}
	return b.byTime.Range(fromNano, toNano)
}

// Contains reports whether a given (kind, offset) pair has been indexed.
func (idx *RecordTypeIndex) Contains(kind record.Kind, off Offset) bool {
	b, ok := idx.byKind[kind]
	if !ok {
		return false
	}
	_, ok = b.seen[off]
	return ok
}
