package index

import "github.com/exchange-core/matching-core/pkg/types"

// InstrumentIndex maps an interned instrument ID to its own ordered
// timestamp -> [offset] map. Interning just means the map key is
// the InstrumentID value itself: since types.InstrumentID is a small string
// type, Go's map already stores one copy per distinct instrument rather than
// per record, which is the property "interned" is standing in for here.
type InstrumentIndex struct {
	byInstrument map[types.InstrumentID]*TimeSeriesIndex
}

// NewInstrumentIndex returns an empty index.
func NewInstrumentIndex() *InstrumentIndex {
	return &InstrumentIndex{byInstrument: make(map[types.InstrumentID]*TimeSeriesIndex)}
}

// Put records that instrument id had a record at ts living at off.
func (idx *InstrumentIndex) Put(id types.InstrumentID, ts int64, off Offset) {
	ts2, ok := idx.byInstrument[id]
	if !ok {
		ts2 = NewTimeSeriesIndex()
		idx.byInstrument[id] = ts2
	}
	ts2.Put(ts, off)
}

// Range returns the offsets for an instrument within a timestamp range. A
// missing instrument yields nil.
func (idx *InstrumentIndex) Range(id types.InstrumentID, fromNano, toNano int64) []Offset {
	ts, ok := idx.byInstrument[id]
	if !ok {
		return nil
	}
	return ts.Range(fromNano, toNano)
}

// Instruments returns every instrument ID currently indexed.
func (idx *InstrumentIndex) Instruments() []types.InstrumentID {
	out := make([]types.InstrumentID, 0, len(idx.byInstrument))
	for id := range idx.byInstrument {
		out = append(out, id)
	}
	return out
}
