package index

import (
	"sync"

	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Query narrows a Manager.Lookup call. Zero-value fields are unconstrained.
type Query struct {
	Instrument   types.InstrumentID // "" = unconstrained
	Kind         *record.Kind       // nil = unconstrained
	FromNano     int64
	ToNano       int64 // 0 = no upper bound (treated as +inf)
}

// Manager owns the TimeSeriesIndex, InstrumentIndex and RecordTypeIndex as
// one unit, updated synchronously on every WAL append, and routes queries
// between them: if an instrument predicate is present, use
// InstrumentIndex then filter by type; else if a type predicate, use
// RecordTypeIndex; else TimeSeriesIndex.
type Manager struct {
	mu sync.RWMutex

	byTime       *TimeSeriesIndex
	byInstrument *InstrumentIndex
	byType       *RecordTypeIndex
}

// NewManager returns an empty, ready-to-use composite index.
func NewManager() *Manager {
	return &Manager{
		byTime:       NewTimeSeriesIndex(),
		byInstrument: NewInstrumentIndex(),
		byType:       NewRecordTypeIndex(),
	}
}

// Index updates all three indices for one record. Called synchronously from
// the WAL append path so a reader can never observe a gap between a durable
// append and its index entry.
func (m *Manager) Index(rec record.Record, off Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byTime.Put(rec.TimestampNano, off)
	if rec.InstrumentID != "" {
		m.byInstrument.Put(rec.InstrumentID, rec.TimestampNano, off)
	}
	m.byType.Put(rec.Kind, rec.TimestampNano, off)
}

// Lookup routes q to whichever index can answer it most selectively and
// returns the matching offsets. The result may include false positives past
// what the index alone can filter (e.g. an instrument match irrespective of
// kind, left for the caller to refine against the decoded record) only when
// q under-constrains; Lookup never drops a true match.
func (m *Manager) Lookup(q Query) []Offset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	to := q.ToNano
	if to == 0 {
		to = 1<<63 - 1
	}

	switch {
	case q.Instrument != "":
		offs := m.byInstrument.Range(q.Instrument, q.FromNano, to)
		if q.Kind == nil {
			return offs
		}
		return m.filterByType(offs, *q.Kind)

	case q.Kind != nil:
		return m.byType.Range(*q.Kind, q.FromNano, to)

	default:
		return m.byTime.Range(q.FromNano, to)
	}
}

// filterByType intersects a candidate offset list against the RecordTypeIndex's
// membership set for kind, used when both an instrument and a kind predicate
// are present.
func (m *Manager) filterByType(offs []Offset, kind record.Kind) []Offset {
	out := offs[:0:0]
	for _, off := range offs {
		if m.byType.Contains(kind, off) {
			out = append(out, off)
		}
	}
	return out
}
