// Package memtable implements the OLTP and OLAP MemTables: the
// in-memory write buffers a flush eventually drains into an SSTable.
package memtable

import (
	"sync/atomic"

	"github.com/exchange-core/matching-core/internal/storage/record"
)

// Key orders OLTP entries by (timestamp_ns, sequence).
type Key struct {
	TimestampNano int64
	Sequence      uint64
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.TimestampNano != other.TimestampNano {
		return k.TimestampNano < other.TimestampNano
	}
	return k.Sequence < other.Sequence
}

type node struct {
	key  Key
	rec  record.Record
	next atomic.Pointer[node]
}

// OLTP is a singly-linked, key-ordered list with lock-free insertion via
// CAS retry loops.
// Deletion is never needed — entries live until the whole table is frozen
// and handed to the SSTable writer — so the classic Harris/Fraser
// mark-and-delete machinery is unnecessary here.
type OLTP struct {
	head atomic.Pointer[node] // sentinel with the minimum possible key

	approxBytes   atomic.Int64
	lastWriteNano atomic.Int64
	frozen        atomic.Bool
}

// ErrFrozen is returned by Put once a table has been frozen for flushing.
var ErrFrozen = frozenError{}

type frozenError struct{}

func (frozenError) Error() string { return "memtable: table is frozen" }

// New creates an empty OLTP MemTable.
func New() *OLTP {
	t := &OLTP{}
	sentinel := &node{key: Key{TimestampNano: -1 << 63, Sequence: 0}}
	t.head.Store(sentinel)
	return t
}

// Put inserts rec keyed by (rec.TimestampNano, rec.Sequence). Concurrent
// Puts retry via CAS rather than blocking on a mutex.
func (t *OLTP) Put(rec record.Record) error {
	if t.frozen.Load() {
		return ErrFrozen
	}
	key := Key{TimestampNano: rec.TimestampNano, Sequence: rec.Sequence}
	newNode := &node{key: key, rec: rec}

	for {
		pred := t.head.Load()
		succ := pred.next.Load()
		for succ != nil && succ.key.Less(key) {
			pred = succ
			succ = pred.next.Load()
		}
		newNode.next.Store(succ)
		if pred.next.CompareAndSwap(succ, newNode) {
			break
		}
	}

	t.approxBytes.Add(int64(approxSize(rec)))
	t.lastWriteNano.Store(rec.TimestampNano)
	return nil
}

func approxSize(rec record.Record) int {
	return 1 + 8 + 8 + len(rec.InstrumentID) + len(rec.Payload) + 16
}

// ApproxBytes returns the approximate accumulated size of all inserted
// records, used to decide when to flush (default 64 MB).
func (t *OLTP) ApproxBytes() int64 { return t.approxBytes.Load() }

// LastWriteNano returns the timestamp of the most recently inserted
// record, used for the idle-flush trigger (default 60 s).
func (t *OLTP) LastWriteNano() int64 { return t.lastWriteNano.Load() }

// Freeze marks the table read-only; subsequent Put calls return ErrFrozen.
// Safe to call once a flush has been decided.
func (t *OLTP) Freeze() { t.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (t *OLTP) Frozen() bool { return t.frozen.Load() }

// Snapshot returns every record in key order — the frozen view the SSTable
// writer consumes.
func (t *OLTP) Snapshot() []record.Record {
	var out []record.Record
	for n := t.head.Load().next.Load(); n != nil; n = n.next.Load() {
		out = append(out, n.rec)
	}
	return out
}

// Get performs a point lookup by exact key; used by read paths that must
// check the active MemTable before falling through to SSTables.
func (t *OLTP) Get(key Key) (record.Record, bool) {
	for n := t.head.Load().next.Load(); n != nil; n = n.next.Load() {
		if n.key == key {
			return n.rec, true
		}
		if key.Less(n.key) {
			break
		}
	}
	return record.Record{}, false
}

// Len returns the number of entries currently stored. O(n); diagnostic use
// only.
func (t *OLTP) Len() int {
	n := 0
	for cur := t.head.Load().next.Load(); cur != nil; cur = cur.next.Load() {
		n++
	}
	return n
}
