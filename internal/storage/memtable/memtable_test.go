package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/exchange-core/matching-core/internal/storage/record"
)

func testRecord(ts int64, seq uint64) record.Record {
	return record.Record{
		Kind:          record.KindTickData,
		Sequence:      seq,
		TimestampNano: ts,
		InstrumentID:  "IF2512",
		Payload:       []byte("x"),
	}
}

func TestOLTPOrderedSnapshot(t *testing.T) {
	t.Parallel()
	tbl := New()
	order := []struct {
		ts  int64
		seq uint64
	}{{5, 1}, {1, 1}, {3, 2}, {1, 0}, {5, 0}}
	for _, o := range order {
		if err := tbl.Put(testRecord(o.ts, o.seq)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	snap := tbl.Snapshot()
	if len(snap) != len(order) {
		t.Fatalf("got %d records, want %d", len(snap), len(order))
	}
	for i := 1; i < len(snap); i++ {
		prev := Key{TimestampNano: snap[i-1].TimestampNano, Sequence: snap[i-1].Sequence}
		cur := Key{TimestampNano: snap[i].TimestampNano, Sequence: snap[i].Sequence}
		if !prev.Less(cur) {
			t.Fatalf("snapshot not ordered at %d: %+v >= %+v", i, prev, cur)
		}
	}
}

func TestOLTPConcurrentPuts(t *testing.T) {
	t.Parallel()
	tbl := New()
	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_ = tbl.Put(testRecord(int64(seq), seq))
		}(uint64(i))
	}
	wg.Wait()
	if tbl.Len() != n {
		t.Fatalf("got %d entries, want %d", tbl.Len(), n)
	}
}

func TestOLTPFreezeRejectsWrites(t *testing.T) {
	t.Parallel()
	tbl := New()
	tbl.Freeze()
	if err := tbl.Put(testRecord(1, 1)); err != ErrFrozen {
		t.Fatalf("Put on frozen table = %v, want ErrFrozen", err)
	}
}

func TestOLTPGetExactKey(t *testing.T) {
	t.Parallel()
	tbl := New()
	rec := testRecord(10, 2)
	if err := tbl.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := tbl.Get(Key{TimestampNano: 10, Sequence: 2})
	if !ok {
		t.Fatalf("Get: not found")
	}
	if got.Sequence != 2 {
		t.Fatalf("got sequence %d, want 2", got.Sequence)
	}
	if _, ok := tbl.Get(Key{TimestampNano: 99, Sequence: 0}); ok {
		t.Fatalf("Get: unexpectedly found missing key")
	}
}

func TestOLAPIngestAndFreeze(t *testing.T) {
	t.Parallel()
	olap := NewOLAP(memory.NewGoAllocator())
	for i := 0; i < 10; i++ {
		rec := record.Record{
			Kind:          record.KindTickData,
			Sequence:      uint64(i),
			TimestampNano: int64(i),
			InstrumentID:  "IF2512",
			Payload:       []byte(fmt.Sprintf("payload-%d", i)),
		}
		if err := olap.Ingest(rec); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if olap.Rows() != 10 {
		t.Fatalf("got %d rows, want 10", olap.Rows())
	}

	batch := olap.Freeze()
	defer batch.Release()
	if batch.NumRows() != 10 {
		t.Fatalf("got %d arrow rows, want 10", batch.NumRows())
	}
	if err := olap.Ingest(testRecord(1, 1)); err != ErrFrozen {
		t.Fatalf("Ingest after freeze = %v, want ErrFrozen", err)
	}
}
