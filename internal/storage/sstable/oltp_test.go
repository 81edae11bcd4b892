package sstable

import (
	"path/filepath"
	"testing"

	"github.com/exchange-core/matching-core/internal/storage/memtable"
	"github.com/exchange-core/matching-core/internal/storage/record"
)

func buildFixture(t *testing.T, n int) (string, []memtable.Key, []record.Record) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	keys := make([]memtable.Key, n)
	recs := make([]record.Record, n)
	for i := 0; i < n; i++ {
		keys[i] = memtable.Key{TimestampNano: int64(i * 1000), Sequence: uint64(i)}
		recs[i] = record.Record{
			Kind:          record.KindTickData,
			Sequence:      uint64(i),
			TimestampNano: int64(i * 1000),
			InstrumentID:  "IF2512",
			Payload:       record.EncodeTickData(record.TickDataBody{Instrument: "IF2512"}),
		}
	}
	if err := WriteOLTP(path, uint8(1), keys, recs, 0.01); err != nil {
		t.Fatalf("WriteOLTP: %v", err)
	}
	return path, keys, recs
}

func TestOLTPWriteAndPointLookup(t *testing.T) {
	t.Parallel()
	path, keys, recs := buildFixture(t, 500)

	r, err := OpenOLTP(path)
	if err != nil {
		t.Fatalf("OpenOLTP: %v", err)
	}
	defer r.Close()

	for i, k := range keys {
		got, ok, err := r.Get(k.TimestampNano, k.Sequence)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("Get(%d): not found", i)
		}
		if got.Sequence != recs[i].Sequence {
			t.Fatalf("Get(%d): sequence = %d, want %d", i, got.Sequence, recs[i].Sequence)
		}
	}

	if _, ok, err := r.Get(999999, 999999); err != nil || ok {
		t.Fatalf("Get on missing key: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestOLTPScanReturnsAllInOrder(t *testing.T) {
	t.Parallel()
	path, _, recs := buildFixture(t, 200)

	r, err := OpenOLTP(path)
	if err != nil {
		t.Fatalf("OpenOLTP: %v", err)
	}
	defer r.Close()

	got, err := r.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records, want %d", len(got), len(recs))
	}
	for i := range got {
		if got[i].Sequence != recs[i].Sequence {
			t.Fatalf("scan[%d].Sequence = %d, want %d", i, got[i].Sequence, recs[i].Sequence)
		}
	}
}

func TestOLTPCategoryPersisted(t *testing.T) {
	t.Parallel()
	path, _, _ := buildFixture(t, 5)
	r, err := OpenOLTP(path)
	if err != nil {
		t.Fatalf("OpenOLTP: %v", err)
	}
	defer r.Close()
	if r.Category() != 1 {
		t.Fatalf("Category() = %d, want 1", r.Category())
	}
}
