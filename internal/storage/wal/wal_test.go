package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/exchange-core/matching-core/internal/storage/record"
)

func mustRecord(seq uint64) record.Record {
	return record.Record{
		Kind:          record.KindTickData,
		Sequence:      seq,
		TimestampNano: int64(seq) * 1000,
		InstrumentID:  "IF2512",
		Payload:       record.EncodeTickData(record.TickDataBody{Instrument: "IF2512"}),
	}
}

func TestAppendAndReplay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Open(dir, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := uint64(1); i <= 10; i++ {
		if err := w.Append(mustRecord(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []uint64
	err = Replay(dir, func(r record.Record) error {
		got = append(got, r.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d records, want 10", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("record %d has sequence %d, want %d", i, seq, i+1)
		}
	}
}

func TestRotation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// A tiny rotate threshold forces a new segment on nearly every append.
	w, err := Open(dir, 32)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := w.Append(mustRecord(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	w.Close()

	ids, err := listSegmentIDs(dir)
	if err != nil {
		t.Fatalf("listSegmentIDs: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(ids))
	}

	var total int
	err = Replay(dir, func(record.Record) error {
		total++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if total != 5 {
		t.Fatalf("got %d records across segments, want 5", total)
	}
}

func TestRecoverTornTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Open(dir, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := w.Append(mustRecord(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	segID := w.CurrentSegmentID()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write: append a few bytes of an incomplete frame.
	path := segmentPath(dir, segID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 9, 1, 2, 3}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	cleanSize := info.Size() - 7

	w2, err := Open(dir, 1<<20)
	if err != nil {
		t.Fatalf("Open after torn tail: %v", err)
	}
	defer w2.Close()

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after recovery: %v", err)
	}
	if info2.Size() != cleanSize {
		t.Fatalf("recovered size = %d, want %d", info2.Size(), cleanSize)
	}

	var count int
	err = Replay(dir, func(record.Record) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay after recovery: %v", err)
	}
	if count != 3 {
		t.Fatalf("got %d records after recovery, want 3", count)
	}
}

func TestReplayDetectsCorruption(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w, err := Open(dir, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(mustRecord(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	segID := w.CurrentSegmentID()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := segmentPath(dir, segID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip a byte inside the payload so length matches but CRC does not.
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err = Replay(dir, func(record.Record) error { return nil })
	if err == nil {
		t.Fatalf("expected Replay to detect corruption")
	}
}

func TestSegmentPathOrdering(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, id := range []uint64{3, 1, 2} {
		f, err := os.Create(filepath.Join(dir, segmentPathName(id)))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		f.Close()
	}
	ids, err := listSegmentIDs(dir)
	if err != nil {
		t.Fatalf("listSegmentIDs: %v", err)
	}
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d", i, id, i+1)
		}
	}
}

func segmentPathName(id uint64) string {
	return filepath.Base(segmentPath("", id))
}
