package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/internal/xerrors"
)

// WAL is a segmented, append-only log of record.Record frames. A single
// writer appends to the current (tail) segment; rotation to a new segment
// happens once the tail exceeds RotateBytes. Writes are batched: fsync is
// only called at the end of AppendBatch, never on every write.
type WAL struct {
	mu sync.Mutex

	dir         string
	rotateBytes int64

	cur *segment
}

// Open opens (or creates) a WAL rooted at dir. If existing segments are
// found, the tail segment is scanned and any torn trailing frame is
// truncated away so writes can resume cleanly; a corrupt frame found
// anywhere else is fatal and returned as an xerrors KindCorruption error.
func Open(dir string, rotateBytes int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{dir: dir, rotateBytes: rotateBytes}

	if len(ids) == 0 {
		seg, err := createSegment(dir, 1)
		if err != nil {
			return nil, err
		}
		w.cur = seg
		return w, nil
	}

	tailID := ids[len(ids)-1]
	seg, err := openSegmentForAppend(dir, tailID)
	if err != nil {
		return nil, err
	}
	if err := w.recoverTail(seg); err != nil {
		seg.close()
		return nil, err
	}
	w.cur = seg
	return w, nil
}

// recoverTail scans seg from the start, truncating the file at the first
// torn frame found (which, by definition of ErrTornTail, can only be the
// last one — readFrame only returns it at end of stream). A full frame with
// a bad CRC is corruption and is fatal regardless of position.
func (w *WAL) recoverTail(seg *segment) error {
	if _, err := seg.file.Seek(0, 0); err != nil {
		return fmt.Errorf("wal: seek segment %d: %w", seg.id, err)
	}
	br := bufio.NewReader(seg.file)

	var validOffset int64
	for {
		_, n, err := readFrame(br)
		if err == nil {
			validOffset += int64(n)
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, ErrTornTail) {
			break
		}
		return xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeWalCrcMismatch,
			fmt.Sprintf("segment %d corrupt at offset %d", seg.id, validOffset), err)
	}

	if err := seg.file.Truncate(validOffset); err != nil {
		return fmt.Errorf("wal: truncate torn tail of segment %d: %w", seg.id, err)
	}
	if _, err := seg.file.Seek(validOffset, 0); err != nil {
		return fmt.Errorf("wal: seek past recovered tail: %w", err)
	}
	seg.size = validOffset
	return nil
}

// Append writes a single record and fsyncs before returning.
func (w *WAL) Append(rec record.Record) error {
	return w.AppendBatch([]record.Record{rec})
}

// AppendBatch writes every record in recs to the tail segment and fsyncs
// once at the end, then rotates to a new segment if the size threshold has
// been crossed.
func (w *WAL) AppendBatch(recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range recs {
		frame := encodeFrame(rec.Encode())
		n, err := w.cur.file.Write(frame)
		if err != nil {
			return fmt.Errorf("wal: write segment %d: %w", w.cur.id, err)
		}
		w.cur.size += int64(n)
	}

	if err := w.cur.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment %d: %w", w.cur.id, err)
	}

	if w.cur.size >= w.rotateBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateLocked seals the current segment and opens the next one. Caller
// must hold w.mu.
func (w *WAL) rotateLocked() error {
	nextID := w.cur.id + 1
	if err := w.cur.close(); err != nil {
		return fmt.Errorf("wal: close segment %d during rotation: %w", w.cur.id, err)
	}
	next, err := createSegment(w.dir, nextID)
	if err != nil {
		return err
	}
	w.cur = next
	return nil
}

// Replay invokes fn, in sequence order, for every record stored across all
// segments (oldest to newest). Used on startup to rebuild MemTables and
// indices before accepting new writes. fn errors abort the replay.
func Replay(dir string, fn func(record.Record) error) error {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := replaySegment(dir, id, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(dir string, id uint64, fn func(record.Record) error) error {
	f, err := os.Open(segmentPath(dir, id))
	if err != nil {
		return fmt.Errorf("wal: open segment %d for replay: %w", id, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		payload, _, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrTornTail) {
				return nil
			}
			return xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeWalCrcMismatch,
				fmt.Sprintf("segment %d corrupt during replay", id), err)
		}
		rec, err := record.Decode(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeWalCrcMismatch,
				fmt.Sprintf("segment %d record decode failed", id), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.close()
}

// CurrentSegmentID returns the ID of the tail segment currently being
// appended to.
func (w *WAL) CurrentSegmentID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.id
}

// RetireSegmentsBelow deletes every sealed segment whose highest contained
// sequence is strictly below keepFromSequence, used by the checkpoint
// routine after a manifest commit. The tail segment (still open for append) is never
// removed, regardless of its contents.
func RetireSegmentsBelow(dir string, keepFromSequence uint64, tailID uint64) error {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == tailID {
			continue
		}
		maxSeq, err := segmentMaxSequence(dir, id)
		if err != nil {
			return err
		}
		if maxSeq < keepFromSequence {
			if err := os.Remove(segmentPath(dir, id)); err != nil {
				return fmt.Errorf("wal: retire segment %d: %w", id, err)
			}
		}
	}
	return nil
}

func segmentMaxSequence(dir string, id uint64) (uint64, error) {
	var max uint64
	err := replaySegment(dir, id, func(rec record.Record) error {
		if rec.Sequence > max {
			max = rec.Sequence
		}
		return nil
	})
	return max, err
}
