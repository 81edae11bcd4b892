// Package wal implements the write-ahead log: a segmented, append-only log
// of framed records, synced in batches, recovered on startup by scanning
// forward and truncating a torn tail rather than failing. Sealed segments
// are immutable; only the tail is writable.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentSuffix = ".wal"

// segmentPath returns the file name for segment id within dir.
func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, segmentSuffix))
}

// listSegmentIDs returns all existing segment IDs in dir, ascending.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), segmentSuffix)
		id, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// segment is one open, writable WAL file.
type segment struct {
	id   uint64
	path string
	file *os.File
	size int64
}

func createSegment(dir string, id uint64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment %d: %w", id, err)
	}
	return &segment{id: id, path: path, file: f}, nil
}

func openSegmentForAppend(dir string, id uint64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat segment %d: %w", id, err)
	}
	return &segment{id: id, path: path, file: f, size: info.Size()}, nil
}

func (s *segment) close() error {
	return s.file.Close()
}
