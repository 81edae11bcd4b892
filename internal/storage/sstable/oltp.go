// Package sstable implements the OLTP and OLAP SSTable file formats. The
// OLTP format is a sorted-block file with a Bloom filter and sparse index,
// read back via memory-mapped I/O for point lookups over the sorted
// (timestamp_ns, sequence) keyspace. Compressed values are decompressed
// into newly allocated buffers on read.
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"syscall"

	"github.com/exchange-core/matching-core/internal/storage/bloom"
	"github.com/exchange-core/matching-core/internal/storage/compress"
	"github.com/exchange-core/matching-core/internal/storage/memtable"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

const (
	oltpHeaderSize = 32
	oltpFooterSize = 64
	oltpMagic      = 0x53535442 // "SSTB"
	oltpBlockBytes = 64 << 10
)

// EncodeKey lays out (timestampNano, sequence) as 16 sortable bytes: the
// sign bit of timestampNano is flipped so byte-wise comparison matches
// numeric comparison even for negative timestamps.
func EncodeKey(timestampNano int64, sequence uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(timestampNano)^(1<<63))
	binary.BigEndian.PutUint64(buf[8:16], sequence)
	return buf
}

type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

// WriteOLTP serializes a frozen OLTP MemTable snapshot (already sorted by
// key) into a new SSTable file at path.
func WriteOLTP(path string, category uint8, entries []memtable.Key, recs []record.Record, falsePositiveRate float64) error {
	if len(entries) != len(recs) {
		return fmt.Errorf("sstable: entries/records length mismatch")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, oltpHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], oltpMagic)
	binary.BigEndian.PutUint32(header[4:8], 1) // version
	header[16] = category
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("sstable: write header: %w", err)
	}

	filter := bloom.New(len(entries), falsePositiveRate)
	var indexEntries []indexEntry
	var dataBuf bytes.Buffer
	var blockStart []byte
	blockOffset := uint64(oltpHeaderSize)
	curOffset := blockOffset

	cat := types.RecordCategory(category)

	// dataCRC is the CRC32 of every data block, in file order.
	var dataCRC uint32
	flushBlock := func() error {
		if dataBuf.Len() == 0 {
			return nil
		}
		n, err := f.Write(dataBuf.Bytes())
		if err != nil {
			return fmt.Errorf("sstable: write block: %w", err)
		}
		dataCRC = crc32.Update(dataCRC, crc32.IEEETable, dataBuf.Bytes())
		indexEntries = append(indexEntries, indexEntry{
			firstKey: blockStart,
			offset:   blockOffset,
			length:   uint32(n),
		})
		curOffset += uint64(n)
		blockOffset = curOffset
		dataBuf.Reset()
		blockStart = nil
		return nil
	}

	for i, key := range entries {
		keyBytes := EncodeKey(key.TimestampNano, key.Sequence)
		compressed, codec, err := compress.Compress(cat, recs[i].Encode())
		if err != nil {
			return fmt.Errorf("sstable: compress value: %w", err)
		}
		valueBytes := append([]byte{byte(codec)}, compressed...)
		filter.Add(keyBytes)

		if blockStart == nil {
			blockStart = keyBytes
		}

		var entry [8]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(len(keyBytes)))
		dataBuf.Write(entry[0:4])
		dataBuf.Write(keyBytes)
		binary.BigEndian.PutUint32(entry[4:8], uint32(len(valueBytes)))
		dataBuf.Write(entry[4:8])
		dataBuf.Write(valueBytes)

		if dataBuf.Len() >= oltpBlockBytes {
			if err := flushBlock(); err != nil {
				return err
			}
		}
	}
	if err := flushBlock(); err != nil {
		return err
	}

	bloomOffset := curOffset
	bloomBytes := filter.Marshal()
	if _, err := f.Write(bloomBytes); err != nil {
		return fmt.Errorf("sstable: write bloom: %w", err)
	}
	curOffset += uint64(len(bloomBytes))

	indexOffset := curOffset
	indexBytes := encodeSparseIndex(indexEntries)
	if _, err := f.Write(indexBytes); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}
	curOffset += uint64(len(indexBytes))
	indexCRC := crc32.ChecksumIEEE(indexBytes)

	footer := make([]byte, oltpFooterSize)
	binary.BigEndian.PutUint64(footer[0:8], indexOffset)
	binary.BigEndian.PutUint64(footer[8:16], uint64(len(indexBytes)))
	binary.BigEndian.PutUint32(footer[16:20], indexCRC)
	binary.BigEndian.PutUint32(footer[20:24], dataCRC)
	binary.BigEndian.PutUint64(footer[24:32], curOffset+oltpFooterSize)
	binary.BigEndian.PutUint64(footer[32:40], bloomOffset)
	binary.BigEndian.PutUint64(footer[40:48], uint64(len(bloomBytes)))
	binary.BigEndian.PutUint32(footer[60:64], oltpMagic)
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}

	return f.Sync()
}

func encodeSparseIndex(entries []indexEntry) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(entries)))
	buf.Write(u32[:])
	for _, e := range entries {
		binary.BigEndian.PutUint16(u32[:2], uint16(len(e.firstKey)))
		buf.Write(u32[:2])
		buf.Write(e.firstKey)
		var u8b [8]byte
		binary.BigEndian.PutUint64(u8b[:], e.offset)
		buf.Write(u8b[:])
		binary.BigEndian.PutUint32(u32[:], e.length)
		buf.Write(u32[:])
	}
	return buf.Bytes()
}

func decodeSparseIndex(buf []byte) ([]indexEntry, error) {
	if len(buf) < 4 {
		return nil, xerrors.New(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "sparse index truncated")
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	pos := 4
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			return nil, xerrors.New(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "sparse index entry truncated")
		}
		klen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+klen+12 > len(buf) {
			return nil, xerrors.New(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "sparse index entry truncated")
		}
		key := buf[pos : pos+klen]
		pos += klen
		offset := binary.BigEndian.Uint64(buf[pos : pos+8])
		pos += 8
		length := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		entries = append(entries, indexEntry{firstKey: key, offset: offset, length: length})
	}
	return entries, nil
}

// OLTPReader provides point lookups against a memory-mapped OLTP SSTable
// file.
type OLTPReader struct {
	f        *os.File
	data     []byte
	filter   *bloom.Filter
	index    []indexEntry
	category uint8
}

// OpenOLTP memory-maps path and parses its header, bloom filter, sparse
// index and footer.
func OpenOLTP(path string) (*OLTPReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	size := info.Size()
	if size < oltpHeaderSize+oltpFooterSize {
		f.Close()
		return nil, xerrors.New(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "file too small to be a valid sstable")
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: mmap %s: %w", path, err)
	}

	footer := data[size-oltpFooterSize:]
	magic := binary.BigEndian.Uint32(footer[60:64])
	if magic != oltpMagic {
		syscall.Munmap(data)
		f.Close()
		return nil, xerrors.New(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "bad footer magic")
	}
	indexOffset := binary.BigEndian.Uint64(footer[0:8])
	indexLength := binary.BigEndian.Uint64(footer[8:16])
	wantIndexCRC := binary.BigEndian.Uint32(footer[16:20])
	bloomOffset := binary.BigEndian.Uint64(footer[32:40])
	bloomLength := binary.BigEndian.Uint64(footer[40:48])

	indexBytes := data[indexOffset : indexOffset+indexLength]
	if crc32.ChecksumIEEE(indexBytes) != wantIndexCRC {
		syscall.Munmap(data)
		f.Close()
		return nil, xerrors.New(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "sparse index CRC mismatch")
	}
	index, err := decodeSparseIndex(indexBytes)
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}

	bloomBytes := data[bloomOffset : bloomOffset+bloomLength]
	filter, err := bloom.Unmarshal(bloomBytes)
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("sstable: parse bloom filter: %w", err)
	}

	return &OLTPReader{
		f:        f,
		data:     data,
		filter:   filter,
		index:    index,
		category: data[16],
	}, nil
}

// Get performs a point lookup by (timestampNano, sequence). Returns
// (Record{}, false, nil) on a definite miss (bloom filter or key not
// found), and a non-nil error only on corruption.
func (r *OLTPReader) Get(timestampNano int64, sequence uint64) (record.Record, bool, error) {
	keyBytes := EncodeKey(timestampNano, sequence)
	if !r.filter.MayContain(keyBytes) {
		return record.Record{}, false, nil
	}

	idx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, keyBytes) > 0
	}) - 1
	if idx < 0 {
		return record.Record{}, false, nil
	}

	block := r.index[idx]
	blockBytes := r.data[block.offset : block.offset+uint64(block.length)]
	pos := 0
	for pos < len(blockBytes) {
		klen := int(binary.BigEndian.Uint32(blockBytes[pos : pos+4]))
		pos += 4
		key := blockBytes[pos : pos+klen]
		pos += klen
		vlen := int(binary.BigEndian.Uint32(blockBytes[pos : pos+4]))
		pos += 4
		value := blockBytes[pos : pos+vlen]
		pos += vlen

		cmp := bytes.Compare(key, keyBytes)
		if cmp == 0 {
			plain, err := decodeValue(value)
			if err != nil {
				return record.Record{}, false, xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "value decompress failed", err)
			}
			rec, err := record.Decode(plain)
			if err != nil {
				return record.Record{}, false, xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "record decode failed", err)
			}
			return rec, true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return record.Record{}, false, nil
}

// Scan returns every record in the file, in key order — used by
// compaction and full scans.
func (r *OLTPReader) Scan() ([]record.Record, error) {
	var out []record.Record
	for _, block := range r.index {
		blockBytes := r.data[block.offset : block.offset+uint64(block.length)]
		pos := 0
		for pos < len(blockBytes) {
			klen := int(binary.BigEndian.Uint32(blockBytes[pos : pos+4]))
			pos += 4 + klen
			vlen := int(binary.BigEndian.Uint32(blockBytes[pos : pos+4]))
			pos += 4
			value := blockBytes[pos : pos+vlen]
			pos += vlen
			plain, err := decodeValue(value)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "value decompress failed during scan", err)
			}
			rec, err := record.Decode(plain)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.KindCorruption, xerrors.CodeSstableChecksumMismatch, "record decode failed during scan", err)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// decodeValue strips the leading codec byte written by WriteOLTP and
// decompresses the remainder.
func decodeValue(value []byte) ([]byte, error) {
	if len(value) < 1 {
		return nil, fmt.Errorf("sstable: value too short for codec byte")
	}
	return compress.Decompress(compress.Codec(value[0]), value[1:])
}

// Category returns the RecordCategory byte stored in the file header.
func (r *OLTPReader) Category() uint8 { return r.category }

// Close unmaps the file and releases its descriptor.
func (r *OLTPReader) Close() error {
	if err := syscall.Munmap(r.data); err != nil {
		return err
	}
	return r.f.Close()
}
