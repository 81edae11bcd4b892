package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// frameHeaderSize is the size of the [u32 length][u32 crc32] prefix that
// precedes every record's encoded bytes on disk.
const frameHeaderSize = 8

// ErrTornTail is returned by recovery when the final frame in the active
// segment is incomplete — the expected shape of a crash mid-write. Callers
// should truncate the segment to the last valid offset and resume appending
// there; it is not a corruption.
var ErrTornTail = fmt.Errorf("wal: torn tail frame")

// ErrCorrupt is returned when a complete frame's CRC does not match its
// bytes. This is fatal. An incomplete frame at the end of any segment is
// reported as ErrTornTail, not ErrCorrupt.
var ErrCorrupt = fmt.Errorf("wal: corrupt frame")

// encodeFrame lays out one frame: length-prefixed, CRC32-checked payload.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// readFrame reads exactly one frame from r. It returns (nil, 0, io.EOF) at a
// clean end of stream (no bytes read at all), ErrTornTail if a partial
// header or body is found (the stream ended mid-frame), and ErrCorrupt if a
// full frame was read but its CRC does not match.
func readFrame(r io.Reader) ([]byte, int, error) {
	header := make([]byte, frameHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, ErrTornTail
	}

	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, ErrTornTail
	}

	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, ErrCorrupt
	}

	return payload, frameHeaderSize + int(length), nil
}
