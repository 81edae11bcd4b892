// Package record implements the WAL record sum type and its archival
// binary encoding: a fixed memory layout, validated on read, covering the
// order/trade/account/position/market-data variants.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"
)

// writer is a small append-only byte buffer writer used to build the fixed
// layout of each record body. Not zero-copy on the write side (that is
// inherent to building a new record), but the read side (reader below)
// returns byte slices (bytesRef) into the original buffer with no further
// allocation; str copies into a new string.
type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 128)} }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) { w.bytes([]byte(s)) }

func (w *writer) decimal(d decimal.Decimal) { w.str(d.String()) }

func (w *writer) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// reader parses a fixed-layout buffer, validating bounds on every read
// (never panics on truncated input — returns ErrTruncated instead).
type reader struct {
	buf []byte
	pos int
}

// ErrTruncated is returned when a buffer ends before the declared layout is
// fully consumed.
var ErrTruncated = fmt.Errorf("record: truncated buffer")

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return ErrTruncated
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

// bytesRef returns a slice referencing the underlying buffer directly — no
// allocation, no copy.
func (r *reader) bytesRef() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+int(n) : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytesRef()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) decimalVal() (decimal.Decimal, error) {
	s, err := r.str()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

func (r *reader) boolVal() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }
