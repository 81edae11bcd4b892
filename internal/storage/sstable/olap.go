package sstable

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/exchange-core/matching-core/internal/storage/memtable"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/pkg/types"
)

// OLAPWriter appends row groups of up to RowGroupSize rows to an Arrow IPC
// file. Each Write call forms one row group /
// Arrow record batch.
type OLAPWriter struct {
	f           *os.File
	w           *ipc.FileWriter
	RowGroupSize int
}

// CreateOLAP opens path for writing and begins a new Arrow IPC file using
// memtable.OLAPSchema.
func CreateOLAP(path string, rowGroupSize int) (*OLAPWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(memtable.OLAPSchema))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: new arrow ipc writer: %w", err)
	}
	if rowGroupSize <= 0 {
		rowGroupSize = 100_000
	}
	return &OLAPWriter{f: f, w: w, RowGroupSize: rowGroupSize}, nil
}

// WriteRowGroup appends one Arrow record batch as a row group.
func (w *OLAPWriter) WriteRowGroup(batch arrow.Record) error {
	return w.w.Write(batch)
}

// Close finalizes the Arrow IPC footer and closes the file.
func (w *OLAPWriter) Close() error {
	if err := w.w.Close(); err != nil {
		return err
	}
	return w.f.Close()
}

// OLAPReader reads row groups back from an Arrow IPC file, supporting a
// filtered scan over (instrument, kind, time range). Each row group is read
// whole, payload column included.
type OLAPReader struct {
	f *os.File
	r *ipc.FileReader
}

// OpenOLAP opens an Arrow IPC file written by OLAPWriter for reading.
func OpenOLAP(path string) (*OLAPReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: new arrow ipc reader: %w", err)
	}
	return &OLAPReader{f: f, r: r}, nil
}

// Predicate narrows a scan. A zero value field means "don't filter on this".
type Predicate struct {
	Instrument   types.InstrumentID // "" = any
	Kind         *record.Kind       // nil = any
	MinTimestamp int64
	MaxTimestamp int64 // 0 = no upper bound
}

func (p Predicate) matchesRange(minTS, maxTS int64) bool {
	if p.MaxTimestamp != 0 && minTS > p.MaxTimestamp {
		return false
	}
	if maxTS < p.MinTimestamp {
		return false
	}
	return true
}

// Scan applies pred across every row group and returns the matching rows,
// with payloads copied out of the Arrow buffers. A row group whose time
// range cannot match is skipped after its timestamp column is scanned.
func (r *OLAPReader) Scan(pred Predicate) ([]record.Record, error) {
	var out []record.Record

	for i := 0; i < r.r.NumRecords(); i++ {
		batch, err := r.r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("sstable: read row group %d: %w", i, err)
		}

		tsCol := batch.Column(1).(*array.Int64)
		rowMin, rowMax := rowGroupTimeRange(tsCol)
		if !pred.matchesRange(rowMin, rowMax) {
			continue
		}

		seqCol := batch.Column(0).(*array.Uint64)
		kindCol := batch.Column(2).(*array.Uint8)
		instrCol := batch.Column(3).(*array.String)
		payloadCol := batch.Column(4).(*array.Binary)

		for row := 0; row < int(batch.NumRows()); row++ {
			ts := tsCol.Value(row)
			if ts < pred.MinTimestamp || (pred.MaxTimestamp != 0 && ts > pred.MaxTimestamp) {
				continue
			}
			kind := record.Kind(kindCol.Value(row))
			if pred.Kind != nil && kind != *pred.Kind {
				continue
			}
			instr := types.InstrumentID(instrCol.Value(row))
			if pred.Instrument != "" && instr != pred.Instrument {
				continue
			}
			out = append(out, record.Record{
				Kind:          kind,
				Sequence:      seqCol.Value(row),
				TimestampNano: ts,
				InstrumentID:  instr,
				Payload:       append([]byte(nil), payloadCol.Value(row)...),
			})
		}
	}
	return out, nil
}

func rowGroupTimeRange(col *array.Int64) (int64, int64) {
	if col.Len() == 0 {
		return 0, 0
	}
	min, max := col.Value(0), col.Value(0)
	for i := 1; i < col.Len(); i++ {
		v := col.Value(i)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// Close releases the underlying file and Arrow reader resources.
func (r *OLAPReader) Close() error {
	r.r.Close()
	return r.f.Close()
}
