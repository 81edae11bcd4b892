package memtable

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/exchange-core/matching-core/internal/storage/record"
)

// OLAPSchema is the Arrow schema every OLAP MemTable/SSTable row group
// shares: the record envelope plus its raw payload, column-oriented so a
// row-group scan can push a (instrument, kind, time range) predicate down
// to individual columns rather than deserializing whole rows. Domain
// fields inside Payload are decoded by callers per record.Kind on read.
var OLAPSchema = arrow.NewSchema([]arrow.Field{
	{Name: "sequence", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "timestamp_nano", Type: arrow.PrimitiveTypes.Int64},
	{Name: "kind", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "instrument_id", Type: arrow.BinaryTypes.String},
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

// OLAP is a columnar batch buffer: populated from flushed OLTP snapshots
// (the Engine ingests each snapshot during the OLTP flush), flushed at 100K
// rows or 5 min.
type OLAP struct {
	mu      sync.Mutex
	mem     memory.Allocator
	builder *array.RecordBuilder

	rows          int
	lastWriteNano int64
	frozen        bool
}

// NewOLAP creates an empty OLAP MemTable backed by the given Arrow
// allocator (pass memory.NewGoAllocator() in production).
func NewOLAP(mem memory.Allocator) *OLAP {
	return &OLAP{
		mem:     mem,
		builder: array.NewRecordBuilder(mem, OLAPSchema),
	}
}

// Ingest appends one WAL record's columns to the active batch.
func (o *OLAP) Ingest(rec record.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.frozen {
		return ErrFrozen
	}

	o.builder.Field(0).(*array.Uint64Builder).Append(rec.Sequence)
	o.builder.Field(1).(*array.Int64Builder).Append(rec.TimestampNano)
	o.builder.Field(2).(*array.Uint8Builder).Append(uint8(rec.Kind))
	o.builder.Field(3).(*array.StringBuilder).Append(string(rec.InstrumentID))
	o.builder.Field(4).(*array.BinaryBuilder).Append(rec.Payload)

	o.rows++
	o.lastWriteNano = rec.TimestampNano
	return nil
}

// IngestBatch ingests multiple OLTP snapshot records, e.g. the frozen
// contents handed off by an OLTP MemTable flush.
func (o *OLAP) IngestBatch(recs []record.Record) error {
	for _, r := range recs {
		if err := o.Ingest(r); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns the number of rows buffered so far (flush trigger: 100K).
func (o *OLAP) Rows() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rows
}

// LastWriteNano returns the timestamp of the most recently ingested row
// (flush trigger: 5 minutes idle).
func (o *OLAP) LastWriteNano() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastWriteNano
}

// Freeze marks the buffer read-only and returns the finished Arrow record
// batch, ready for the OLAP SSTable writer. The builder is left usable for
// a fresh batch after freezing (callers should discard this OLAP and
// create a new one, matching the OLTP "freeze, swap in empty" pattern).
func (o *OLAP) Freeze() arrow.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozen = true
	return o.builder.NewRecord()
}

// Release frees the underlying Arrow builder's buffers.
func (o *OLAP) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.builder.Release()
}
