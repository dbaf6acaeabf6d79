package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Rows are stored as an ordered list of typed fields. The layout is the wire contract for
// every table row:
//
//	fixed fields    big-endian, 2/4/8 bytes (etags are always u64 big-endian)
//	variable fields uvarint length followed by the raw bytes
//	nullable fields one presence byte (0 or 1) followed by the variable field when present
//
// Readers must consume fields in exactly the order writers appended them.

// maxFieldSize bounds a single variable-length field.
const maxFieldSize = 64 * 1024 * 1024

// RowWriter appends typed fields to a row buffer.
type RowWriter struct {
	buf []byte
}

// NewRowWriter returns a writer with capacity hint sizeHint.
func NewRowWriter(sizeHint int) *RowWriter {
	return &RowWriter{buf: make([]byte, 0, sizeHint)}
}

func (w *RowWriter) Uint64(v uint64) *RowWriter {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *RowWriter) Int64(v int64) *RowWriter {
	return w.Uint64(uint64(v))
}

func (w *RowWriter) Uint32(v uint32) *RowWriter {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *RowWriter) Int16(v int16) *RowWriter {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
	return w
}

func (w *RowWriter) Uvarint(v uint64) *RowWriter {
	w.buf = binary.AppendUvarint(w.buf, v)
	return w
}

func (w *RowWriter) Bytes(b []byte) *RowWriter {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

func (w *RowWriter) Text(s string) *RowWriter {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// NullableBytes writes a presence byte, then b when it is not nil.
func (w *RowWriter) NullableBytes(b []byte) *RowWriter {
	if b == nil {
		w.buf = append(w.buf, 0)
		return w
	}
	w.buf = append(w.buf, 1)
	return w.Bytes(b)
}

// Raw appends b without a length prefix. Only fixed-size payloads may be written raw.
func (w *RowWriter) Raw(b []byte) *RowWriter {
	w.buf = append(w.buf, b...)
	return w
}

// Row returns the encoded row.
func (w *RowWriter) Row() []byte {
	return w.buf
}

// RowReader decodes fields in order. Every accessor is bounds checked; the first failure
// is kept and all later reads return zero values.
type RowReader struct {
	data []byte
	off  int
	err  error
}

func NewRowReader(data []byte) *RowReader {
	return &RowReader{data: data}
}

func (r *RowReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errors.Errorf("row truncated at offset %d: need %d bytes, have %d", r.off, n, len(r.data)-r.off)
		return false
	}
	return true
}

func (r *RowReader) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *RowReader) Int64() int64 {
	return int64(r.Uint64())
}

func (r *RowReader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *RowReader) Int16() int16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return int16(v)
}

func (r *RowReader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		r.err = errors.Errorf("bad uvarint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

// Bytes returns a copy of the next variable-length field.
func (r *RowReader) Bytes() []byte {
	sz := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if sz > maxFieldSize {
		r.err = errors.Errorf("field of %d bytes at offset %d is too large", sz, r.off)
		return nil
	}
	if !r.need(int(sz)) {
		return nil
	}
	b := make([]byte, sz)
	copy(b, r.data[r.off:])
	r.off += int(sz)
	return b
}

func (r *RowReader) Text() string {
	return string(r.Bytes())
}

func (r *RowReader) NullableBytes() []byte {
	if !r.need(1) {
		return nil
	}
	present := r.data[r.off]
	r.off++
	switch present {
	case 0:
		return nil
	case 1:
		return r.Bytes()
	default:
		r.err = errors.Errorf("bad presence byte %d at offset %d", present, r.off-1)
		return nil
	}
}

// Raw returns the next n bytes without copying.
func (r *RowReader) Raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Err returns the first decoding error.
func (r *RowReader) Err() error {
	return r.err
}

// Done returns the first decoding error, or an error if unread bytes remain.
func (r *RowReader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return errors.Errorf("%d trailing bytes in row", len(r.data)-r.off)
	}
	return nil
}
