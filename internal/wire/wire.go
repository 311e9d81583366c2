// Package wire provides the big-endian, length-prefixed primitives the
// assembly binary format is built from: every table in the format starts
// with a {size_in_bytes, count} header. For the id, data and ops tables the
// size covers all the entries that follow; for the struct, function and
// body tables it covers only the offsets side-table that precedes the
// records, so a reader can skip that side-table but not the records.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Reader sequences big-endian reads over an in-memory buffer.
type Reader struct {
	r *bytes.Reader
}

func NewReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b)}
}

func (r *Reader) Pos() int64 {
	p, _ := r.r.Seek(0, io.SeekCurrent)
	return p
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, errors.Wrapf(err, "reading byte at offset %d", r.Pos())
	}
	return b, nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r.r, out); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes at offset %d", n, r.Pos())
	}
	return out, nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) I64() (int64, error) {
	u, err := r.U64()
	return int64(u), err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) F32() (float32, error) {
	u, err := r.U32()
	return math.Float32frombits(u), err
}

func (r *Reader) F64() (float64, error) {
	u, err := r.U64()
	return math.Float64frombits(u), err
}

func (r *Reader) String() (string, error) {
	n, err := r.U64()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Skip advances the cursor n bytes, used to bypass an offsets side-table a
// sequential decode doesn't need for random access.
func (r *Reader) Skip(n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := r.r.Seek(n, io.SeekCurrent); err != nil {
		return errors.Wrapf(err, "skipping %d bytes at offset %d", n, r.Pos())
	}
	return nil
}

// Writer accumulates big-endian encoded bytes.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }
func (w *Writer) Len() int      { return w.buf.Len() }

func (w *Writer) Byte(b byte)        { w.buf.WriteByte(b) }
func (w *Writer) RawBytes(b []byte)  { w.buf.Write(b) }
func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }
func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

func (w *Writer) String(s string) {
	w.U64(uint64(len(s)))
	w.buf.WriteString(s)
}
