// Package wire is the little-endian binary encoding of the numeric payloads
// exchanged between ranks.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrShortBuffer = errors.New("wire: short buffer")

type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Int(v int) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(int64(v)))
}

func (w *Writer) Float64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// Ints writes a length-prefixed int vector.
func (w *Writer) Ints(vs []int) {
	w.Int(len(vs))
	for _, v := range vs {
		w.Int(v)
	}
}

// Float64s writes a length-prefixed float vector.
func (w *Writer) Float64s(vs []float64) {
	w.Int(len(vs))
	for _, v := range vs {
		w.Float64(v)
	}
}

// RawFloat64s writes floats without a length prefix.
func (w *Writer) RawFloat64s(vs []float64) {
	for _, v := range vs {
		w.Float64(v)
	}
}

type Reader struct {
	buf []byte
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err reports the first decoding error.
func (r *Reader) Err() error { return r.err }

func (r *Reader) Len() int { return len(r.buf) }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Int() int {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int(int64(binary.LittleEndian.Uint64(b)))
}

func (r *Reader) Float64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *Reader) length() int {
	n := r.Int()
	if n < 0 || n > len(r.buf)/8 {
		if r.err == nil {
			r.err = fmt.Errorf("%w: vector of %d elements", ErrShortBuffer, n)
		}
		return 0
	}
	return n
}

func (r *Reader) Ints() []int {
	n := r.length()
	out := make([]int, n)
	for i := range out {
		out[i] = r.Int()
	}
	return out
}

func (r *Reader) Float64s() []float64 {
	n := r.length()
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Float64()
	}
	return out
}

// RawFloat64s reads exactly len(dst) floats into dst.
func (r *Reader) RawFloat64s(dst []float64) {
	for i := range dst {
		dst[i] = r.Float64()
	}
}
