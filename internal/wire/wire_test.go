package wire

import (
	"errors"
	"math"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(64)
	w.Uint8(7)
	w.Int(-42)
	w.Ints([]int{3, 1, 4})
	w.Float64s([]float64{math.Inf(-1), 0.5, -2})
	w.RawFloat64s([]float64{1.25, 2.5})

	r := NewReader(w.Bytes())
	if got := r.Uint8(); got != 7 {
		t.Fatalf("uint8: %d", got)
	}
	if got := r.Int(); got != -42 {
		t.Fatalf("int: %d", got)
	}
	if got := r.Ints(); len(got) != 3 || got[2] != 4 {
		t.Fatalf("ints: %v", got)
	}
	if got := r.Float64s(); len(got) != 3 || !math.IsInf(got[0], -1) || got[2] != -2 {
		t.Fatalf("floats: %v", got)
	}
	raw := make([]float64, 2)
	r.RawFloat64s(raw)
	if raw[1] != 2.5 {
		t.Fatalf("raw floats: %v", raw)
	}
	if r.Err() != nil || r.Len() != 0 {
		t.Fatalf("unexpected reader state: err=%v remaining=%d", r.Err(), r.Len())
	}
}

func TestReaderShortBuffer(t *testing.T) {
	w := NewWriter(16)
	w.Int(1000)
	r := NewReader(w.Bytes())
	if got := r.Float64s(); len(got) != 0 {
		t.Fatalf("expected empty result, got %d values", len(got))
	}
	if !errors.Is(r.Err(), ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got: %v", r.Err())
	}
}

func TestReaderHugeLengthIsShortBuffer(t *testing.T) {
	for _, n := range []int{1<<60 + 1, math.MaxInt, math.MaxInt / 4} {
		w := NewWriter(16)
		w.Int(n)
		w.Float64(1)
		r := NewReader(w.Bytes())
		if got := r.Ints(); len(got) != 0 {
			t.Fatalf("n=%d: expected empty result, got %d values", n, len(got))
		}
		if !errors.Is(r.Err(), ErrShortBuffer) {
			t.Fatalf("n=%d: expected ErrShortBuffer, got: %v", n, r.Err())
		}
	}
}
