package stats

import (
	"log/slog"

	"smcflow/internal/wire"
)

// Summary holds the weighted mean and the sum of weighted squared deviations
// of a set of state vectors. Summaries combine with the pairwise update of
// Chan, Golub and LeVeque, so partial results from any grouping can be merged
// without a naive sum of squares.
type Summary struct {
	Weight float64
	Mean   []float64
	M2     []float64
}

func NewSummary(dim int) Summary {
	return Summary{Mean: make([]float64, dim), M2: make([]float64, dim)}
}

// Point is the summary of a single state with weight w.
func Point(x []float64, w float64) Summary {
	s := Summary{Weight: w, Mean: make([]float64, len(x)), M2: make([]float64, len(x))}
	copy(s.Mean, x)
	return s
}

func (s Summary) Dim() int { return len(s.Mean) }

func (s Summary) Clone() Summary {
	out := Summary{Weight: s.Weight, Mean: make([]float64, len(s.Mean)), M2: make([]float64, len(s.M2))}
	copy(out.Mean, s.Mean)
	copy(out.M2, s.M2)
	return out
}

// Add folds one weighted observation into s (West's weighted Welford update).
func (s *Summary) Add(x []float64, w float64) {
	if w == 0 {
		return
	}
	total := s.Weight + w
	for i, v := range x {
		delta := v - s.Mean[i]
		r := delta * w / total
		s.Mean[i] += r
		s.M2[i] += s.Weight * delta * r
	}
	s.Weight = total
}

// Merge returns the combination of a and b. Merging with an empty summary
// returns a copy of the other side unchanged.
func Merge(a, b Summary) Summary {
	switch {
	case b.Weight == 0:
		return a.Clone()
	case a.Weight == 0:
		return b.Clone()
	}
	out := NewSummary(a.Dim())
	out.Weight = a.Weight + b.Weight
	for i := range a.Mean {
		delta := b.Mean[i] - a.Mean[i]
		out.Mean[i] = a.Mean[i] + delta*(b.Weight/out.Weight)
		out.M2[i] = a.M2[i] + b.M2[i] + delta*delta*(a.Weight*b.Weight/out.Weight)
	}
	return out
}

// Variance is the weighted population variance per component.
func (s Summary) Variance() []float64 {
	out := make([]float64, len(s.M2))
	if s.Weight == 0 {
		return out
	}
	for i, m2 := range s.M2 {
		out[i] = m2 / s.Weight
	}
	return out
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("weight", s.Weight),
		slog.Any("mean", s.Mean),
		slog.Any("variance", s.Variance()),
	)
}

func (s Summary) encode(w *wire.Writer) {
	w.Float64(s.Weight)
	w.RawFloat64s(s.Mean)
	w.RawFloat64s(s.M2)
}

func decodeSummary(r *wire.Reader, dim int) Summary {
	s := NewSummary(dim)
	s.Weight = r.Float64()
	r.RawFloat64s(s.Mean)
	r.RawFloat64s(s.M2)
	return s
}
