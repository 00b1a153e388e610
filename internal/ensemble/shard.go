package ensemble

import (
	"errors"
	"fmt"
)

var (
	ErrIndivisible = errors.New("particle count not divisible by rank count")
	ErrRange       = errors.New("particle index out of range")
)

// Range is a half-open interval of particle indices.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

// Partition returns the slice of [0, total) owned by rank.
func Partition(total, ranks, rank int) (Range, error) {
	if total <= 0 {
		return Range{}, fmt.Errorf("particle count must be > 0, got %d", total)
	}
	if ranks <= 0 {
		return Range{}, fmt.Errorf("rank count must be > 0, got %d", ranks)
	}
	if total%ranks != 0 {
		return Range{}, fmt.Errorf("%w: %d particles over %d ranks", ErrIndivisible, total, ranks)
	}
	if rank < 0 || rank >= ranks {
		return Range{}, fmt.Errorf("rank %d outside [0, %d)", rank, ranks)
	}
	per := total / ranks
	return Range{Start: rank * per, End: (rank + 1) * per}, nil
}

// Owner returns the rank owning global index i under an even partition.
func Owner(total, ranks, i int) int {
	return i / (total / ranks)
}

// Split divides r into at most parts contiguous, nearly equal ranges.
func Split(r Range, parts int) []Range {
	n := r.Len()
	if parts > n {
		parts = n
	}
	if parts <= 0 {
		return nil
	}
	out := make([]Range, parts)
	base, extra := n/parts, n%parts
	start := r.Start
	for i := range out {
		size := base
		if i < extra {
			size++
		}
		out[i] = Range{Start: start, End: start + size}
		start += size
	}
	return out
}

// Shard is the part of the ensemble owned by one rank. States are stored
// contiguously, dim values per particle, addressed by global index.
type Shard struct {
	dim   int
	total int
	own   Range

	states []float64
	next   []float64
}

func NewShard(dim, total int, own Range) (*Shard, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("state dimension must be > 0, got %d", dim)
	}
	if own.Start < 0 || own.End > total || own.Len() <= 0 {
		return nil, fmt.Errorf("%w: shard [%d, %d) of %d", ErrRange, own.Start, own.End, total)
	}
	return &Shard{
		dim:    dim,
		total:  total,
		own:    own,
		states: make([]float64, dim*own.Len()),
		next:   make([]float64, dim*own.Len()),
	}, nil
}

func (s *Shard) Dim() int     { return s.dim }
func (s *Shard) Total() int   { return s.total }
func (s *Shard) Owned() Range { return s.own }
func (s *Shard) Len() int     { return s.own.Len() }

// State returns the live state vector of global particle i.
func (s *Shard) State(i int) []float64 {
	off := (i - s.own.Start) * s.dim
	return s.states[off : off+s.dim : off+s.dim]
}

// Pending returns the write buffer slot of global particle i.
func (s *Shard) Pending(i int) []float64 {
	off := (i - s.own.Start) * s.dim
	return s.next[off : off+s.dim : off+s.dim]
}

// States exposes the live buffer in global index order.
func (s *Shard) States() []float64 { return s.states }

// Previous exposes the buffer that was live before the last Commit.
func (s *Shard) Previous() []float64 { return s.next }

// Commit makes the write buffer live. The old states stay readable through
// Previous until the next round of writes.
func (s *Shard) Commit() {
	s.states, s.next = s.next, s.states
}

// Load replaces the live states with a copy of states.
func (s *Shard) Load(states []float64) error {
	if len(states) != len(s.states) {
		return fmt.Errorf("shard expects %d values, got %d", len(s.states), len(states))
	}
	copy(s.states, states)
	return nil
}

// Snapshot returns a copy of the live states.
func (s *Shard) Snapshot() []float64 {
	out := make([]float64, len(s.states))
	copy(out, s.states)
	return out
}
