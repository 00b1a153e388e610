// Package rng derives reproducible random streams from logical coordinates.
//
// A stream is addressed by (seed, purpose, time index, particle index). The
// particle index is the global slot of the particle, never the rank or the
// task processing it, so a run draws the same numbers for any partition of
// the ensemble.
package rng

import "math/rand/v2"

type Purpose uint64

const (
	PurposeInitial Purpose = iota + 1
	PurposePropagate
	PurposeResample
	PurposeTruth
	PurposeObserve
)

func (p Purpose) String() string {
	switch p {
	case PurposeInitial:
		return "initial"
	case PurposePropagate:
		return "propagate"
	case PurposeResample:
		return "resample"
	case PurposeTruth:
		return "truth"
	case PurposeObserve:
		return "observe"
	default:
		return "unknown"
	}
}

// Stream is a reseedable generator owned by a single task.
type Stream struct {
	seed uint64
	pcg  *rand.PCG
	rand *rand.Rand
}

func NewStream(seed uint64) *Stream {
	pcg := rand.NewPCG(seed, 0)
	return &Stream{seed: seed, pcg: pcg, rand: rand.New(pcg)}
}

// At repositions the stream and returns the generator for the coordinates.
// The returned generator is only valid until the next call to At.
func (s *Stream) At(purpose Purpose, timeIndex, index int) *rand.Rand {
	hi, lo := Key(s.seed, purpose, timeIndex, index)
	s.pcg.Seed(hi, lo)
	return s.rand
}

// New returns an independent generator for the coordinates.
func New(seed uint64, purpose Purpose, timeIndex, index int) *rand.Rand {
	hi, lo := Key(seed, purpose, timeIndex, index)
	return rand.New(rand.NewPCG(hi, lo))
}

// Key mixes the coordinates into a PCG seed pair.
func Key(seed uint64, purpose Purpose, timeIndex, index int) (uint64, uint64) {
	hi := splitmix64(seed ^ splitmix64(uint64(purpose)<<56^uint64(timeIndex)))
	lo := splitmix64(hi ^ splitmix64(uint64(index)+0x9e3779b97f4a7c15))
	return hi, lo
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
