// Package ssm defines the state-space model contract consumed by the filter.
//
// Models are sibling implementations of Model. The filter never looks past
// this contract, so a new physical system only needs to satisfy it and be
// registered under a name.
package ssm

import "math/rand/v2"

type Model interface {
	Name() string
	StateDim() int
	ObservationDim() int

	// SampleInitialState writes a draw from the initial distribution into state.
	SampleInitialState(rng *rand.Rand, state []float64)
	// UpdateStateDeterministic advances state in place to timeIndex.
	UpdateStateDeterministic(state []float64, timeIndex int)
	// UpdateStateStochastic applies the transition noise in place.
	UpdateStateStochastic(state []float64, rng *rand.Rand)
	SampleObservationGivenState(state []float64, rng *rand.Rand, obs []float64)
	LogDensityObservationGivenState(obs, state []float64) float64
}

// OptimalProposal is implemented by models that can sample from the locally
// optimal proposal. OptimalLogWeight is evaluated on the deterministically
// advanced state, before UpdateStateOptimal draws the stochastic part, and
// must already contain any correction between the proposal and the true
// transition density.
type OptimalProposal interface {
	Model
	OptimalLogWeight(obs, state []float64) float64
	UpdateStateOptimal(state, obs []float64, rng *rand.Rand)
}

// Params are flat named model parameters.
type Params map[string]float64

func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return def
}
