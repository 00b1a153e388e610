package ssm

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// observedGaussian is the shared noise structure of the built-in models:
// additive isotropic state noise and independent Gaussian observations of a
// subset of the state components.
type observedGaussian struct {
	stateStd float64
	obsStd   float64
	observed []int
	// slot maps a state component to its observation index, or -1.
	slot []int
}

func newObservedGaussian(dim int, stateStd, obsStd float64, observed []int) observedGaussian {
	slot := make([]int, dim)
	for i := range slot {
		slot[i] = -1
	}
	for k, j := range observed {
		slot[j] = k
	}
	return observedGaussian{stateStd: stateStd, obsStd: obsStd, observed: observed, slot: slot}
}

func (g observedGaussian) addStateNoise(state []float64, rng *rand.Rand) {
	for i := range state {
		state[i] += g.stateStd * rng.NormFloat64()
	}
}

func (g observedGaussian) sampleObservation(state []float64, rng *rand.Rand, obs []float64) {
	for k, j := range g.observed {
		obs[k] = state[j] + g.obsStd*rng.NormFloat64()
	}
}

func (g observedGaussian) logDensity(obs, state []float64, std float64) float64 {
	var sum float64
	for k, j := range g.observed {
		sum += distuv.Normal{Mu: state[j], Sigma: std}.LogProb(obs[k])
	}
	return sum
}

// optimalLogWeight is log p(obs | state) with the state noise integrated out.
func (g observedGaussian) optimalLogWeight(obs, state []float64) float64 {
	return g.logDensity(obs, state, math.Hypot(g.stateStd, g.obsStd))
}

func (g observedGaussian) updateOptimal(state, obs []float64, rng *rand.Rand) {
	q2 := g.stateStd * g.stateStd
	r2 := g.obsStd * g.obsStd
	postVar := q2 * r2 / (q2 + r2)
	postStd := math.Sqrt(postVar)

	for i := range state {
		if k := g.slot[i]; k >= 0 {
			mean := postVar * (state[i]/q2 + obs[k]/r2)
			state[i] = mean + postStd*rng.NormFloat64()
			continue
		}
		state[i] += g.stateStd * rng.NormFloat64()
	}
}
