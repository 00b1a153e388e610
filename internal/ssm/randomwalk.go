package ssm

import (
	"errors"
	"math/rand/v2"
)

// RandomWalk is a fully observed linear-Gaussian random walk. Its filtering
// distribution is available in closed form, which makes it the reference
// model for checking the filter against a Kalman filter.
type RandomWalk struct {
	dim         int
	initialMean float64
	initialStd  float64
	noise       observedGaussian
}

func NewRandomWalk(p Params) (*RandomWalk, error) {
	dim := p.Int("dim", 1)
	if dim <= 0 {
		return nil, errors.New("randomwalk requires dim > 0")
	}
	stateStd := p.Get("state_noise_std", 1)
	obsStd := p.Get("observation_noise_std", 1)
	initialStd := p.Get("initial_state_std", 1)
	if stateStd <= 0 || obsStd <= 0 || initialStd < 0 {
		return nil, errors.New("randomwalk noise standard deviations must be positive")
	}
	observed := make([]int, dim)
	for i := range observed {
		observed[i] = i
	}
	return &RandomWalk{
		dim:         dim,
		initialMean: p.Get("initial_state_mean", 0),
		initialStd:  initialStd,
		noise:       newObservedGaussian(dim, stateStd, obsStd, observed),
	}, nil
}

func (m *RandomWalk) Name() string        { return "randomwalk" }
func (m *RandomWalk) StateDim() int       { return m.dim }
func (m *RandomWalk) ObservationDim() int { return m.dim }

func (m *RandomWalk) SampleInitialState(rng *rand.Rand, state []float64) {
	for i := range state {
		state[i] = m.initialMean + m.initialStd*rng.NormFloat64()
	}
}

func (m *RandomWalk) UpdateStateDeterministic([]float64, int) {}

func (m *RandomWalk) UpdateStateStochastic(state []float64, rng *rand.Rand) {
	m.noise.addStateNoise(state, rng)
}

func (m *RandomWalk) SampleObservationGivenState(state []float64, rng *rand.Rand, obs []float64) {
	m.noise.sampleObservation(state, rng, obs)
}

func (m *RandomWalk) LogDensityObservationGivenState(obs, state []float64) float64 {
	return m.noise.logDensity(obs, state, m.noise.obsStd)
}

func (m *RandomWalk) OptimalLogWeight(obs, state []float64) float64 {
	return m.noise.optimalLogWeight(obs, state)
}

func (m *RandomWalk) UpdateStateOptimal(state, obs []float64, rng *rand.Rand) {
	m.noise.updateOptimal(state, obs, rng)
}

// KalmanMoments returns the exact filtering mean and variance of one
// component after each observation in observations, for component index j.
func (m *RandomWalk) KalmanMoments(observations [][]float64, j int) (means, variances []float64) {
	q2 := m.noise.stateStd * m.noise.stateStd
	r2 := m.noise.obsStd * m.noise.obsStd
	mean := m.initialMean
	variance := m.initialStd * m.initialStd
	means = make([]float64, len(observations))
	variances = make([]float64, len(observations))
	for t, obs := range observations {
		prior := variance + q2
		gain := prior / (prior + r2)
		mean += gain * (obs[j] - mean)
		variance = (1 - gain) * prior
		means[t] = mean
		variances[t] = variance
	}
	return means, variances
}
