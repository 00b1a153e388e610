package ssm

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Lorenz63 is the three-variable convection system with additive Gaussian
// state noise, integrated with classical RK4 between observation times.
type Lorenz63 struct {
	sigma, rho, beta float64
	dt               float64
	substeps         int
	initialMean      float64
	initialStd       float64
	noise            observedGaussian
}

func NewLorenz63(p Params) (*Lorenz63, error) {
	m := &Lorenz63{
		sigma:       p.Get("sigma", 10),
		rho:         p.Get("rho", 28),
		beta:        p.Get("beta", 8.0/3.0),
		dt:          p.Get("time_step", 0.01),
		substeps:    p.Int("substeps", 10),
		initialMean: p.Get("initial_state_mean", 1),
		initialStd:  p.Get("initial_state_std", 1),
	}
	stateStd := p.Get("state_noise_std", 0.3)
	obsStd := p.Get("observation_noise_std", 1)
	if m.dt <= 0 || m.substeps <= 0 {
		return nil, errors.New("lorenz63 requires time_step > 0 and substeps > 0")
	}
	if stateStd <= 0 || obsStd <= 0 || m.initialStd < 0 {
		return nil, errors.New("lorenz63 noise standard deviations must be positive")
	}

	var observed []int
	for i, key := range []string{"observe_x", "observe_y", "observe_z"} {
		if p.Get(key, 1) != 0 {
			observed = append(observed, i)
		}
	}
	if len(observed) == 0 {
		return nil, fmt.Errorf("lorenz63 must observe at least one component")
	}
	m.noise = newObservedGaussian(3, stateStd, obsStd, observed)
	return m, nil
}

func (m *Lorenz63) Name() string        { return "lorenz63" }
func (m *Lorenz63) StateDim() int       { return 3 }
func (m *Lorenz63) ObservationDim() int { return len(m.noise.observed) }

func (m *Lorenz63) SampleInitialState(rng *rand.Rand, state []float64) {
	for i := range state {
		state[i] = m.initialMean + m.initialStd*rng.NormFloat64()
	}
}

func (m *Lorenz63) UpdateStateDeterministic(state []float64, _ int) {
	var k1, k2, k3, k4, tmp [3]float64
	h := m.dt
	for s := 0; s < m.substeps; s++ {
		m.derivative(state, k1[:])
		for i := range tmp {
			tmp[i] = state[i] + 0.5*h*k1[i]
		}
		m.derivative(tmp[:], k2[:])
		for i := range tmp {
			tmp[i] = state[i] + 0.5*h*k2[i]
		}
		m.derivative(tmp[:], k3[:])
		for i := range tmp {
			tmp[i] = state[i] + h*k3[i]
		}
		m.derivative(tmp[:], k4[:])
		for i := 0; i < 3; i++ {
			state[i] += h / 6 * (k1[i] + 2*k2[i] + 2*k3[i] + k4[i])
		}
	}
}

func (m *Lorenz63) derivative(x, dx []float64) {
	dx[0] = m.sigma * (x[1] - x[0])
	dx[1] = x[0]*(m.rho-x[2]) - x[1]
	dx[2] = x[0]*x[1] - m.beta*x[2]
}

func (m *Lorenz63) UpdateStateStochastic(state []float64, rng *rand.Rand) {
	m.noise.addStateNoise(state, rng)
}

func (m *Lorenz63) SampleObservationGivenState(state []float64, rng *rand.Rand, obs []float64) {
	m.noise.sampleObservation(state, rng, obs)
}

func (m *Lorenz63) LogDensityObservationGivenState(obs, state []float64) float64 {
	return m.noise.logDensity(obs, state, m.noise.obsStd)
}

func (m *Lorenz63) OptimalLogWeight(obs, state []float64) float64 {
	return m.noise.optimalLogWeight(obs, state)
}

func (m *Lorenz63) UpdateStateOptimal(state, obs []float64, rng *rand.Rand) {
	m.noise.updateOptimal(state, obs, rng)
}
