package ssm

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"smcflow/internal/rng"
)

// Trajectory is a simulated ground truth and the observations drawn from it.
// Truth[0] is the initial state; Observations[t-1] pairs with Truth[t].
type Trajectory struct {
	Truth        [][]float64 `yaml:"truth,omitempty"`
	Observations [][]float64 `yaml:"observations"`
}

func SimulateTruth(m Model, steps int, seed uint64) Trajectory {
	state := make([]float64, m.StateDim())
	m.SampleInitialState(rng.New(seed, rng.PurposeTruth, 0, 0), state)

	traj := Trajectory{
		Truth:        make([][]float64, 0, steps+1),
		Observations: make([][]float64, 0, steps),
	}
	traj.Truth = append(traj.Truth, append([]float64(nil), state...))
	for t := 1; t <= steps; t++ {
		m.UpdateStateDeterministic(state, t)
		m.UpdateStateStochastic(state, rng.New(seed, rng.PurposeTruth, t, 0))
		obs := make([]float64, m.ObservationDim())
		m.SampleObservationGivenState(state, rng.New(seed, rng.PurposeObserve, t, 0), obs)
		traj.Truth = append(traj.Truth, append([]float64(nil), state...))
		traj.Observations = append(traj.Observations, obs)
	}
	return traj
}

// ReadObservations decodes a YAML document holding either a bare list of
// observation vectors or a Trajectory mapping.
func ReadObservations(r io.Reader, obsDim int) ([][]float64, error) {
	var node yaml.Node
	if err := yaml.NewDecoder(r).Decode(&node); err != nil {
		return nil, fmt.Errorf("decode observations: %w", err)
	}

	var observations [][]float64
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&observations); err != nil {
			return nil, fmt.Errorf("decode observations: %w", err)
		}
	case yaml.MappingNode:
		var traj Trajectory
		if err := root.Decode(&traj); err != nil {
			return nil, fmt.Errorf("decode observations: %w", err)
		}
		observations = traj.Observations
	default:
		return nil, fmt.Errorf("observations must be a list or a mapping")
	}

	for t, obs := range observations {
		if len(obs) != obsDim {
			return nil, fmt.Errorf("observation %d has %d values, model expects %d", t+1, len(obs), obsDim)
		}
	}
	return observations, nil
}

func LoadObservations(path string, obsDim int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadObservations(f, obsDim)
}

func WriteTrajectory(w io.Writer, traj Trajectory) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(traj); err != nil {
		return err
	}
	return enc.Close()
}
