package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"smcflow/internal/ensemble"
	"smcflow/internal/metrics"
	"smcflow/internal/resample"
	"smcflow/internal/ssm"
	"smcflow/internal/storage"
)

var (
	ErrConfig             = errors.New("invalid filter configuration")
	ErrDegenerateEnsemble = errors.New("degenerate ensemble: every particle has zero weight")
)

const (
	VariantBootstrap = "bootstrap"
	VariantOptimal   = "optimal"

	// StatsPosterior summarizes the resampled, equally weighted ensemble.
	StatsPosterior = "posterior"
	// StatsWeighted summarizes the propagated ensemble under its normalized
	// weights, before resampling.
	StatsWeighted = "weighted"
)

type Config struct {
	RunID string
	Model ssm.Model
	// Observations[t-1] is the observation paired with time index t.
	Observations [][]float64
	Particles    int
	Steps        int
	Variant      string
	Resampler    string
	StatsMode    string
	Seed         uint64
	Tasks        int
	// CheckpointInterval is the number of time steps between store flushes.
	// Zero flushes only when the run ends.
	CheckpointInterval int
	// CommTimeout bounds every communication call. Zero waits indefinitely.
	CommTimeout time.Duration
	// ResumeFrom continues a run from the ensemble stored at that time index.
	ResumeFrom int

	Store   storage.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Validate reports every configuration fault that would stop the run, for a
// world of the given number of ranks.
func (c Config) Validate(ranks int) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}

	if c.Model == nil {
		fail("model is required")
	}
	if c.Particles <= 0 {
		fail("particle count must be > 0, got %d", c.Particles)
	} else if _, err := ensemble.Partition(c.Particles, ranks, 0); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrConfig, err))
	}
	if c.Steps < 0 {
		fail("step count must be >= 0, got %d", c.Steps)
	}
	if len(c.Observations) != c.Steps {
		fail("%d observations for %d time steps", len(c.Observations), c.Steps)
	}
	if c.Model != nil {
		for t, obs := range c.Observations {
			if len(obs) != c.Model.ObservationDim() {
				fail("observation %d has dimension %d, model %s expects %d", t+1, len(obs), c.Model.Name(), c.Model.ObservationDim())
				break
			}
		}
	}
	switch c.Variant {
	case VariantBootstrap:
	case VariantOptimal:
		if _, ok := c.Model.(ssm.OptimalProposal); c.Model != nil && !ok {
			fail("model %s has no locally optimal proposal", c.Model.Name())
		}
	default:
		fail("unknown filter variant %q", c.Variant)
	}
	if _, err := resample.ByName(c.Resampler); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrConfig, err))
	}
	switch c.StatsMode {
	case StatsPosterior, StatsWeighted:
	default:
		fail("unknown stats mode %q", c.StatsMode)
	}
	if c.Tasks <= 0 {
		fail("task count must be > 0, got %d", c.Tasks)
	}
	if c.CheckpointInterval < 0 {
		fail("checkpoint interval must be >= 0, got %d", c.CheckpointInterval)
	}
	if c.CommTimeout < 0 {
		fail("communication timeout must be >= 0, got %s", c.CommTimeout)
	}
	if c.ResumeFrom < 0 || c.ResumeFrom > c.Steps {
		fail("resume index %d outside [0, %d]", c.ResumeFrom, c.Steps)
	}
	if c.ResumeFrom > 0 && c.Store == nil {
		fail("resuming requires a store")
	}
	return errors.Join(errs...)
}
