package filter

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"smcflow/internal/comm"
	"smcflow/internal/ensemble"
	"smcflow/internal/resample"
	"smcflow/internal/ssm"
	"smcflow/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// runWorld runs one engine per rank over an in-process world.
func runWorld(ctx context.Context, cfg Config, ranks int) ([]Result, error) {
	comms, err := comm.NewLocalWorld(ranks)
	if err != nil {
		return nil, err
	}
	results := make([]Result, ranks)
	g, gctx := errgroup.WithContext(ctx)
	for r, c := range comms {
		g.Go(func() error {
			defer c.Close()
			engine, err := New(cfg, c)
			if err != nil {
				return err
			}
			res, err := engine.Run(gctx)
			results[r] = res
			return err
		})
	}
	return results, g.Wait()
}

func lorenzConfig(t *testing.T, tasks int) Config {
	t.Helper()
	m, err := ssm.New("lorenz63", nil)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	traj := ssm.SimulateTruth(m, 100, 7)
	return Config{
		RunID:        "lorenz",
		Model:        m,
		Observations: traj.Observations,
		Particles:    40,
		Steps:        100,
		Variant:      VariantBootstrap,
		Resampler:    "systematic",
		StatsMode:    StatsPosterior,
		Seed:         20240601,
		Tasks:        tasks,
		Logger:       quietLogger(),
	}
}

func TestLorenz63ReproducibleAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	serial, err := runWorld(ctx, lorenzConfig(t, 1), 1)
	if err != nil {
		t.Fatalf("R=1,T=1: %v", err)
	}
	again, err := runWorld(ctx, lorenzConfig(t, 1), 1)
	if err != nil {
		t.Fatalf("R=1,T=1 repeat: %v", err)
	}
	parallel, err := runWorld(ctx, lorenzConfig(t, 2), 2)
	if err != nil {
		t.Fatalf("R=2,T=2: %v", err)
	}

	want := serial[0].Steps
	if len(want) != 101 {
		t.Fatalf("expected 101 step records, got %d", len(want))
	}
	for name, got := range map[string][]Result{"repeat": again, "R=2,T=2": parallel} {
		steps := got[0].Steps
		if len(steps) != len(want) {
			t.Fatalf("%s: %d step records, want %d", name, len(steps), len(want))
		}
		for i := range want {
			if !slices.Equal(steps[i].Mean, want[i].Mean) || !slices.Equal(steps[i].Variance, want[i].Variance) {
				t.Fatalf("%s: time index %d differs:\n got mean %v var %v\nwant mean %v var %v",
					name, i, steps[i].Mean, steps[i].Variance, want[i].Mean, want[i].Variance)
			}
			if !slices.Equal(steps[i].Weights, want[i].Weights) {
				t.Fatalf("%s: weights differ at time index %d", name, i)
			}
		}
		if got[0].LogLikelihood != serial[0].LogLikelihood {
			t.Fatalf("%s: log-likelihood %v, want %v", name, got[0].LogLikelihood, serial[0].LogLikelihood)
		}
	}
	if parallel[1].Steps != nil {
		t.Fatal("only rank 0 should report step records")
	}
}

func TestStepRecordsAreConsistent(t *testing.T) {
	results, err := runWorld(context.Background(), lorenzConfig(t, 3), 4)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, step := range results[0].Steps {
		if len(step.Weights) != 40 || len(step.Mean) != 3 || len(step.Variance) != 3 {
			t.Fatalf("time index %d: unexpected shapes %+v", step.TimeIndex, step)
		}
		sum := 0.0
		for _, w := range step.Weights {
			if w < 0 {
				t.Fatalf("time index %d: negative weight %v", step.TimeIndex, w)
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("time index %d: weights sum to %v", step.TimeIndex, sum)
		}
		if step.ESS < 1 || step.ESS > 40+1e-9 {
			t.Fatalf("time index %d: ESS %v outside [1, 40]", step.TimeIndex, step.ESS)
		}
		for d := range step.Mean {
			if math.IsNaN(step.Mean[d]) || step.Variance[d] < 0 {
				t.Fatalf("time index %d: bad moments %v %v", step.TimeIndex, step.Mean, step.Variance)
			}
		}
	}
	if ll := results[0].LogLikelihood; math.IsNaN(ll) || math.IsInf(ll, 0) {
		t.Fatalf("log-likelihood not finite: %v", ll)
	}
}

type zeroLikelihood struct{ ssm.Model }

func (zeroLikelihood) LogDensityObservationGivenState(_, _ []float64) float64 {
	return math.Inf(-1)
}

// halfFaulty returns NaN for roughly half of all states, chosen by the
// lowest mantissa bit so the faults do not depend on where the states are.
type halfFaulty struct{ ssm.Model }

func (m halfFaulty) LogDensityObservationGivenState(obs, state []float64) float64 {
	if math.Float64bits(state[0])&1 == 0 {
		return math.NaN()
	}
	return m.Model.LogDensityObservationGivenState(obs, state)
}

func randomWalkConfig(t *testing.T, particles, steps int) Config {
	t.Helper()
	m, err := ssm.New("randomwalk", ssm.Params{"initial_state_mean": 2})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return Config{
		RunID:        "walk",
		Model:        m,
		Observations: ssm.SimulateTruth(m, steps, 3).Observations,
		Particles:    particles,
		Steps:        steps,
		Variant:      VariantBootstrap,
		Resampler:    "systematic",
		StatsMode:    StatsPosterior,
		Seed:         11,
		Tasks:        2,
		Logger:       quietLogger(),
	}
}

func TestAllFaultyStepIsDegenerate(t *testing.T) {
	cfg := randomWalkConfig(t, 8, 5)
	cfg.Model = zeroLikelihood{cfg.Model}
	_, err := runWorld(context.Background(), cfg, 2)
	if !errors.Is(err, ErrDegenerateEnsemble) {
		t.Fatalf("expected ErrDegenerateEnsemble, got: %v", err)
	}
}

func TestPartialFaultsAreTolerated(t *testing.T) {
	cfg := randomWalkConfig(t, 64, 5)
	cfg.Model = halfFaulty{cfg.Model}
	results, err := runWorld(context.Background(), cfg, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Faults == 0 {
		t.Fatal("expected some particle faults to be counted")
	}
	for _, step := range results[0].Steps {
		if math.IsNaN(step.Mean[0]) || math.IsNaN(step.Variance[0]) {
			t.Fatalf("time index %d: NaN leaked into statistics", step.TimeIndex)
		}
	}
}

func TestRandomWalkTracksKalmanFilter(t *testing.T) {
	for _, variant := range []string{VariantBootstrap, VariantOptimal} {
		t.Run(variant, func(t *testing.T) {
			cfg := randomWalkConfig(t, 4000, 20)
			cfg.Variant = variant
			results, err := runWorld(context.Background(), cfg, 2)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			means, variances := cfg.Model.(*ssm.RandomWalk).KalmanMoments(cfg.Observations, 0)
			for ti := 1; ti <= cfg.Steps; ti++ {
				step := results[0].Steps[ti]
				if d := math.Abs(step.Mean[0] - means[ti-1]); d > 0.1 {
					t.Fatalf("time index %d: mean %v, Kalman %v", ti, step.Mean[0], means[ti-1])
				}
				if r := step.Variance[0] / variances[ti-1]; r < 0.75 || r > 1.25 {
					t.Fatalf("time index %d: variance %v, Kalman %v", ti, step.Variance[0], variances[ti-1])
				}
			}
		})
	}
}

func TestWeightedStatsAreReproducible(t *testing.T) {
	cfg := lorenzConfig(t, 1)
	cfg.StatsMode = StatsWeighted
	cfg.Steps = 20
	cfg.Observations = cfg.Observations[:20]
	serial, err := runWorld(context.Background(), cfg, 1)
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	cfg.Tasks = 3
	split, err := runWorld(context.Background(), cfg, 4)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for i, step := range serial[0].Steps {
		if !slices.Equal(step.Mean, split[0].Steps[i].Mean) {
			t.Fatalf("time index %d: weighted mean differs", i)
		}
	}
	posterior, err := runWorld(context.Background(), lorenzConfig(t, 1), 1)
	if err != nil {
		t.Fatalf("posterior: %v", err)
	}
	if slices.Equal(posterior[0].Steps[5].Mean, serial[0].Steps[5].Mean) {
		t.Fatal("weighted and posterior statistics should differ after resampling")
	}
}

func TestRedistributeIdentityRoundTrip(t *testing.T) {
	const total, dim = 12, 2
	comms, _ := comm.NewLocalWorld(3)
	shards := make([]*ensemble.Shard, len(comms))
	before := make([][]float64, len(comms))
	for r := range comms {
		own, _ := ensemble.Partition(total, len(comms), r)
		shard, err := ensemble.NewShard(dim, total, own)
		if err != nil {
			t.Fatalf("shard: %v", err)
		}
		for i := own.Start; i < own.End; i++ {
			shard.State(i)[0] = float64(i)
			shard.State(i)[1] = -float64(i) / 3
		}
		shards[r] = shard
		before[r] = shard.Snapshot()
	}
	identity := make([]int, total)
	for i := range identity {
		identity[i] = i
	}

	var g errgroup.Group
	for r, c := range comms {
		g.Go(func() error {
			sent, received, err := Redistribute(context.Background(), c, shards[r], identity, comm.NewTag(1, kindRedistribute))
			if err == nil && (sent != 0 || received != 0) {
				t.Errorf("rank %d: identity moved %d/%d states", r, sent, received)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("redistribute: %v", err)
	}
	for r, shard := range shards {
		if !slices.Equal(shard.States(), before[r]) {
			t.Fatalf("rank %d: identity assignment changed states", r)
		}
	}
}

func TestRedistributeMovesStatesAcrossRanks(t *testing.T) {
	const total = 8
	comms, _ := comm.NewLocalWorld(2)
	shards := make([]*ensemble.Shard, 2)
	for r := range comms {
		own, _ := ensemble.Partition(total, 2, r)
		shards[r], _ = ensemble.NewShard(1, total, own)
		for i := own.Start; i < own.End; i++ {
			shards[r].State(i)[0] = float64(i * 10)
		}
	}
	assignment := []int{7, 7, 7, 0, 0, 5, 3, 3}

	var g errgroup.Group
	for r, c := range comms {
		g.Go(func() error {
			_, _, err := Redistribute(context.Background(), c, shards[r], assignment, comm.NewTag(1, kindRedistribute))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("redistribute: %v", err)
	}
	got := append(slices.Clone(shards[0].States()), shards[1].States()...)
	want := []float64{70, 70, 70, 0, 0, 50, 30, 30}
	if !slices.Equal(got, want) {
		t.Fatalf("redistributed states %v, want %v", got, want)
	}
}

func TestRedistributeReceivesOnlyFromOwners(t *testing.T) {
	const total, ranks = 8, 4
	comms, _ := comm.NewLocalWorld(ranks)
	shards := make([]*ensemble.Shard, ranks)
	for r := range comms {
		own, _ := ensemble.Partition(total, ranks, r)
		shards[r], _ = ensemble.NewShard(1, total, own)
		for i := own.Start; i < own.End; i++ {
			shards[r].State(i)[0] = float64(i)
		}
	}
	assignment := []int{6, 6, 2, 3, 2, 3, 0, 7}

	sent := make([]int, ranks)
	received := make([]int, ranks)
	var g errgroup.Group
	for r, c := range comms {
		g.Go(func() error {
			var err error
			sent[r], received[r], err = Redistribute(context.Background(), c, shards[r], assignment, comm.NewTag(1, kindRedistribute))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("redistribute: %v", err)
	}
	if !slices.Equal(sent, []int{1, 2, 0, 1}) || !slices.Equal(received, []int{1, 0, 2, 1}) {
		t.Fatalf("sent %v received %v", sent, received)
	}
	var got []float64
	for _, sh := range shards {
		got = append(got, sh.States()...)
	}
	want := []float64{6, 6, 2, 3, 2, 3, 0, 7}
	if !slices.Equal(got, want) {
		t.Fatalf("redistributed states %v, want %v", got, want)
	}
}

func TestRedistributeRejectsOutOfRangeAssignment(t *testing.T) {
	comms, _ := comm.NewLocalWorld(1)
	own, _ := ensemble.Partition(4, 1, 0)
	shard, _ := ensemble.NewShard(1, 4, own)
	_, _, err := Redistribute(context.Background(), comms[0], shard, []int{0, 1, 2, 4}, comm.NewTag(1, kindRedistribute))
	if !errors.Is(err, resample.ErrInvalidAssignment) {
		t.Fatalf("expected ErrInvalidAssignment, got: %v", err)
	}
}

func TestConfigFaultsFailBeforeRunning(t *testing.T) {
	cases := map[string]func(*Config){
		"indivisible":        func(c *Config) { c.Particles = 41 },
		"observation count":  func(c *Config) { c.Observations = c.Observations[:10] },
		"unknown variant":    func(c *Config) { c.Variant = "auxiliary" },
		"unknown resampler":  func(c *Config) { c.Resampler = "residual" },
		"unknown stats mode": func(c *Config) { c.StatsMode = "median" },
		"no tasks":           func(c *Config) { c.Tasks = 0 },
		"resume w/o store":   func(c *Config) { c.ResumeFrom = 3 },
		"observation dim": func(c *Config) {
			c.Observations = slices.Clone(c.Observations)
			c.Observations[4] = []float64{1}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := lorenzConfig(t, 1)
			mutate(&cfg)
			comms, _ := comm.NewLocalWorld(2)
			if _, err := New(cfg, comms[0]); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got: %v", err)
			}
		})
	}
}

func TestOptimalRequiresModelSupport(t *testing.T) {
	cfg := randomWalkConfig(t, 4, 2)
	cfg.Model = zeroLikelihood{cfg.Model}
	cfg.Variant = VariantOptimal
	if err := cfg.Validate(1); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got: %v", err)
	}
}

func TestCancelledRunStopsAtStepBoundary(t *testing.T) {
	cfg := lorenzConfig(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := runWorld(ctx, cfg, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, res := range results {
		if !res.Stopped || res.LastTimeIndex != 1 {
			t.Fatalf("rank %d: stopped=%t last=%d, want stop after time index 1", res.Rank, res.Stopped, res.LastTimeIndex)
		}
	}
	if len(results[0].Steps) != 2 {
		t.Fatalf("expected records for time indices 0 and 1, got %d", len(results[0].Steps))
	}
}

func TestCheckpointAndResumeMatchUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	full, err := runWorld(ctx, lorenzConfig(t, 1), 2)
	if err != nil {
		t.Fatalf("full run: %v", err)
	}

	store := storage.NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	first := lorenzConfig(t, 2)
	first.Store = store
	first.CheckpointInterval = 25
	first.Steps = 60
	first.Observations = first.Observations[:60]
	if _, err := runWorld(ctx, first, 2); err != nil {
		t.Fatalf("first leg: %v", err)
	}
	latest, found, err := store.LatestShardIndex(ctx, "lorenz")
	if err != nil || !found || latest != 60 {
		t.Fatalf("latest shard index %d found=%t err=%v", latest, found, err)
	}
	stored, err := store.ListSteps(ctx, "lorenz")
	if err != nil || len(stored) != 61 {
		t.Fatalf("stored steps: %d err=%v", len(stored), err)
	}

	// Resume on a different partition from an intermediate checkpoint.
	second := lorenzConfig(t, 3)
	second.Store = store
	second.CheckpointInterval = 25
	second.ResumeFrom = 50
	resumed, err := runWorld(ctx, second, 4)
	if err != nil {
		t.Fatalf("resumed leg: %v", err)
	}
	steps := resumed[0].Steps
	if len(steps) != 50 || steps[0].TimeIndex != 51 {
		t.Fatalf("resumed run produced %d records starting at %d", len(steps), steps[0].TimeIndex)
	}
	for _, step := range steps {
		want := full[0].Steps[step.TimeIndex]
		if !slices.Equal(step.Mean, want.Mean) || step.LogLikelihood != want.LogLikelihood {
			t.Fatalf("time index %d: resumed run diverged", step.TimeIndex)
		}
	}
}

func TestCommTimeoutIsTransportFailure(t *testing.T) {
	cfg := lorenzConfig(t, 1)
	cfg.CommTimeout = 50 * time.Millisecond
	comms, _ := comm.NewLocalWorld(2)
	// Only rank 0 runs, so its first gather never completes.
	engine, err := New(cfg, comms[0])
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := engine.Run(context.Background()); !errors.Is(err, comm.ErrTransport) {
		t.Fatalf("expected ErrTransport, got: %v", err)
	}
}
