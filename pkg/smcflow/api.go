// Package smcflow is the public entry point for running and inspecting
// distributed particle filter runs.
package smcflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"smcflow/internal/comm"
	"smcflow/internal/config"
	"smcflow/internal/filter"
	"smcflow/internal/metrics"
	"smcflow/internal/model"
	"smcflow/internal/platform"
	"smcflow/internal/ssm"
	"smcflow/internal/stats"
	"smcflow/internal/storage"
)

const (
	defaultExportsDir = "exports"
	defaultDBPath     = "smcflow.db"
)

var (
	ErrConfig             = filter.ErrConfig
	ErrDegenerateEnsemble = filter.ErrDegenerateEnsemble
	ErrTransport          = comm.ErrTransport
)

// RunConfig is the flat run configuration, loadable from YAML.
type RunConfig = config.Config

func DefaultRunConfig() RunConfig { return config.Default() }

func LoadRunConfig(path string) (RunConfig, error) { return config.Load(path) }

type Options struct {
	StoreKind  string
	DBPath     string
	ExportsDir string
	Logger     *slog.Logger
}

type Client struct {
	store      storage.Store
	exportsDir string
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error
}

type RunSummary struct {
	RunID         string
	Records       int
	LastTimeIndex int
	Stopped       bool
	LogLikelihood float64
	Faults        int
	FinalMean     []float64
	FinalVariance []float64
	ArtifactsDir  string
	Elapsed       time.Duration
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID      string
	StartedAt  string
	Model      string
	Filter     string
	Particles  int
	Steps      int
	Ranks      int
	Tasks      int
	Seed       uint64
	ResumeFrom int
}

type StepsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
	Records   int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, exportsDir: exportsDir, logger: logger}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// Models lists the registered state-space models.
func Models() []string { return ssm.Names() }

// Run executes a filtering run with every rank inside this process.
func (c *Client) Run(ctx context.Context, cfg RunConfig) (RunSummary, error) {
	started := time.Now()
	if cfg.RunID == "" && cfg.ResumeFrom == 0 {
		cfg.RunID = cfg.Model + "-" + uuid.NewString()
	}
	fcfg, run, modules, err := c.prepare(ctx, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return RunSummary{}, fmt.Errorf("save run %s: %w", run.ID, err)
	}

	res, err := platform.RunLocal(ctx, fcfg, cfg.Ranks, modules...)
	if err != nil {
		return RunSummary{}, err
	}
	return c.summarize(ctx, cfg, run, res, started)
}

// RunRank executes one rank of a world whose ranks are separate processes
// connected over TCP. Every process passes the same configuration, whose
// Peers list the listen address of each rank. Rank 0 records the run.
func (c *Client) RunRank(ctx context.Context, cfg RunConfig, rank int) (RunSummary, error) {
	started := time.Now()
	if cfg.RunID == "" {
		return RunSummary{}, fmt.Errorf("%w: multi-process runs need an explicit run_id", ErrConfig)
	}
	if len(cfg.Peers) != cfg.Ranks {
		return RunSummary{}, fmt.Errorf("%w: %d peers listed for %d ranks", ErrConfig, len(cfg.Peers), cfg.Ranks)
	}
	fcfg, run, modules, err := c.prepare(ctx, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	if rank == 0 {
		if err := c.store.SaveRun(ctx, run); err != nil {
			return RunSummary{}, fmt.Errorf("save run %s: %w", run.ID, err)
		}
	}

	dialCtx := ctx
	if cfg.CommTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.CommTimeout)
		defer cancel()
	}
	link, err := comm.DialTCP(dialCtx, rank, cfg.Peers, comm.TCPOptions{})
	if err != nil {
		return RunSummary{}, err
	}

	res, err := platform.RunProcess(ctx, fcfg, link, modules...)
	if err != nil {
		return RunSummary{}, fmt.Errorf("rank %d: %w", rank, err)
	}
	if rank != 0 {
		return RunSummary{RunID: run.ID, LastTimeIndex: res.LastTimeIndex, Stopped: res.Stopped, Elapsed: time.Since(started)}, nil
	}
	return c.summarize(ctx, cfg, run, res, started)
}

// prepare validates cfg and builds everything a rank needs to start.
func (c *Client) prepare(ctx context.Context, cfg RunConfig) (filter.Config, model.RunRecord, []platform.SupportModule, error) {
	if err := cfg.Validate(); err != nil {
		return filter.Config{}, model.RunRecord{}, nil, err
	}
	if err := c.Init(ctx); err != nil {
		return filter.Config{}, model.RunRecord{}, nil, err
	}
	m, err := ssm.New(cfg.Model, ssm.Params(cfg.ModelParams))
	if err != nil {
		return filter.Config{}, model.RunRecord{}, nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	var observations [][]float64
	if cfg.Observations != "" {
		observations, err = ssm.LoadObservations(cfg.Observations, m.ObservationDim())
		if err != nil {
			return filter.Config{}, model.RunRecord{}, nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	} else {
		observations = ssm.SimulateTruth(m, cfg.Steps, cfg.TruthSeed).Observations
	}

	run := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              cfg.RunID,
		Model:           m.Name(),
		Params:          cfg.ModelParams,
		Filter:          cfg.Filter,
		Resampler:       cfg.Resampler,
		StatsMode:       cfg.StatsMode,
		Particles:       cfg.Particles,
		Steps:           cfg.Steps,
		StateDim:        m.StateDim(),
		Ranks:           cfg.Ranks,
		Tasks:           cfg.Tasks,
		Seed:            cfg.Seed,
		StartedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		ResumeFrom:      cfg.ResumeFrom,
	}
	if cfg.ResumeFrom > 0 {
		if err := c.checkResumable(ctx, run); err != nil {
			return filter.Config{}, model.RunRecord{}, nil, err
		}
	}

	logger := c.logger
	if cfg.Verbosity == config.VerbosityQuiet {
		logger = slog.New(slog.DiscardHandler)
	}
	fcfg := filter.Config{
		RunID:              run.ID,
		Model:              m,
		Observations:       observations,
		Particles:          cfg.Particles,
		Steps:              cfg.Steps,
		Variant:            cfg.Filter,
		Resampler:          cfg.Resampler,
		StatsMode:          cfg.StatsMode,
		Seed:               cfg.Seed,
		Tasks:              cfg.Tasks,
		CheckpointInterval: cfg.CheckpointInterval,
		CommTimeout:        cfg.CommTimeout,
		ResumeFrom:         cfg.ResumeFrom,
		Store:              c.store,
		Logger:             logger,
	}
	var modules []platform.SupportModule
	if cfg.MetricsAddr != "" {
		fcfg.Metrics = metrics.New()
		modules = append(modules, platform.NewMetricsServer(cfg.MetricsAddr, fcfg.Metrics.Handler()))
	}
	if err := fcfg.Validate(cfg.Ranks); err != nil {
		return filter.Config{}, model.RunRecord{}, nil, err
	}
	return fcfg, run, modules, nil
}

// checkResumable refuses to resume a run under a different ensemble shape.
func (c *Client) checkResumable(ctx context.Context, run model.RunRecord) error {
	prev, ok, err := c.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: run %s not found for resume", ErrConfig, run.ID)
	}
	if prev.Model != run.Model || prev.Particles != run.Particles || prev.StateDim != run.StateDim || prev.Seed != run.Seed {
		return fmt.Errorf("%w: run %s was %s with %d particles and seed %d", ErrConfig, run.ID, prev.Model, prev.Particles, prev.Seed)
	}
	return nil
}

func (c *Client) summarize(ctx context.Context, cfg RunConfig, run model.RunRecord, res filter.Result, started time.Time) (RunSummary, error) {
	summary := RunSummary{
		RunID:         run.ID,
		Records:       len(res.Steps),
		LastTimeIndex: res.LastTimeIndex,
		Stopped:       res.Stopped,
		LogLikelihood: res.LogLikelihood,
		Faults:        res.Faults,
		Elapsed:       time.Since(started),
	}
	if n := len(res.Steps); n > 0 {
		summary.FinalMean = res.Steps[n-1].Mean
		summary.FinalVariance = res.Steps[n-1].Variance
	}
	if cfg.CSVDir != "" {
		steps, err := c.store.ListSteps(ctx, run.ID)
		if err != nil {
			return summary, err
		}
		dir, err := stats.WriteRunArtifacts(cfg.CSVDir, stats.RunArtifacts{Run: run, Steps: steps})
		if err != nil {
			return summary, fmt.Errorf("write artifacts: %w", err)
		}
		summary.ArtifactsDir = filepath.Clean(dir)
	}
	return summary, nil
}

// Runs lists recorded runs, most recent first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.sortedRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	out := make([]RunItem, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunItem{
			RunID:      r.ID,
			StartedAt:  r.StartedAt,
			Model:      r.Model,
			Filter:     r.Filter,
			Particles:  r.Particles,
			Steps:      r.Steps,
			Ranks:      r.Ranks,
			Tasks:      r.Tasks,
			Seed:       r.Seed,
			ResumeFrom: r.ResumeFrom,
		})
	}
	return out, nil
}

// Steps returns the stored per time index records of a run in time order.
// A positive limit keeps the last limit records.
func (c *Client) Steps(ctx context.Context, req StepsRequest) ([]model.StepRecord, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no statistics stored for run id: %s", runID)
	}
	if req.Limit > 0 && len(steps) > req.Limit {
		steps = steps[len(steps)-req.Limit:]
	}
	return steps, nil
}

// Export writes run.json, statistics.csv and weights.csv for a stored run.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		return ExportSummary{}, fmt.Errorf("run not found: %s", runID)
	}
	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	dir, err := stats.WriteRunArtifacts(req.OutDir, stats.RunArtifacts{Run: run, Steps: steps})
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir), Records: len(steps)}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if err := c.Init(ctx); err != nil {
		return "", err
	}
	if runID != "" {
		return runID, nil
	}
	runs, err := c.sortedRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	return runs[0].ID, nil
}

func (c *Client) sortedRuns(ctx context.Context) ([]model.RunRecord, error) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt > runs[j].StartedAt })
	return runs, nil
}
