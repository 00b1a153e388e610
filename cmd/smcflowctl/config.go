package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smcflow/internal/config"
)

// runFlags binds the run configuration keys to command line flags. Values
// from --config are loaded first and only flags given explicitly override
// them.
type runFlags struct {
	configPath         *string
	runID              *string
	model              *string
	particles          *int
	steps              *int
	filter             *string
	resampler          *string
	statsMode          *string
	seed               *uint64
	ranks              *int
	tasks              *int
	peers              *string
	checkpointInterval *int
	observations       *string
	truthSeed          *uint64
	store              *string
	dbPath             *string
	csvDir             *string
	commTimeout        *time.Duration
	verbosity          *string
	metricsAddr        *string
	resumeFrom         *int
	params             map[string]float64
}

func bindRunFlags(fs *flag.FlagSet) *runFlags {
	d := config.Default()
	f := &runFlags{
		configPath:         fs.String("config", "", "optional run config YAML path"),
		runID:              fs.String("run-id", "", "explicit run id (generated when empty)"),
		model:              fs.String("model", d.Model, "state-space model: lorenz63|randomwalk"),
		particles:          fs.Int("particles", d.Particles, "total particle count N"),
		steps:              fs.Int("steps", d.Steps, "number of time steps T"),
		filter:             fs.String("filter", d.Filter, "filter variant: bootstrap|optimal"),
		resampler:          fs.String("resampler", d.Resampler, "resampling scheme: systematic|stratified|multinomial"),
		statsMode:          fs.String("stats-mode", d.StatsMode, "statistics mode: posterior|weighted"),
		seed:               fs.Uint64("seed", d.Seed, "run seed"),
		ranks:              fs.Int("ranks", d.Ranks, "number of ranks R"),
		tasks:              fs.Int("tasks", d.Tasks, "parallel tasks per rank"),
		peers:              fs.String("peers", "", "comma separated host:port per rank for multi-process runs"),
		checkpointInterval: fs.Int("checkpoint-interval", d.CheckpointInterval, "checkpoint every k time steps (0 disables)"),
		observations:       fs.String("observations", "", "observations YAML path (simulated from the model when empty)"),
		truthSeed:          fs.Uint64("truth-seed", d.TruthSeed, "seed of the simulated truth"),
		store:              fs.String("store", d.Store, "store backend: memory|sqlite"),
		dbPath:             fs.String("db-path", d.DBPath, "sqlite database path"),
		csvDir:             fs.String("csv-dir", "", "write run.json, statistics.csv and weights.csv under this directory"),
		commTimeout:        fs.Duration("comm-timeout", d.CommTimeout, "per communication deadline"),
		verbosity:          fs.String("verbosity", d.Verbosity, "log verbosity: quiet|info|debug"),
		metricsAddr:        fs.String("metrics-addr", "", "serve Prometheus metrics on this address"),
		resumeFrom:         fs.Int("resume-from", 0, "resume a stored run from this checkpointed time index"),
		params:             make(map[string]float64),
	}
	fs.Func("param", "model parameter name=value (repeatable)", func(v string) error {
		name, raw, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return fmt.Errorf("param must be name=value, got %q", v)
		}
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		f.params[name] = x
		return nil
	})
	return f
}

func (f *runFlags) resolve(fs *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		loaded, err := config.Load(*f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "run-id":
			cfg.RunID = *f.runID
		case "model":
			cfg.Model = *f.model
		case "particles":
			cfg.Particles = *f.particles
		case "steps":
			cfg.Steps = *f.steps
		case "filter":
			cfg.Filter = *f.filter
		case "resampler":
			cfg.Resampler = *f.resampler
		case "stats-mode":
			cfg.StatsMode = *f.statsMode
		case "seed":
			cfg.Seed = *f.seed
		case "ranks":
			cfg.Ranks = *f.ranks
		case "tasks":
			cfg.Tasks = *f.tasks
		case "peers":
			cfg.Peers = splitList(*f.peers)
		case "checkpoint-interval":
			cfg.CheckpointInterval = *f.checkpointInterval
		case "observations":
			cfg.Observations = *f.observations
		case "truth-seed":
			cfg.TruthSeed = *f.truthSeed
		case "store":
			cfg.Store = *f.store
		case "db-path":
			cfg.DBPath = *f.dbPath
		case "csv-dir":
			cfg.CSVDir = *f.csvDir
		case "comm-timeout":
			cfg.CommTimeout = *f.commTimeout
		case "verbosity":
			cfg.Verbosity = *f.verbosity
		case "metrics-addr":
			cfg.MetricsAddr = *f.metricsAddr
		case "resume-from":
			cfg.ResumeFrom = *f.resumeFrom
		case "param":
			if cfg.ModelParams == nil {
				cfg.ModelParams = make(map[string]float64, len(f.params))
			}
			for name, v := range f.params {
				cfg.ModelParams[name] = v
			}
		}
	})
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
