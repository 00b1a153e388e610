// Package config loads run configuration from YAML.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"smcflow/internal/filter"
	"smcflow/internal/resample"
)

//go:embed defaults.yaml
var defaultsYAML []byte

const (
	VerbosityQuiet = "quiet"
	VerbosityInfo  = "info"
	VerbosityDebug = "debug"
)

// Config is the flat run configuration. Unknown keys are rejected.
type Config struct {
	RunID       string             `yaml:"run_id,omitempty"`
	Model       string             `yaml:"model"`
	ModelParams map[string]float64 `yaml:"model_params,omitempty"`
	Particles   int                `yaml:"n_particles"`
	Steps       int                `yaml:"n_steps"`
	Filter      string             `yaml:"filter"`
	Resampler   string             `yaml:"resampler"`
	StatsMode   string             `yaml:"stats_mode"`
	Seed        uint64             `yaml:"seed"`
	Ranks       int                `yaml:"ranks"`
	Tasks       int                `yaml:"tasks"`
	// Peers lists one host:port per rank for multi-process runs.
	Peers              []string      `yaml:"peers,omitempty"`
	CheckpointInterval int           `yaml:"checkpoint_interval"`
	Observations       string        `yaml:"observations,omitempty"` // YAML file; empty simulates from the model
	TruthSeed          uint64        `yaml:"truth_seed"`
	Store              string        `yaml:"store"`
	DBPath             string        `yaml:"db_path"`
	CSVDir             string        `yaml:"csv_dir,omitempty"`
	CommTimeout        time.Duration `yaml:"comm_timeout"`
	Verbosity          string        `yaml:"verbosity"`
	MetricsAddr        string        `yaml:"metrics_addr,omitempty"`
	ResumeFrom         int           `yaml:"resume_from,omitempty"`
}

// Default returns the embedded defaults.
func Default() Config {
	var cfg Config
	if err := decode(defaultsYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load reads path over the embedded defaults. An empty path yields the
// defaults alone.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML document over the embedded defaults. Keys present in
// the document replace the defaults; absent keys keep them.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing config: %w", filter.ErrConfig, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the keys that can be judged without building the model.
// The engine checks the rest when the run starts.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{filter.ErrConfig}, args...)...))
	}
	if c.Model == "" {
		fail("model is required")
	}
	if c.Particles <= 0 {
		fail("n_particles must be > 0, got %d", c.Particles)
	}
	if c.Steps < 0 {
		fail("n_steps must be >= 0, got %d", c.Steps)
	}
	if c.Ranks <= 0 {
		fail("ranks must be > 0, got %d", c.Ranks)
	} else if c.Particles > 0 && c.Particles%c.Ranks != 0 {
		fail("n_particles %d is not divisible by ranks %d", c.Particles, c.Ranks)
	}
	if len(c.Peers) > 0 && len(c.Peers) != c.Ranks {
		fail("%d peers listed for %d ranks", len(c.Peers), c.Ranks)
	}
	switch c.Filter {
	case filter.VariantBootstrap, filter.VariantOptimal:
	default:
		fail("unknown filter %q", c.Filter)
	}
	if _, err := resample.ByName(c.Resampler); err != nil {
		fail("resampler: %v", err)
	}
	switch c.StatsMode {
	case filter.StatsPosterior, filter.StatsWeighted:
	default:
		fail("unknown stats_mode %q", c.StatsMode)
	}
	switch c.Store {
	case "memory", "sqlite":
	default:
		fail("unknown store %q", c.Store)
	}
	if c.Store == "sqlite" && c.DBPath == "" {
		fail("db_path is required for the sqlite store")
	}
	switch c.Verbosity {
	case VerbosityQuiet, VerbosityInfo, VerbosityDebug:
	default:
		fail("unknown verbosity %q", c.Verbosity)
	}
	if c.Tasks <= 0 {
		fail("tasks must be > 0, got %d", c.Tasks)
	}
	if c.CheckpointInterval < 0 {
		fail("checkpoint_interval must be >= 0, got %d", c.CheckpointInterval)
	}
	if c.CommTimeout < 0 {
		fail("comm_timeout must be >= 0, got %s", c.CommTimeout)
	}
	if c.ResumeFrom < 0 || c.ResumeFrom > c.Steps {
		fail("resume_from %d outside [0, %d]", c.ResumeFrom, c.Steps)
	}
	if c.ResumeFrom > 0 && c.RunID == "" {
		fail("resume_from requires run_id")
	}
	return errors.Join(errs...)
}

// WriteYAML writes the configuration to a YAML file.
func (c Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
