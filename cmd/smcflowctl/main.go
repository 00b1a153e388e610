package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"smcflow/internal/config"
	"smcflow/internal/ssm"
	"smcflow/internal/storage"
	"smcflow/pkg/smcflow"
)

const exportsDir = "exports"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:], stdout, stderr)
	case "rank":
		return runRank(ctx, args[1:], stdout, stderr)
	case "runs":
		return runRuns(ctx, args[1:], stdout)
	case "steps":
		return runSteps(ctx, args[1:], stdout)
	case "export":
		return runExport(ctx, args[1:], stdout)
	case "simulate":
		return runSimulate(args[1:], stdout)
	case "config":
		return runConfig(args[1:], stdout)
	case "models":
		for _, name := range smcflow.Models() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runRun(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rf := bindRunFlags(fs)
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := rf.resolve(fs)
	if err != nil {
		return err
	}

	client, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, cfg)
	if err != nil {
		return err
	}
	return printSummary(stdout, cfg, summary, *jsonOut)
}

func runRank(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rank", flag.ContinueOnError)
	rf := bindRunFlags(fs)
	rank := fs.Int("rank", -1, "rank this process runs")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := rf.resolve(fs)
	if err != nil {
		return err
	}
	if *rank < 0 || *rank >= cfg.Ranks {
		return fmt.Errorf("rank must be in [0, %d), got %d", cfg.Ranks, *rank)
	}

	client, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.RunRank(ctx, cfg, *rank)
	if err != nil {
		return err
	}
	if *rank != 0 {
		fmt.Fprintf(stdout, "rank=%d run_id=%s finished at t=%d\n", *rank, summary.RunID, summary.LastTimeIndex)
		return nil
	}
	return printSummary(stdout, cfg, summary, *jsonOut)
}

func printSummary(w io.Writer, cfg config.Config, s smcflow.RunSummary, jsonOut bool) error {
	if jsonOut {
		return writeJSON(w, s)
	}
	state := "completed"
	if s.Stopped {
		state = "stopped"
	}
	fmt.Fprintf(w, "run_id=%s %s at t=%d particles=%s ranks=%d elapsed=%s\n",
		s.RunID, state, s.LastTimeIndex, humanize.Comma(int64(cfg.Particles)), cfg.Ranks, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "log_likelihood=%.6f faults=%s\n", s.LogLikelihood, humanize.Comma(int64(s.Faults)))
	if len(s.FinalMean) > 0 {
		fmt.Fprintf(w, "final_mean=%s\n", formatVector(s.FinalMean))
		fmt.Fprintf(w, "final_variance=%s\n", formatVector(s.FinalVariance))
	}
	if s.ArtifactsDir != "" {
		fmt.Fprintf(w, "artifacts=%s\n", s.ArtifactsDir)
	}
	return nil
}

func runRuns(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind, dbPath := bindStoreFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := smcflow.New(smcflow.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, smcflow.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(stdout, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, item := range items {
		started := item.StartedAt
		if ts, err := time.Parse(time.RFC3339Nano, item.StartedAt); err == nil {
			started = humanize.Time(ts)
		}
		fmt.Fprintf(stdout, "run_id=%s started=%s model=%s filter=%s particles=%s steps=%d ranks=%d tasks=%d seed=%d\n",
			item.RunID, started, item.Model, item.Filter, humanize.Comma(int64(item.Particles)), item.Steps, item.Ranks, item.Tasks, item.Seed)
	}
	return nil
}

func runSteps(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("steps", flag.ContinueOnError)
	storeKind, dbPath := bindStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show the most recent run")
	limit := fs.Int("limit", 10, "show the last N time indices (0 shows all)")
	jsonOut := fs.Bool("json", false, "emit step records as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("steps requires --run-id or --latest")
	}

	client, err := smcflow.New(smcflow.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	steps, err := client.Steps(ctx, smcflow.StepsRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(stdout, steps)
	}
	for _, s := range steps {
		fmt.Fprintf(stdout, "t=%d mean=%s variance=%s ess=%.2f log_likelihood=%.6f faults=%d\n",
			s.TimeIndex, formatVector(s.Mean), formatVector(s.Variance), s.ESS, s.LogLikelihood, s.Faults)
	}
	return nil
}

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	storeKind, dbPath := bindStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := smcflow.New(smcflow.Options{StoreKind: *storeKind, DBPath: *dbPath, ExportsDir: *outDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, smcflow.ExportRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s records=%d to=%s\n", exported.RunID, exported.Records, exported.Directory)
	return nil
}

func runSimulate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	rf := bindRunFlags(fs)
	out := fs.String("out", "", "write the trajectory YAML here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := rf.resolve(fs)
	if err != nil {
		return err
	}
	m, err := ssm.New(cfg.Model, ssm.Params(cfg.ModelParams))
	if err != nil {
		return err
	}
	traj := ssm.SimulateTruth(m, cfg.Steps, cfg.TruthSeed)
	if *out == "" {
		return ssm.WriteTrajectory(stdout, traj)
	}
	if dir := filepath.Dir(*out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := ssm.WriteTrajectory(f, traj); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d observations to %s\n", len(traj.Observations), *out)
	return nil
}

func runConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	rf := bindRunFlags(fs)
	out := fs.String("out", "smcflow.yaml", "config output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := rf.resolve(fs)
	if err != nil {
		return err
	}
	if err := cfg.WriteYAML(*out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote config to %s\n", *out)
	return nil
}

func bindStoreFlags(fs *flag.FlagSet) (*string, *string) {
	d := config.Default()
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", d.DBPath, "sqlite database path")
	return storeKind, dbPath
}

func newClient(cfg config.Config, stderr io.Writer) (*smcflow.Client, error) {
	return smcflow.New(smcflow.Options{
		StoreKind: cfg.Store,
		DBPath:    cfg.DBPath,
		Logger:    newLogger(stderr, cfg.Verbosity),
	})
}

// newLogger writes human readable logs to a terminal and JSON lines
// everywhere else.
func newLogger(w io.Writer, verbosity string) *slog.Logger {
	level := slog.LevelInfo
	switch verbosity {
	case config.VerbosityQuiet:
		level = slog.LevelError
	case config.VerbosityDebug:
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.4f", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: smcflowctl <run|rank|runs|steps|export|simulate|config|models> [flags]", msg)
}
