package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"smcflow/internal/config"
	"smcflow/internal/ssm"
	"smcflow/pkg/smcflow"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	var stdout bytes.Buffer
	if err := run(context.Background(), args, &stdout, io.Discard); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return stdout.String()
}

func TestRunRunsStepsAndExportShareSQLiteStore(t *testing.T) {
	workdir := t.TempDir()
	dbPath := filepath.Join(workdir, "smcflow.db")
	store := []string{"--store", "sqlite", "--db-path", dbPath}

	out := runCommand(t, append([]string{
		"run",
		"--run-id", "cli-run",
		"--model", "randomwalk",
		"--param", "dim=2",
		"--particles", "24",
		"--steps", "6",
		"--ranks", "3",
		"--tasks", "2",
		"--verbosity", "quiet",
	}, store...)...)
	if !strings.Contains(out, "run_id=cli-run completed at t=6") {
		t.Fatalf("unexpected run output: %q", out)
	}

	out = runCommand(t, append([]string{"runs", "--json"}, store...)...)
	var items []smcflow.RunItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out)
	}
	if len(items) != 1 || items[0].RunID != "cli-run" || items[0].Ranks != 3 {
		t.Fatalf("unexpected runs: %+v", items)
	}

	out = runCommand(t, append([]string{"steps", "--latest", "--limit", "2"}, store...)...)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "t=6 ") {
		t.Fatalf("unexpected steps output: %q", out)
	}

	exportDir := filepath.Join(workdir, "exports")
	out = runCommand(t, append([]string{"export", "--run-id", "cli-run", "--out", exportDir}, store...)...)
	if !strings.Contains(out, "records=7") {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, "cli-run", "statistics.csv")); err != nil {
		t.Fatalf("expected exported statistics: %v", err)
	}
}

func TestRunFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	cfg := config.Default()
	cfg.Model = "randomwalk"
	cfg.Particles = 12
	cfg.Steps = 3
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rf := bindRunFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--steps", "9", "--peers", "a:1, b:2", "--ranks", "2", "--param", "dim=4"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := rf.resolve(fs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Model != "randomwalk" || got.Particles != 12 {
		t.Fatalf("config file values lost: %+v", got)
	}
	if got.Steps != 9 || got.Ranks != 2 || len(got.Peers) != 2 || got.Peers[1] != "b:2" {
		t.Fatalf("flags not applied: %+v", got)
	}
	if got.ModelParams["dim"] != 4 {
		t.Fatalf("param flag not applied: %v", got.ModelParams)
	}
}

func TestSimulateWritesReadableObservations(t *testing.T) {
	out := filepath.Join(t.TempDir(), "obs", "walk.yaml")
	runCommand(t, "simulate", "--model", "randomwalk", "--steps", "5", "--out", out)

	obs, err := ssm.LoadObservations(out, 1)
	if err != nil {
		t.Fatalf("load observations: %v", err)
	}
	if len(obs) != 5 {
		t.Fatalf("expected 5 observations, got %d", len(obs))
	}
}

func TestModelsCommand(t *testing.T) {
	out := runCommand(t, "models")
	if !strings.Contains(out, "lorenz63") || !strings.Contains(out, "randomwalk") {
		t.Fatalf("unexpected models output: %q", out)
	}
}

func TestCommandErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"unknown"},
		{"export", "--run-id", "x", "--latest"},
		{"steps"},
		{"runs", "--limit", "0"},
		{"run", "--particles", "10", "--ranks", "3"},
		{"run", "--param", "dim"},
		{"rank", "--rank", "5"},
	}
	for _, args := range cases {
		if err := run(context.Background(), args, io.Discard, io.Discard); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
