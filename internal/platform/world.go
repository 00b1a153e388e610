// Package platform launches the ranks of a filtering run.
package platform

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"smcflow/internal/comm"
	"smcflow/internal/filter"
)

// RunLocal runs a world of ranks inside this process, one goroutine per rank
// over an in-process communicator. Failure is one-for-all: the first rank to
// fail closes its communicator, which fails every peer waiting on it, and
// cancels the run context. Support modules are started before the ranks and
// stopped after them. It returns rank 0's result.
func RunLocal(ctx context.Context, cfg filter.Config, ranks int, modules ...SupportModule) (filter.Result, error) {
	if err := cfg.Validate(ranks); err != nil {
		return filter.Result{}, err
	}
	started, err := startSupportModules(ctx, modules)
	if err != nil {
		return filter.Result{}, err
	}
	defer stopSupportModules(ctx, started)

	comms, err := comm.NewLocalWorld(ranks)
	if err != nil {
		return filter.Result{}, err
	}
	results := make([]filter.Result, ranks)
	errs := make([]error, ranks)
	g, gctx := errgroup.WithContext(ctx)
	for r, c := range comms {
		g.Go(func() error {
			results[r], errs[r] = RunRank(gctx, cfg, c)
			return errs[r]
		})
	}
	if g.Wait() != nil {
		return results[0], rootCause(errs)
	}
	return results[0], nil
}

// RunProcess runs the single rank this process owns in a world whose ranks
// are separate processes. Support modules live as long as the rank.
func RunProcess(ctx context.Context, cfg filter.Config, c comm.Communicator, modules ...SupportModule) (filter.Result, error) {
	if err := cfg.Validate(c.Size()); err != nil {
		_ = c.Close()
		return filter.Result{}, err
	}
	started, err := startSupportModules(ctx, modules)
	if err != nil {
		_ = c.Close()
		return filter.Result{}, err
	}
	defer stopSupportModules(ctx, started)
	return RunRank(ctx, cfg, c)
}

// RunRank runs one rank's engine and closes its communicator when done.
func RunRank(ctx context.Context, cfg filter.Config, c comm.Communicator) (filter.Result, error) {
	defer c.Close()
	engine, err := filter.New(cfg, c)
	if err != nil {
		return filter.Result{}, err
	}
	return engine.Run(ctx)
}

// rootCause prefers the error that brought the world down over the
// transport errors it caused on the other ranks.
func rootCause(errs []error) error {
	var first error
	for r, err := range errs {
		if err == nil {
			continue
		}
		wrapped := fmt.Errorf("rank %d: %w", r, err)
		if !errors.Is(err, comm.ErrTransport) {
			return wrapped
		}
		if first == nil {
			first = wrapped
		}
	}
	return first
}
