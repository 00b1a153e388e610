// Package filter drives one rank of a distributed particle filter.
//
// Every rank owns a contiguous shard of the ensemble and steps through
// propagate, weight, synchronize, resample, redistribute, aggregate and
// checkpoint for each time index. Rank 0 coordinates: it gathers all
// log-weights, draws the ancestor assignment and broadcasts it, and it
// reduces the statistics. Random draws are keyed by global particle index,
// so results do not depend on the number of ranks or tasks.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"smcflow/internal/comm"
	"smcflow/internal/ensemble"
	"smcflow/internal/metrics"
	"smcflow/internal/model"
	"smcflow/internal/resample"
	"smcflow/internal/rng"
	"smcflow/internal/ssm"
	"smcflow/internal/stats"
	"smcflow/internal/storage"
	"smcflow/internal/wire"
)

const root = 0

// Message kinds within one time index.
const (
	kindWeights uint8 = iota + 1
	kindDecision
	kindRedistribute
	kindStats
	kindFinal
	kindRelease
)

const (
	statusOK uint8 = iota
	statusDegenerate
	statusInvalid
)

// Result describes how a rank left the loop. Steps, LogLikelihood and Faults
// are only filled on rank 0.
type Result struct {
	RunID         string
	Rank          int
	Steps         []model.StepRecord
	LastTimeIndex int
	Stopped       bool
	LogLikelihood float64
	Faults        int
}

type Engine struct {
	cfg     Config
	comm    comm.Communicator
	log     *slog.Logger
	metrics *metrics.RankMetrics
	scheme  resample.Scheme
	optimal ssm.OptimalProposal
	tree    stats.Tree

	shard      *ensemble.Shard
	chunks     []ensemble.Range
	streams    []*rng.Stream
	logw       []float64
	taskFaults []int

	ckpt       checkpointer
	lastShard  int
	phase      Phase
	phaseStart time.Time
	logLik     float64
}

// decision is what rank 0 broadcasts after resampling.
type decision struct {
	status     uint8
	stop       bool
	faults     int
	logTotal   float64
	assignment []int
	weights    []float64
}

func New(cfg Config, c comm.Communicator) (*Engine, error) {
	if err := cfg.Validate(c.Size()); err != nil {
		return nil, err
	}
	own, err := ensemble.Partition(cfg.Particles, c.Size(), c.Rank())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	shard, err := ensemble.NewShard(cfg.Model.StateDim(), cfg.Particles, own)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	scheme, err := resample.ByName(cfg.Resampler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		comm:    c,
		log:     logger.With("rank", c.Rank(), "run_id", cfg.RunID),
		metrics: cfg.Metrics.Rank(c.Rank(), cfg.RunID),
		scheme:  scheme,
		tree:    stats.Tree{Total: cfg.Particles},
		shard:   shard,
		chunks:  ensemble.Split(own, cfg.Tasks),
		logw:    make([]float64, own.Len()),
		ckpt: checkpointer{
			store:    cfg.Store,
			runID:    cfg.RunID,
			interval: cfg.CheckpointInterval,
			root:     c.Rank() == root,
		},
		lastShard: -1,
	}
	if cfg.Variant == VariantOptimal {
		e.optimal = cfg.Model.(ssm.OptimalProposal)
	}
	e.streams = make([]*rng.Stream, len(e.chunks))
	for i := range e.streams {
		e.streams[i] = rng.NewStream(cfg.Seed)
	}
	e.taskFaults = make([]int, len(e.chunks))
	return e, nil
}

// Shard exposes the rank's particles. It is not safe to use during Run.
func (e *Engine) Shard() *ensemble.Shard { return e.shard }

// Run filters from the initial (or resumed) time index to the last one. If
// ctx is cancelled the run stops cleanly after the time step in progress,
// once every rank has agreed to stop; communication in flight is never
// abandoned half way.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: e.cfg.RunID, Rank: e.comm.Rank(), LastTimeIndex: e.cfg.ResumeFrom}

	e.enter(PhaseInitializing, e.cfg.ResumeFrom)
	if err := e.initialize(ctx); err != nil {
		return res, err
	}
	if e.cfg.ResumeFrom == 0 {
		step, err := e.aggregate(ctx, 0, nil, false)
		if err != nil {
			return res, err
		}
		if e.isRoot() {
			step.Weights = uniform(e.cfg.Particles)
			step.ESS = float64(e.cfg.Particles)
		}
		if err := e.checkpoint(ctx, step, &res); err != nil {
			return res, err
		}
	}

	for t := e.cfg.ResumeFrom + 1; t <= e.cfg.Steps; t++ {
		step, stop, err := e.step(ctx, t)
		if err != nil {
			return res, err
		}
		res.LastTimeIndex = t
		if err := e.checkpoint(ctx, step, &res); err != nil {
			return res, err
		}
		if stop {
			res.Stopped = true
			e.log.Info("stopping at step boundary", "time_index", t)
			break
		}
	}

	e.enter(PhaseFinalizing, res.LastTimeIndex)
	if err := e.finalize(ctx, res.LastTimeIndex); err != nil {
		return res, err
	}
	res.LogLikelihood = e.logLik
	return res, nil
}

func (e *Engine) isRoot() bool { return e.comm.Rank() == root }

func (e *Engine) initialize(ctx context.Context) error {
	if e.cfg.ResumeFrom > 0 {
		return e.restore(ctx)
	}
	m := e.cfg.Model
	return e.parallel(func(task int, r ensemble.Range) error {
		stream := e.streams[task]
		for i := r.Start; i < r.End; i++ {
			m.SampleInitialState(stream.At(rng.PurposeInitial, 0, i), e.shard.State(i))
		}
		return nil
	})
}

func (e *Engine) restore(ctx context.Context) error {
	at := e.cfg.ResumeFrom
	records, err := e.cfg.Store.LoadShards(ctx, e.cfg.RunID, at)
	if err != nil {
		return fmt.Errorf("load shards at %d: %w", at, err)
	}
	if err := restoreShard(e.shard, records); err != nil {
		return fmt.Errorf("resume from %d: %w", at, err)
	}
	e.lastShard = at
	if e.isRoot() {
		step, ok, err := e.cfg.Store.GetStep(ctx, e.cfg.RunID, at)
		if err != nil {
			return fmt.Errorf("load step %d: %w", at, err)
		}
		if !ok {
			return fmt.Errorf("%w: no statistics stored for time index %d", ErrConfig, at)
		}
		e.logLik = step.LogLikelihood
	}
	e.log.Info("resumed ensemble", "time_index", at, "particles", e.shard.Len())
	return nil
}

// step advances the ensemble from t-1 to t. It reports whether the ranks
// agreed to stop after this step.
func (e *Engine) step(ctx context.Context, t int) (model.StepRecord, bool, error) {
	stopRequested := ctx.Err() != nil
	obs := e.cfg.Observations[t-1]

	e.enter(PhasePropagating, t)
	if err := e.propagate(t, obs); err != nil {
		return model.StepRecord{}, false, err
	}

	e.enter(PhaseWeighting, t)
	faults, err := e.weight(obs)
	if err != nil {
		return model.StepRecord{}, false, err
	}

	e.enter(PhaseSynchronizing, t)
	logw, totalFaults, stopAll, err := e.gatherWeights(ctx, t, faults, stopRequested)
	if err != nil {
		return model.StepRecord{}, false, err
	}

	e.enter(PhaseResampling, t)
	d, err := e.broadcastDecision(ctx, t, logw, totalFaults, stopAll)
	if err != nil {
		return model.StepRecord{}, false, err
	}

	e.enter(PhaseRedistributing, t)
	cctx, cancel := e.commContext(ctx)
	sent, received, err := Redistribute(cctx, e.comm, e.shard, d.assignment, comm.NewTag(t, kindRedistribute))
	cancel()
	if err != nil {
		return model.StepRecord{}, false, fmt.Errorf("redistribute at %d: %w", t, err)
	}
	e.metrics.Redistributed(sent, received)

	e.enter(PhaseAggregating, t)
	var step model.StepRecord
	if e.cfg.StatsMode == StatsWeighted {
		step, err = e.aggregate(ctx, t, d.weights, true)
	} else {
		step, err = e.aggregate(ctx, t, nil, false)
	}
	if err != nil {
		return model.StepRecord{}, false, err
	}
	e.metrics.StepDone(faults)

	if e.isRoot() {
		increment := d.logTotal - math.Log(float64(e.cfg.Particles))
		e.logLik += increment
		step.Weights = d.weights
		step.ESS = resample.ESS(d.weights)
		step.LogLikelihood = e.logLik
		step.Faults = d.faults
		e.metrics.SetWeights(step.ESS, e.logLik)
		e.log.Info("step",
			"time_index", t,
			"ess", step.ESS,
			"faults", d.faults,
			"log_likelihood_increment", increment,
		)
	}
	return step, d.stop, nil
}

// parallel runs fn over the rank's task chunks and waits for all of them.
func (e *Engine) parallel(fn func(task int, r ensemble.Range) error) error {
	var g errgroup.Group
	for task, r := range e.chunks {
		g.Go(func() error { return fn(task, r) })
	}
	return g.Wait()
}

func (e *Engine) propagate(t int, obs []float64) error {
	m := e.cfg.Model
	own := e.shard.Owned()
	return e.parallel(func(task int, r ensemble.Range) error {
		stream := e.streams[task]
		for i := r.Start; i < r.End; i++ {
			state := e.shard.State(i)
			m.UpdateStateDeterministic(state, t)
			draw := stream.At(rng.PurposePropagate, t, i)
			if e.optimal != nil {
				// The correction is evaluated before the state moves.
				e.logw[i-own.Start] = e.optimal.OptimalLogWeight(obs, state)
				e.optimal.UpdateStateOptimal(state, obs, draw)
				continue
			}
			m.UpdateStateStochastic(state, draw)
		}
		return nil
	})
}

// weight fills the local log-weights and returns how many particles faulted.
func (e *Engine) weight(obs []float64) (int, error) {
	m := e.cfg.Model
	own := e.shard.Owned()
	err := e.parallel(func(task int, r ensemble.Range) error {
		faults := 0
		for i := r.Start; i < r.End; i++ {
			state := e.shard.State(i)
			lw := &e.logw[i-own.Start]
			if e.optimal == nil {
				*lw = m.LogDensityObservationGivenState(obs, state)
			}
			if !finite(*lw) || !allFinite(state) {
				*lw = math.Inf(-1)
				faults++
			}
		}
		e.taskFaults[task] = faults
		return nil
	})
	total := 0
	for _, f := range e.taskFaults {
		total += f
	}
	return total, err
}

// gatherWeights sends the local log-weights, fault count and stop request to
// rank 0. On rank 0 it returns the full log-weight vector in global order.
func (e *Engine) gatherWeights(ctx context.Context, t, faults int, stop bool) ([]float64, int, bool, error) {
	w := wire.NewWriter(16 + 8*len(e.logw))
	w.Uint8(boolByte(stop))
	w.Int(faults)
	w.RawFloat64s(e.logw)

	cctx, cancel := e.commContext(ctx)
	defer cancel()
	parts, err := comm.Gather(cctx, e.comm, root, comm.NewTag(t, kindWeights), w.Bytes())
	if err != nil {
		return nil, 0, false, fmt.Errorf("gather weights at %d: %w", t, err)
	}
	if !e.isRoot() {
		return nil, 0, false, nil
	}

	per := e.cfg.Particles / e.comm.Size()
	logw := make([]float64, 0, e.cfg.Particles)
	totalFaults, stopAll := 0, false
	for r, buf := range parts {
		rd := wire.NewReader(buf)
		if rd.Uint8() != 0 {
			stopAll = true
		}
		totalFaults += rd.Int()
		chunk := make([]float64, per)
		rd.RawFloat64s(chunk)
		if err := rd.Err(); err != nil || rd.Len() != 0 {
			return nil, 0, false, fmt.Errorf("%w: malformed weights from rank %d at %d: %w", comm.ErrTransport, r, t, errors.Join(err, errTrailing(rd.Len())))
		}
		logw = append(logw, chunk...)
	}
	return logw, totalFaults, stopAll, nil
}

// broadcastDecision normalizes the weights and draws the ancestor assignment
// on rank 0, then broadcasts the outcome. Every rank returns the same
// decision or the same fatal error.
func (e *Engine) broadcastDecision(ctx context.Context, t int, logw []float64, faults int, stop bool) (decision, error) {
	var d decision
	var payload []byte
	if e.isRoot() {
		d = e.decide(t, logw, faults, stop)
		payload = e.encodeDecision(d)
	}

	cctx, cancel := e.commContext(ctx)
	defer cancel()
	buf, err := comm.Bcast(cctx, e.comm, root, comm.NewTag(t, kindDecision), payload)
	if err != nil {
		return decision{}, fmt.Errorf("broadcast assignment at %d: %w", t, err)
	}
	if !e.isRoot() {
		if d, err = decodeDecision(buf); err != nil {
			return decision{}, fmt.Errorf("%w: decision at %d: %w", comm.ErrTransport, t, err)
		}
	}

	switch d.status {
	case statusOK:
	case statusDegenerate:
		return decision{}, fmt.Errorf("%w: time index %d, %d of %d particles faulted", ErrDegenerateEnsemble, t, d.faults, e.cfg.Particles)
	default:
		return decision{}, fmt.Errorf("time index %d: %w", t, resample.ErrInvalidAssignment)
	}
	return d, nil
}

func (e *Engine) decide(t int, logw []float64, faults int, stop bool) decision {
	d := decision{stop: stop, faults: faults}
	weights, logTotal, err := resample.Normalize(logw)
	if err != nil {
		e.log.Error("ensemble degenerate", "time_index", t, "faults", faults, "err", err)
		d.status = statusDegenerate
		return d
	}
	n := e.cfg.Particles
	d.assignment = e.scheme(rng.New(e.cfg.Seed, rng.PurposeResample, t, 0), weights, n)
	if err := resample.Validate(d.assignment, n); err != nil {
		e.log.Error("invalid assignment", "time_index", t, "err", err)
		d.status = statusInvalid
		return d
	}
	d.weights = weights
	d.logTotal = logTotal
	return d
}

func (e *Engine) encodeDecision(d decision) []byte {
	w := wire.NewWriter(32 + 8*len(d.assignment) + 8*len(d.weights))
	w.Uint8(d.status)
	w.Uint8(boolByte(d.stop))
	w.Int(d.faults)
	w.Float64(d.logTotal)
	w.Ints(d.assignment)
	if e.cfg.StatsMode == StatsWeighted {
		w.Float64s(d.weights)
	} else {
		w.Float64s(nil)
	}
	return w.Bytes()
}

func decodeDecision(buf []byte) (decision, error) {
	r := wire.NewReader(buf)
	d := decision{
		status:   r.Uint8(),
		stop:     r.Uint8() != 0,
		faults:   r.Int(),
		logTotal: r.Float64(),
	}
	d.assignment = r.Ints()
	d.weights = r.Float64s()
	if err := r.Err(); err != nil {
		return decision{}, err
	}
	if r.Len() != 0 {
		return decision{}, errTrailing(r.Len())
	}
	return d, nil
}

// aggregate reduces the ensemble statistics onto rank 0. Task partials and
// rank partials follow the same canonical tree, so the reduction does not
// depend on how particles are split. With previous set it summarizes the
// states from before the last redistribution.
func (e *Engine) aggregate(ctx context.Context, t int, weights []float64, previous bool) (model.StepRecord, error) {
	own := e.shard.Owned()
	dim := e.shard.Dim()
	states := e.shard.States()
	if previous {
		states = e.shard.Previous()
	}
	point := func(i int) ([]float64, float64) {
		off := (i - own.Start) * dim
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		return states[off : off+dim], w
	}

	parts := make([][]stats.Partial, len(e.chunks))
	if err := e.parallel(func(task int, r ensemble.Range) error {
		parts[task] = e.tree.Summarize(r.Start, r.End, point)
		return nil
	}); err != nil {
		return model.StepRecord{}, err
	}
	var local []stats.Partial
	for _, p := range parts {
		local = append(local, p...)
	}
	local = e.tree.Reduce(local)

	cctx, cancel := e.commContext(ctx)
	defer cancel()
	bufs, err := comm.Gather(cctx, e.comm, root, comm.NewTag(t, kindStats), stats.EncodePartials(local, dim))
	if err != nil {
		return model.StepRecord{}, fmt.Errorf("gather statistics at %d: %w", t, err)
	}
	if !e.isRoot() {
		return model.StepRecord{}, nil
	}

	var all []stats.Partial
	for r, buf := range bufs {
		decoded, err := stats.DecodePartials(buf, dim)
		if err != nil {
			return model.StepRecord{}, fmt.Errorf("%w: statistics from rank %d at %d: %w", comm.ErrTransport, r, t, err)
		}
		all = append(all, decoded...)
	}
	summary, err := e.tree.Root(all)
	if err != nil {
		return model.StepRecord{}, fmt.Errorf("reduce statistics at %d: %w", t, err)
	}
	e.log.Debug("statistics", "time_index", t, "summary", summary)
	return model.StepRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           e.cfg.RunID,
		TimeIndex:       t,
		Mean:            summary.Mean,
		Variance:        summary.Variance(),
	}, nil
}

func (e *Engine) checkpoint(ctx context.Context, step model.StepRecord, res *Result) error {
	t := res.LastTimeIndex
	e.enter(PhaseCheckpointing, t)
	if e.isRoot() {
		res.Steps = append(res.Steps, step)
		res.Faults += step.Faults
	}
	e.ckpt.record(step)
	if !e.ckpt.due(t) {
		return nil
	}
	if err := e.ckpt.write(context.WithoutCancel(ctx), t, e.shard); err != nil {
		return err
	}
	e.lastShard = t
	return nil
}

// finalize flushes what the checkpoint cadence left buffered and waits until
// every rank has done the same.
func (e *Engine) finalize(ctx context.Context, last int) error {
	if e.lastShard != last || len(e.ckpt.pending) > 0 {
		if err := e.ckpt.write(context.WithoutCancel(ctx), last, e.shard); err != nil {
			return err
		}
		e.lastShard = last
	}
	cctx, cancel := e.commContext(ctx)
	defer cancel()
	if err := comm.Barrier(cctx, e.comm, comm.NewTag(last, kindFinal), comm.NewTag(last, kindRelease)); err != nil {
		return fmt.Errorf("final barrier: %w", err)
	}
	e.log.Debug("finalized", "time_index", last)
	return nil
}

// commContext detaches communication from run cancellation, which only
// takes effect at step boundaries, and applies the per-call timeout.
func (e *Engine) commContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if e.cfg.CommTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CommTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) enter(p Phase, t int) {
	now := time.Now()
	if !e.phaseStart.IsZero() {
		e.metrics.ObservePhase(e.phase.String(), now.Sub(e.phaseStart))
	}
	e.phase, e.phaseStart = p, now
	e.log.Debug("phase", "phase", p.String(), "time_index", t)
}

func uniform(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if !finite(x) {
			return false
		}
	}
	return true
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func errTrailing(n int) error {
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d trailing bytes", n)
}
