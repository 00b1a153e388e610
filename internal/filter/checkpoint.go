package filter

import (
	"context"
	"fmt"

	"smcflow/internal/ensemble"
	"smcflow/internal/model"
	"smcflow/internal/storage"
)

// checkpointer buffers step records on the coordinating rank and writes them
// together with every rank's ensemble shard at the configured cadence.
type checkpointer struct {
	store    storage.Store
	runID    string
	interval int
	root     bool

	pending []model.StepRecord
}

func (c *checkpointer) due(timeIndex int) bool {
	return c.interval > 0 && timeIndex%c.interval == 0
}

func (c *checkpointer) record(step model.StepRecord) {
	if c.root {
		c.pending = append(c.pending, step)
	}
}

// write persists the buffered records and the shard as of timeIndex.
func (c *checkpointer) write(ctx context.Context, timeIndex int, shard *ensemble.Shard) error {
	if c.store == nil {
		c.pending = c.pending[:0]
		return nil
	}
	if len(c.pending) > 0 {
		if err := c.store.SaveSteps(ctx, c.pending); err != nil {
			return fmt.Errorf("save steps up to %d: %w", timeIndex, err)
		}
		c.pending = c.pending[:0]
	}
	own := shard.Owned()
	err := c.store.SaveShard(ctx, model.ShardRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           c.runID,
		TimeIndex:       timeIndex,
		Offset:          own.Start,
		Count:           own.Len(),
		StateDim:        shard.Dim(),
		States:          shard.Snapshot(),
	})
	if err != nil {
		return fmt.Errorf("save shard [%d, %d) at %d: %w", own.Start, own.End, timeIndex, err)
	}
	return nil
}

// restoreShard assembles the states of the shard's range from records
// written under any earlier partition of the ensemble.
func restoreShard(shard *ensemble.Shard, records []model.ShardRecord) error {
	own := shard.Owned()
	dim := shard.Dim()
	states := make([]float64, own.Len()*dim)
	have := make([]bool, own.Len())
	covered := 0
	for _, rec := range records {
		if rec.StateDim != dim {
			return fmt.Errorf("%w: stored shard has state dimension %d, model has %d", ErrConfig, rec.StateDim, dim)
		}
		lo := max(rec.Offset, own.Start)
		hi := min(rec.Offset+rec.Count, own.End)
		if lo >= hi {
			continue
		}
		copy(states[(lo-own.Start)*dim:(hi-own.Start)*dim], rec.States[(lo-rec.Offset)*dim:(hi-rec.Offset)*dim])
		for i := lo; i < hi; i++ {
			if !have[i-own.Start] {
				have[i-own.Start] = true
				covered++
			}
		}
	}
	if covered != own.Len() {
		return fmt.Errorf("%w: stored shards cover %d of %d particles in [%d, %d)", ErrConfig, covered, own.Len(), own.Start, own.End)
	}
	return shard.Load(states)
}
