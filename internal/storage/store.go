package storage

import (
	"context"
	"errors"

	"smcflow/internal/model"
)

var ErrNotInitialized = errors.New("store is not initialized")

// Store persists run metadata, per time index statistics and ensemble
// shards. Steps are keyed by model.StepKey so readers iterate them in time
// order.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveSteps(ctx context.Context, steps []model.StepRecord) error
	GetStep(ctx context.Context, runID string, timeIndex int) (model.StepRecord, bool, error)
	ListSteps(ctx context.Context, runID string) ([]model.StepRecord, error)
	SaveShard(ctx context.Context, shard model.ShardRecord) error
	LoadShards(ctx context.Context, runID string, timeIndex int) ([]model.ShardRecord, error)
	LatestShardIndex(ctx context.Context, runID string) (int, bool, error)
}
