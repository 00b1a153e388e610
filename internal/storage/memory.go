package storage

import (
	"context"
	"sort"
	"sync"

	"smcflow/internal/model"
)

type shardKey struct {
	runID     string
	timeIndex int
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	steps       map[string]map[string]model.StepRecord
	shards      map[shardKey]map[int]model.ShardRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.steps = make(map[string]map[string]model.StepRecord)
	s.shards = make(map[shardKey]map[int]model.ShardRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.RunRecord{}, false, ErrNotInitialized
	}
	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveSteps(_ context.Context, steps []model.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	for _, step := range steps {
		byKey, ok := s.steps[step.RunID]
		if !ok {
			byKey = make(map[string]model.StepRecord)
			s.steps[step.RunID] = byKey
		}
		byKey[model.StepKey(step.TimeIndex)] = cloneStep(step)
	}
	return nil
}

func (s *MemoryStore) GetStep(_ context.Context, runID string, timeIndex int) (model.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.StepRecord{}, false, ErrNotInitialized
	}
	step, ok := s.steps[runID][model.StepKey(timeIndex)]
	if !ok {
		return model.StepRecord{}, false, nil
	}
	return cloneStep(step), true, nil
}

func (s *MemoryStore) ListSteps(_ context.Context, runID string) ([]model.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	byKey := s.steps[runID]
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]model.StepRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, cloneStep(byKey[key]))
	}
	return out, nil
}

func (s *MemoryStore) SaveShard(_ context.Context, shard model.ShardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	key := shardKey{shard.RunID, shard.TimeIndex}
	byOffset, ok := s.shards[key]
	if !ok {
		byOffset = make(map[int]model.ShardRecord)
		s.shards[key] = byOffset
	}
	shard.States = append([]float64(nil), shard.States...)
	byOffset[shard.Offset] = shard
	return nil
}

func (s *MemoryStore) LoadShards(_ context.Context, runID string, timeIndex int) ([]model.ShardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	byOffset := s.shards[shardKey{runID, timeIndex}]
	out := make([]model.ShardRecord, 0, len(byOffset))
	for _, shard := range byOffset {
		shard.States = append([]float64(nil), shard.States...)
		out = append(out, shard)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

func (s *MemoryStore) LatestShardIndex(_ context.Context, runID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return 0, false, ErrNotInitialized
	}
	latest, found := 0, false
	for key := range s.shards {
		if key.runID == runID && (!found || key.timeIndex > latest) {
			latest, found = key.timeIndex, true
		}
	}
	return latest, found, nil
}

func cloneStep(step model.StepRecord) model.StepRecord {
	step.Mean = append([]float64(nil), step.Mean...)
	step.Variance = append([]float64(nil), step.Variance...)
	step.Weights = append([]float64(nil), step.Weights...)
	return step
}
