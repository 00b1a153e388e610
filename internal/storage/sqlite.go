package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"smcflow/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return err
	}
	// Ranks of one process share the store; serialize writers on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SaveSteps writes a checkpoint batch atomically.
func (s *SQLiteStore) SaveSteps(ctx context.Context, steps []model.StepRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range steps {
		payload, err := EncodeStep(step)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, step_key, time_index, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, step_key) DO UPDATE SET
				time_index = excluded.time_index,
				payload = excluded.payload
		`, step.RunID, model.StepKey(step.TimeIndex), step.TimeIndex, payload)
		if err != nil {
			return fmt.Errorf("save step %s/%d: %w", step.RunID, step.TimeIndex, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetStep(ctx context.Context, runID string, timeIndex int) (model.StepRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.StepRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM steps WHERE run_id = ? AND step_key = ?`,
		runID, model.StepKey(timeIndex)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StepRecord{}, false, nil
		}
		return model.StepRecord{}, false, err
	}

	step, err := DecodeStep(payload)
	if err != nil {
		return model.StepRecord{}, false, fmt.Errorf("decode step %s/%d: %w", runID, timeIndex, err)
	}
	return step, true, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]model.StepRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT step_key, payload FROM steps WHERE run_id = ? ORDER BY step_key`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.StepRecord{}
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		step, err := DecodeStep(payload)
		if err != nil {
			return nil, fmt.Errorf("decode step %s/%s: %w", runID, key, err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveShard(ctx context.Context, shard model.ShardRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeShard(shard)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO shards (run_id, time_index, first_index, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, time_index, first_index) DO UPDATE SET
			payload = excluded.payload
	`, shard.RunID, shard.TimeIndex, shard.Offset, payload)
	return err
}

func (s *SQLiteStore) LoadShards(ctx context.Context, runID string, timeIndex int) ([]model.ShardRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM shards WHERE run_id = ? AND time_index = ? ORDER BY first_index
	`, runID, timeIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ShardRecord{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		shard, err := DecodeShard(payload)
		if err != nil {
			return nil, fmt.Errorf("decode shard %s/%d: %w", runID, timeIndex, err)
		}
		out = append(out, shard)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestShardIndex(ctx context.Context, runID string) (int, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, false, err
	}

	var latest sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT MAX(time_index) FROM shards WHERE run_id = ?`, runID).Scan(&latest)
	if err != nil {
		return 0, false, err
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return int(latest.Int64), true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			time_index INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, step_key)
		);
		CREATE TABLE IF NOT EXISTS shards (
			run_id TEXT NOT NULL,
			time_index INTEGER NOT NULL,
			first_index INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, time_index, first_index)
		);
	`)
	return err
}
