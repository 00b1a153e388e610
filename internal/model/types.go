package model

import "fmt"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one filtering run as it was configured at start.
type RunRecord struct {
	VersionedRecord
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Params     map[string]float64 `json:"params,omitempty"`
	Filter     string             `json:"filter"`
	Resampler  string             `json:"resampler"`
	StatsMode  string             `json:"stats_mode"`
	Particles  int                `json:"particles"`
	Steps      int                `json:"steps"`
	StateDim   int                `json:"state_dim"`
	Ranks      int                `json:"ranks"`
	Tasks      int                `json:"tasks"`
	Seed       uint64             `json:"seed"`
	StartedAt  string             `json:"started_at"`
	ResumeFrom int                `json:"resume_from,omitempty"`
}

// StepRecord is the per time index output of a run.
type StepRecord struct {
	VersionedRecord
	RunID         string    `json:"run_id"`
	TimeIndex     int       `json:"time_index"`
	Mean          []float64 `json:"mean"`
	Variance      []float64 `json:"variance"`
	Weights       []float64 `json:"weights"`
	ESS           float64   `json:"ess"`
	LogLikelihood float64   `json:"log_likelihood"`
	Faults        int       `json:"faults"`
}

// ShardRecord holds the raw states of a contiguous range of particles.
type ShardRecord struct {
	VersionedRecord
	RunID     string    `json:"run_id"`
	TimeIndex int       `json:"time_index"`
	Offset    int       `json:"offset"`
	Count     int       `json:"count"`
	StateDim  int       `json:"state_dim"`
	States    []float64 `json:"states"`
}

// StepKey is the order-preserving storage key for a time index.
func StepKey(timeIndex int) string {
	return fmt.Sprintf("t%010d", timeIndex)
}
