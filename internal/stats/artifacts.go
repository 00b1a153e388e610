package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"

	"smcflow/internal/model"
)

const (
	runConfigFile  = "run.json"
	statisticsFile = "statistics.csv"
	weightsFile    = "weights.csv"
)

// StatisticsRow is one state component of one time index in long format.
type StatisticsRow struct {
	RunID         string  `csv:"run_id"`
	TimeIndex     int     `csv:"time_index"`
	Component     int     `csv:"component"`
	Mean          float64 `csv:"mean"`
	Variance      float64 `csv:"variance"`
	ESS           float64 `csv:"ess"`
	LogLikelihood float64 `csv:"log_likelihood"`
	Faults        int     `csv:"faults"`
}

// WeightRow is one particle weight of one time index.
type WeightRow struct {
	TimeIndex int     `csv:"time_index"`
	Particle  int     `csv:"particle"`
	Weight    float64 `csv:"weight"`
}

type RunArtifacts struct {
	Run   model.RunRecord
	Steps []model.StepRecord
}

func StatisticsRows(steps []model.StepRecord) []StatisticsRow {
	var rows []StatisticsRow
	for _, step := range steps {
		for j := range step.Mean {
			rows = append(rows, StatisticsRow{
				RunID:         step.RunID,
				TimeIndex:     step.TimeIndex,
				Component:     j,
				Mean:          step.Mean[j],
				Variance:      step.Variance[j],
				ESS:           step.ESS,
				LogLikelihood: step.LogLikelihood,
				Faults:        step.Faults,
			})
		}
	}
	return rows
}

func WriteStatisticsCSV(w io.Writer, steps []model.StepRecord) error {
	rows := StatisticsRows(steps)
	if len(rows) == 0 {
		return fmt.Errorf("no statistics to write")
	}
	return gocsv.Marshal(rows, w)
}

// ReadStatisticsCSV rebuilds per time index mean and variance vectors from
// the long format written by WriteStatisticsCSV.
func ReadStatisticsCSV(r io.Reader) ([]model.StepRecord, error) {
	var rows []StatisticsRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, err
	}
	byIndex := make(map[int]*model.StepRecord)
	for _, row := range rows {
		step, ok := byIndex[row.TimeIndex]
		if !ok {
			step = &model.StepRecord{
				RunID:         row.RunID,
				TimeIndex:     row.TimeIndex,
				ESS:           row.ESS,
				LogLikelihood: row.LogLikelihood,
				Faults:        row.Faults,
			}
			byIndex[row.TimeIndex] = step
		}
		for len(step.Mean) <= row.Component {
			step.Mean = append(step.Mean, 0)
			step.Variance = append(step.Variance, 0)
		}
		step.Mean[row.Component] = row.Mean
		step.Variance[row.Component] = row.Variance
	}
	out := make([]model.StepRecord, 0, len(byIndex))
	for _, step := range byIndex {
		out = append(out, *step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeIndex < out[j].TimeIndex })
	return out, nil
}

func WriteWeightsCSV(w io.Writer, steps []model.StepRecord) error {
	var rows []WeightRow
	for _, step := range steps {
		for i, wt := range step.Weights {
			rows = append(rows, WeightRow{TimeIndex: step.TimeIndex, Particle: i, Weight: wt})
		}
	}
	if len(rows) == 0 {
		return fmt.Errorf("no weights to write")
	}
	return gocsv.Marshal(rows, w)
}

// WriteRunArtifacts writes run.json, statistics.csv and weights.csv under
// baseDir/<run id> and returns that directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, runConfigFile), artifacts.Run); err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(runDir, statisticsFile), func(w io.Writer) error {
		return WriteStatisticsCSV(w, artifacts.Steps)
	}); err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(runDir, weightsFile), func(w io.Writer) error {
		return WriteWeightsCSV(w, artifacts.Steps)
	}); err != nil {
		return "", err
	}
	return runDir, nil
}

// readRunConfig loads run.json from a run directory written by WriteRunArtifacts.
func readRunConfig(baseDir, runID string) (model.RunRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, runConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
