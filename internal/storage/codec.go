package storage

import (
	"encoding/json"
	"errors"

	"smcflow/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeStep(s model.StepRecord) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeStep(data []byte) (model.StepRecord, error) {
	var step model.StepRecord
	if err := json.Unmarshal(data, &step); err != nil {
		return model.StepRecord{}, err
	}
	if err := checkVersion(step.VersionedRecord); err != nil {
		return model.StepRecord{}, err
	}
	return step, nil
}

func EncodeShard(s model.ShardRecord) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeShard(data []byte) (model.ShardRecord, error) {
	var shard model.ShardRecord
	if err := json.Unmarshal(data, &shard); err != nil {
		return model.ShardRecord{}, err
	}
	if err := checkVersion(shard.VersionedRecord); err != nil {
		return model.ShardRecord{}, err
	}
	if len(shard.States) != shard.Count*shard.StateDim {
		return model.ShardRecord{}, errors.New("shard states do not match count and dimension")
	}
	return shard, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
