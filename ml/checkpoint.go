package ml

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// PredHeadMarker tags prediction-head weights; pretrained weights carrying it
// are dropped before loading so a new class set can be learned.
const PredHeadMarker = "pred_"

// Checkpoint is the on-disk record written after every epoch.
type Checkpoint struct {
	Epoch     int
	StateDict StateDict
}

// SaveCheckpoint writes ckpt with gob. The file is written next to path and
// renamed into place so readers never observe a partial checkpoint.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(ckpt); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "encode checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close checkpoint %s", path)
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "publish checkpoint")
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer file.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(file).Decode(&ckpt); err != nil {
		return nil, errors.Wrapf(err, "failed to decode gob file %s", path)
	}
	if ckpt.StateDict == nil {
		ckpt.StateDict = StateDict{}
	}
	return &ckpt, nil
}

// LoadPretrained reads a weight file, drops every prediction-head key and
// loads the rest into m non-strictly.
func LoadPretrained(m Module, path string) (missing, unexpected []string, err error) {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	return LoadStateDict(m, ckpt.StateDict.Without(PredHeadMarker), false)
}
