package trainer

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/b0tShaman/neuro-fsdet/data"
	"github.com/b0tShaman/neuro-fsdet/dist"
	"github.com/b0tShaman/neuro-fsdet/ml"
	"github.com/b0tShaman/neuro-fsdet/model"
)

// BatchSource yields mini-batches forever; *data.DataLoader implements it.
type BatchSource interface {
	Next(ctx context.Context) (*data.MiniBatch, error)
}

// Trainer runs the epoch loop of one worker.
type Trainer struct {
	Net         model.Net
	Optimizer   ml.Optimizer
	GradManager *ml.GradManager
	Comm        dist.Comm
	Batches     BatchSource
	BatchSize   int
	LogDir      string
	Logger      klog.Logger
}

// StepsPerEpoch is the number of steps every worker takes per epoch.
func (t *Trainer) StepsPerEpoch() int {
	return t.Net.Config().NrImagesEpoch / (t.BatchSize * t.Comm.WorldSize())
}

// Run trains cfg.MaxEpoch epochs; rank 0 writes a checkpoint after each.
func (t *Trainer) Run(ctx context.Context) error {
	cfg := t.Net.Config()
	if t.StepsPerEpoch() == 0 {
		return errors.Errorf("nr_images_epoch %d is smaller than one global batch of %d",
			cfg.NrImagesEpoch, t.BatchSize*t.Comm.WorldSize())
	}
	for epoch := 0; epoch < cfg.MaxEpoch; epoch++ {
		if err := t.TrainOneEpoch(ctx, epoch); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		if t.Comm.Rank() != 0 {
			continue
		}
		path := CheckpointPath(t.LogDir, epoch)
		ckpt := &ml.Checkpoint{Epoch: epoch, StateDict: ml.GetStateDict(t.Net)}
		if err := ml.SaveCheckpoint(path, ckpt); err != nil {
			return err
		}
		t.Logger.Info("Saved checkpoint", "epoch", epoch, "path", path)
	}
	return nil
}

// TrainOneEpoch runs StepsPerEpoch steps, logging averages on rank 0 every
// log_interval steps.
func (t *Trainer) TrainOneEpoch(ctx context.Context, epoch int) error {
	cfg := t.Net.Config()
	schedule := cfg.Schedule()
	totStep := t.StepsPerEpoch()
	isRoot := t.Comm.Rank() == 0

	lossMeter := ml.NewAverageMeter(cfg.NumLosses())
	timeMeter := ml.NewAverageMeter(2)
	format := logFormat(cfg.LossesKeys)

	for step := 0; step < totStep; step++ {
		lr := schedule.Adjust(t.Optimizer, epoch, step, t.BatchSize)

		tik := time.Now()
		mb, err := t.Batches.Next(ctx)
		if err != nil {
			return errors.WithMessagef(err, "next batch at step %d", step)
		}
		dataTok := time.Now()

		losses, err := t.Step(ctx, mb)
		if err != nil {
			return errors.WithMessagef(err, "step %d", step)
		}
		tok := time.Now()
		timeMeter.Update([]float64{tok.Sub(dataTok).Seconds(), dataTok.Sub(tik).Seconds()})

		if !isRoot {
			continue
		}
		lossMeter.Update(losses)
		if step%cfg.LogInterval == 0 {
			args := []any{epoch, step, totStep, lr}
			for _, v := range lossMeter.Average() {
				args = append(args, v)
			}
			for _, v := range timeMeter.Average() {
				args = append(args, v)
			}
			t.Logger.Info(fmt.Sprintf(format, args...))
			lossMeter.Reset()
			timeMeter.Reset()
		}
	}
	return nil
}

// Step trains on one mini-batch and returns the losses named by
// cfg.LossesKeys, in that order.
func (t *Trainer) Step(ctx context.Context, mb *data.MiniBatch) ([]float64, error) {
	// 1. Forward
	losses, err := t.Net.Forward(mb)
	if err != nil {
		return nil, errors.WithMessage(err, "forward")
	}
	keys := t.Net.Config().LossesKeys
	values := losses.Values()
	if !slices.Equal(losses.Keys(), keys) {
		if values, err = losses.Select(keys); err != nil {
			return nil, err
		}
	}

	// 2. Backward (+ all-reduce through the grad manager callbacks)
	if err := t.GradManager.Backward(ctx, losses, model.LossTotal, t.Net.NamedParameters()); err != nil {
		return nil, err
	}

	// 3. Update
	if err := t.Optimizer.Step(); err != nil {
		return nil, errors.WithMessage(err, "optimizer step")
	}
	t.Optimizer.ClearGrad()
	return values, nil
}

func logFormat(keys []string) string {
	var sb strings.Builder
	sb.WriteString("e%d, %d/%d, lr:%f, ")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(":%f, ")
	}
	sb.WriteString("train_time:%.3fs, data_time:%.3fs")
	return sb.String()
}

// LogDir is logs/<base name of the net file up to its first '.'>.
func LogDir(netFile string) string {
	base := filepath.Base(netFile)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return filepath.Join("logs", base)
}

func CheckpointPath(logDir string, epoch int) string {
	return filepath.Join(logDir, fmt.Sprintf("epoch_%d.pkl", epoch))
}
