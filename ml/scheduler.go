package ml

import (
	"math"
	"sort"
)

// StepSchedule is a piecewise-constant decay with a linear warmup at the
// start of training. The schedule is a pure function of its inputs.
type StepSchedule struct {
	BaseLR      float64 // per-image learning rate
	DecayStages []int   // sorted epoch boundaries
	DecayRate   float64
	WarmIters   int
}

// StagesPassed is bisect_right(stages, epoch): the number of boundaries <= epoch.
func StagesPassed(stages []int, epoch int) int {
	return sort.Search(len(stages), func(i int) bool { return stages[i] > epoch })
}

// WarmupFactor is (step+1)/warmIters during the first warmIters steps of
// epoch 0, and 1 everywhere else.
func WarmupFactor(epoch, step, warmIters int) float64 {
	if epoch == 0 && step < warmIters {
		return float64(step+1) / float64(warmIters)
	}
	return 1.0
}

// LearningRate returns the rate for (epoch, step) when training with the
// given per-worker batch size.
func (s StepSchedule) LearningRate(epoch, step, batchSize int) float64 {
	base := s.BaseLR * float64(batchSize) * math.Pow(s.DecayRate, float64(StagesPassed(s.DecayStages, epoch)))
	return base * WarmupFactor(epoch, step, s.WarmIters)
}

// Adjust computes the rate and writes it into every group of opt.
func (s StepSchedule) Adjust(opt Optimizer, epoch, step, batchSize int) float64 {
	lr := s.LearningRate(epoch, step, batchSize)
	SetLearningRate(opt, lr)
	return lr
}
