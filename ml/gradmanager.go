package ml

import (
	"context"

	"github.com/pkg/errors"
)

// GradCallback runs on every attached parameter after back-propagation,
// in attachment order. Distributed training uses it to all-reduce gradients.
type GradCallback func(ctx context.Context, p *Parameter) error

// GradManager records which parameters take part in gradient computation.
// Gradients produced for parameters that are not attached are discarded.
type GradManager struct {
	attached  []*Parameter
	isAttach  map[*Parameter]bool
	callbacks []GradCallback
}

func NewGradManager() *GradManager {
	return &GradManager{isAttach: make(map[*Parameter]bool)}
}

// Attach adds params (ignoring ones already attached) and registers callbacks.
func (gm *GradManager) Attach(params []*Parameter, callbacks ...GradCallback) {
	for _, p := range params {
		if gm.isAttach[p] {
			continue
		}
		gm.isAttach[p] = true
		gm.attached = append(gm.attached, p)
	}
	gm.callbacks = append(gm.callbacks, callbacks...)
}

func (gm *GradManager) Attached() []*Parameter { return gm.attached }

// Backward differentiates losses[key] and runs the callbacks.
// Every attached parameter leaves with a gradient (zero if the loss did not
// reach it) so that collective callbacks see the same tensors on every worker.
func (gm *GradManager) Backward(ctx context.Context, losses *LossDict, key string, all []*Parameter) error {
	if err := losses.Backward(key); err != nil {
		return errors.WithMessage(err, "backward")
	}
	for _, p := range all {
		if !gm.isAttach[p] {
			p.ClearGrad()
		}
	}
	for _, p := range gm.attached {
		p.EnsureGrad()
		for _, cb := range gm.callbacks {
			if err := cb(ctx, p); err != nil {
				return errors.Wrapf(err, "grad callback on %s", p.Name)
			}
		}
	}
	return nil
}
