package ml

import (
	"github.com/pkg/errors"
)

// LossDict is the ordered set of named scalar losses produced by one forward
// pass, plus the closure that back-propagates them into parameter gradients.
type LossDict struct {
	keys     []string
	values   map[string]float64
	backward func(key string) error
}

// NewLossDict creates an empty dict. backward is called with the key of the
// loss term to differentiate.
func NewLossDict(backward func(key string) error) *LossDict {
	return &LossDict{values: make(map[string]float64), backward: backward}
}

// Put appends (or overwrites) a named loss.
func (ld *LossDict) Put(key string, v float64) {
	if _, ok := ld.values[key]; !ok {
		ld.keys = append(ld.keys, key)
	}
	ld.values[key] = v
}

func (ld *LossDict) Get(key string) (float64, bool) {
	v, ok := ld.values[key]
	return v, ok
}

func (ld *LossDict) Keys() []string { return ld.keys }

// Values returns the losses in insertion order.
func (ld *LossDict) Values() []float64 {
	out := make([]float64, len(ld.keys))
	for i, k := range ld.keys {
		out[i] = ld.values[k]
	}
	return out
}

// Select returns the losses named by keys, in that order.
func (ld *LossDict) Select(keys []string) ([]float64, error) {
	out := make([]float64, len(keys))
	for i, k := range keys {
		v, ok := ld.values[k]
		if !ok {
			return nil, errors.Errorf("loss %q not produced by model (have %v)", k, ld.keys)
		}
		out[i] = v
	}
	return out, nil
}

func (ld *LossDict) Backward(key string) error {
	if _, ok := ld.values[key]; !ok {
		return errors.Errorf("cannot backward unknown loss %q", key)
	}
	if ld.backward == nil {
		return errors.New("loss dict has no backward function")
	}
	return ld.backward(key)
}
