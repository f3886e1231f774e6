package ml

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestSGDMomentumAndWeightDecay(t *testing.T) {
	p := NewParameter("w", 1, 2, TagHead)
	copy(p.Value.data, []float64{1, -2})
	opt, err := NewOptimizer([]*Parameter{p}, OptimizerConfig{Type: OptSGD, LearningRate: 0.1, Momentum: 0.9, WeightDecay: 0.5})
	if err != nil {
		t.Fatal(err)
	}

	// step 1: g = [1, 1] + 0.5*[1, -2] = [1.5, 0]; v = g; w -= 0.1*v
	p.AccumulateGrad(NewMatrixFromSlice(1, 2, []float64{1, 1}))
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}
	opt.ClearGrad()
	want := []float64{0.85, -2}
	for i := range want {
		if math.Abs(p.Value.data[i]-want[i]) > 1e-12 {
			t.Fatalf("after step 1: %v, want %v", p.Value.data, want)
		}
	}
	if p.Grad != nil {
		t.Fatal("ClearGrad left a gradient behind")
	}

	// step 2 with zero grad: g = 0.5*w = [0.425, -1]; v = 0.9*[1.5, 0] + g
	p.AccumulateGrad(NewMatrix(1, 2))
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}
	want = []float64{0.85 - 0.1*(1.35+0.425), -2 - 0.1*(-1)}
	for i := range want {
		if math.Abs(p.Value.data[i]-want[i]) > 1e-12 {
			t.Fatalf("after step 2: %v, want %v", p.Value.data, want)
		}
	}
}

func TestOptimizerSkipsParametersWithoutGrad(t *testing.T) {
	for _, typ := range []OptimizerType{OptSGD, OptAdam} {
		p := NewParameter("w", 2, 2, TagHead)
		p.Value.data[0] = 3
		opt, err := NewOptimizer([]*Parameter{p}, OptimizerConfig{Type: typ, LearningRate: 1, WeightDecay: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := opt.Step(); err != nil {
			t.Fatal(err)
		}
		if p.Value.data[0] != 3 {
			t.Errorf("%s updated a parameter without gradient", typ)
		}
	}
}

func TestAdamFirstStepMovesByLR(t *testing.T) {
	p := NewParameter("w", 1, 2, TagHead)
	opt, err := NewOptimizer([]*Parameter{p}, OptimizerConfig{Type: OptAdam, LearningRate: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	p.AccumulateGrad(NewMatrixFromSlice(1, 2, []float64{4, -0.5}))
	if err := opt.Step(); err != nil {
		t.Fatal(err)
	}
	// bias-corrected first step is lr*sign(g)
	if math.Abs(p.Value.data[0]+0.01) > 1e-6 || math.Abs(p.Value.data[1]-0.01) > 1e-6 {
		t.Errorf("Adam step = %v", p.Value.data)
	}
}

func TestNewOptimizerErrors(t *testing.T) {
	if _, err := NewOptimizer(nil, OptimizerConfig{}); err == nil {
		t.Error("empty parameter list accepted")
	}
	p := NewParameter("w", 1, 1, TagHead)
	if _, err := NewOptimizer([]*Parameter{p}, OptimizerConfig{Type: "lbfgs"}); err == nil {
		t.Error("unknown optimizer accepted")
	}
}

func TestGradManager(t *testing.T) {
	attached := NewParameter("head.weight", 1, 1, TagHead)
	untouched := NewParameter("head.bias", 1, 1, TagHead)
	frozen := NewParameter("backbone.weight", 1, 1, TagFrozen)
	all := []*Parameter{attached, untouched, frozen}

	ld := NewLossDict(func(string) error {
		attached.AccumulateGrad(NewMatrixFromSlice(1, 1, []float64{2}))
		frozen.AccumulateGrad(NewMatrixFromSlice(1, 1, []float64{5}))
		return nil
	})
	ld.Put("total_loss", 1)

	var seen []string
	double := func(_ context.Context, p *Parameter) error {
		seen = append(seen, p.Name)
		p.Grad.Scale(2)
		return nil
	}
	gm := NewGradManager()
	gm.Attach([]*Parameter{attached, untouched}, double)
	gm.Attach([]*Parameter{attached})
	if len(gm.Attached()) != 2 {
		t.Fatalf("Attached = %d params, want 2", len(gm.Attached()))
	}

	if err := gm.Backward(context.Background(), ld, "total_loss", all); err != nil {
		t.Fatal(err)
	}
	if attached.Grad.At(0, 0) != 4 {
		t.Errorf("attached grad = %v, want 4", attached.Grad.At(0, 0))
	}
	if untouched.Grad == nil || untouched.Grad.At(0, 0) != 0 {
		t.Error("attached parameter the loss did not reach should get a zero gradient")
	}
	if frozen.Grad != nil {
		t.Error("unattached parameter kept its gradient")
	}
	if len(seen) != 2 || seen[0] != "head.weight" || seen[1] != "head.bias" {
		t.Errorf("callbacks ran on %v", seen)
	}
}

func TestGradManagerCallbackError(t *testing.T) {
	p := NewParameter("w", 1, 1, TagHead)
	ld := NewLossDict(func(string) error { return nil })
	ld.Put("total_loss", 0)
	gm := NewGradManager()
	gm.Attach([]*Parameter{p}, func(context.Context, *Parameter) error { return errors.New("boom") })
	if err := gm.Backward(context.Background(), ld, "total_loss", []*Parameter{p}); err == nil {
		t.Fatal("callback error was swallowed")
	}
}
