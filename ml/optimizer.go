package ml

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD  OptimizerType = "sgd"
	OptAdam OptimizerType = "adam"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:   0.9,
	Beta2:   0.999,
	Epsilon: 1e-8,
}

type OptimizerType string

type AdamConfig struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// OptimizerConfig selects and parameterizes an optimizer.
type OptimizerConfig struct {
	Type         OptimizerType
	LearningRate float64
	Momentum     float64 // SGD only
	WeightDecay  float64 // L2 penalty added to the gradient
	Adam         AdamConfig
}

// ParamGroup is a set of parameters sharing one learning rate.
type ParamGroup struct {
	Params       []*Parameter
	LearningRate float64
	WeightDecay  float64
}

type Optimizer interface {
	// Step applies one update to every parameter that holds a gradient.
	Step() error
	// ClearGrad drops the gradients of all managed parameters.
	ClearGrad()
	ParamGroups() []*ParamGroup
}

func NewOptimizer(params []*Parameter, cfg OptimizerConfig) (Optimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("optimizer got an empty parameter list")
	}
	group := &ParamGroup{Params: params, LearningRate: cfg.LearningRate, WeightDecay: cfg.WeightDecay}

	switch cfg.Type {
	case OptSGD, "":
		return NewSGDOptimizer(group, cfg.Momentum), nil

	case OptAdam:
		// Set defaults if 0
		adamCfg := cfg.Adam
		if adamCfg.Beta1 == 0 {
			adamCfg.Beta1 = DefaultAdamConfig.Beta1
		}
		if adamCfg.Beta2 == 0 {
			adamCfg.Beta2 = DefaultAdamConfig.Beta2
		}
		if adamCfg.Epsilon == 0 {
			adamCfg.Epsilon = DefaultAdamConfig.Epsilon
		}
		return NewAdamOptimizer(group, adamCfg), nil

	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Type)
	}
}

// SetLearningRate overwrites the learning rate of every group.
func SetLearningRate(opt Optimizer, lr float64) {
	for _, g := range opt.ParamGroups() {
		g.LearningRate = lr
	}
}

func clearGroupGrads(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ClearGrad()
		}
	}
}

// decayedGrad returns grad + wd*param, reusing scratch.
func decayedGrad(p *Parameter, wd float64, scratch []float64) []float64 {
	if wd == 0 {
		return p.Grad.data
	}
	copy(scratch, p.Grad.data)
	floats.AddScaled(scratch, wd, p.Value.data)
	return scratch
}

// ------ SGD OPTIMIZER METHODS ------ //

// SGDOptimizer implements SGD with heavy-ball momentum:
// v = mu*v + (g + wd*w); w = w - lr*v.
type SGDOptimizer struct {
	groups   []*ParamGroup
	Mu       float64
	velocity map[*Parameter][]float64
	scratch  map[*Parameter][]float64
}

func NewSGDOptimizer(group *ParamGroup, mu float64) *SGDOptimizer {
	opt := &SGDOptimizer{
		groups:   []*ParamGroup{group},
		Mu:       mu,
		velocity: make(map[*Parameter][]float64),
		scratch:  make(map[*Parameter][]float64),
	}
	// Pre-allocate memory for velocities
	for _, p := range group.Params {
		n := len(p.Value.data)
		if mu != 0 {
			opt.velocity[p] = make([]float64, n)
		}
		opt.scratch[p] = make([]float64, n)
	}
	return opt
}

func (opt *SGDOptimizer) ParamGroups() []*ParamGroup { return opt.groups }

func (opt *SGDOptimizer) ClearGrad() { clearGroupGrads(opt.groups) }

func (opt *SGDOptimizer) Step() error {
	for _, g := range opt.groups {
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			if !p.Grad.SameShape(p.Value) {
				return errors.Errorf("gradient shape mismatch on %s", p.Name)
			}
			grad := decayedGrad(p, g.WeightDecay, opt.scratch[p])

			if opt.Mu == 0 {
				// Simple update: W = W - (lr * gradient)
				floats.AddScaled(p.Value.data, -g.LearningRate, grad)
				continue
			}
			v := opt.velocity[p]
			floats.Scale(opt.Mu, v)
			floats.Add(v, grad)
			floats.AddScaled(p.Value.data, -g.LearningRate, v)
		}
	}
	return nil
}

// ------ ADAM OPTIMIZER METHODS ------ //

type adamState struct {
	m, v []float64
}

type AdamOptimizer struct {
	cfg      AdamConfig
	groups   []*ParamGroup
	states   map[*Parameter]*adamState
	scratch  map[*Parameter][]float64
	timeStep int // 't' in the Adam paper, tracks number of updates
}

func NewAdamOptimizer(group *ParamGroup, cfg AdamConfig) *AdamOptimizer {
	opt := &AdamOptimizer{
		cfg:     cfg,
		groups:  []*ParamGroup{group},
		states:  make(map[*Parameter]*adamState),
		scratch: make(map[*Parameter][]float64),
	}

	// Initialize zero moments for every parameter
	for _, p := range group.Params {
		n := len(p.Value.data)
		opt.states[p] = &adamState{m: make([]float64, n), v: make([]float64, n)}
		opt.scratch[p] = make([]float64, n)
	}
	return opt
}

func (opt *AdamOptimizer) ParamGroups() []*ParamGroup { return opt.groups }

func (opt *AdamOptimizer) ClearGrad() { clearGroupGrads(opt.groups) }

// Step applies the Adam update rule to every parameter holding a gradient.
func (opt *AdamOptimizer) Step() error {
	// 1. Increment Time Step
	opt.timeStep++
	t := float64(opt.timeStep)

	// 2. Pre-calculate Correction Factors
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	beta1, beta2, eps := opt.cfg.Beta1, opt.cfg.Beta2, opt.cfg.Epsilon

	// 3. Loop Parameters
	for _, g := range opt.groups {
		lr := g.LearningRate
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			if !p.Grad.SameShape(p.Value) {
				return errors.Errorf("gradient shape mismatch on %s", p.Name)
			}
			grad := decayedGrad(p, g.WeightDecay, opt.scratch[p])
			st := opt.states[p]
			params := p.Value.data

			for i := range params {
				gi := grad[i]

				// m_t = beta1 * m_{t-1} + (1 - beta1) * g
				st.m[i] = beta1*st.m[i] + (1.0-beta1)*gi
				// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
				st.v[i] = beta2*st.v[i] + (1.0-beta2)*(gi*gi)

				// Bias Correction
				mHat := st.m[i] / correction1
				vHat := st.v[i] / correction2

				// theta = theta - lr * mHat / (sqrt(vHat) + eps)
				params[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
			}
		}
	}
	return nil
}
