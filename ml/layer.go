package ml

import (
	"math"
	"math/rand/v2"
)

const (
	ActLinear ActivationType = iota
	ActRelu
)

var activationNames = map[ActivationType]string{
	ActLinear: "linear",
	ActRelu:   "relu",
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int

func (a ActivationType) String() string { return activationNames[a] }

// Dense is a fully connected layer y = act(x·W + b) with W stored [in, out].
// Forward caches its input so Backward can produce gradients for the batch.
type Dense struct {
	Weight *Parameter
	Bias   *Parameter
	Act    ActivationType

	// Forward State
	x *Matrix
	z *Matrix
}

// NewDense creates "<name>.weight" and "<name>.bias" tagged with tag.
func NewDense(name string, in, out int, act ActivationType, tag Tag, rng *rand.Rand) *Dense {
	d := &Dense{
		Weight: NewParameter(name+".weight", in, out, tag),
		Bias:   NewParameter(name+".bias", 1, out, tag),
		Act:    act,
	}
	if act == ActRelu {
		d.Weight.Value.Randomize(rng)
	} else {
		d.Weight.Value.RandomizeNormal(rng, 0.01)
	}
	return d
}

func (d *Dense) In() int  { return d.Weight.Value.rows }
func (d *Dense) Out() int { return d.Weight.Value.cols }

func (d *Dense) Parameters() []*Parameter { return []*Parameter{d.Weight, d.Bias} }

// Forward runs the layer over a [batch, in] input.
func (d *Dense) Forward(x *Matrix) *Matrix {
	z := NewMatrix(x.rows, d.Out())
	MatMul(x.dense, d.Weight.Value.dense, z)
	z.AddVector(d.Bias.Value)

	d.x, d.z = x, z
	a := z.Clone()
	if d.Act == ActRelu {
		a.ApplyRelu()
	}
	return a
}

// Backward takes dL/dA for the last Forward, accumulates dL/dW and dL/db into
// the parameters and returns dL/dX.
func (d *Dense) Backward(dA *Matrix) *Matrix {
	dZ := dA.Clone()
	if d.Act == ActRelu {
		for i, v := range d.z.data {
			dZ.data[i] *= ReluDerivative(v)
		}
	}

	dW := NewMatrix(d.In(), d.Out())
	MatMulTA(d.x, dZ, dW)
	d.Weight.AccumulateGrad(dW)

	db := NewMatrix(1, d.Out())
	dZ.SumRowsInto(db)
	d.Bias.AccumulateGrad(db)

	dX := NewMatrix(d.x.rows, d.In())
	MatMulTB(dZ, d.Weight.Value, dX)
	return dX
}

func Relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// SoftmaxRow applies softmax to each row of the matrix.
func SoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		maxVal := -math.MaxFloat64
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - maxVal)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// SmoothL1 returns the Huber-style loss with transition point beta and its
// derivative with respect to diff.
func SmoothL1(diff, beta float64) (loss, grad float64) {
	ad := math.Abs(diff)
	if ad < beta {
		return 0.5 * diff * diff / beta, diff / beta
	}
	sign := 1.0
	if diff < 0 {
		sign = -1.0
	}
	return ad - 0.5*beta, sign
}
