package data

// Tensor is a dense row-major float tensor.
type Tensor struct {
	Shape []int
	Data  []float64
}

func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// Offset returns the flat index of idx.
func (t *Tensor) Offset(idx ...int) int {
	off := 0
	for i, v := range idx {
		off = off*t.Shape[i] + v
	}
	// trailing dimensions not addressed start at 0
	for i := len(idx); i < len(t.Shape); i++ {
		off *= t.Shape[i]
	}
	return off
}

func (t *Tensor) At(idx ...int) float64 { return t.Data[t.Offset(idx...)] }

func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.Offset(idx...)] = v }
