package ml

import (
	"gonum.org/v1/gonum/floats"
)

// AverageMeter keeps running sums of a fixed-length record.
type AverageMeter struct {
	sum   []float64
	count int
}

func NewAverageMeter(recordLen int) *AverageMeter {
	return &AverageMeter{sum: make([]float64, recordLen)}
}

// Update adds one record. Extra values are ignored; missing ones count as 0.
func (m *AverageMeter) Update(record []float64) {
	n := min(len(record), len(m.sum))
	floats.Add(m.sum[:n], record[:n])
	m.count++
}

// Average returns the mean of every field since the last Reset.
// An empty meter averages to zeros.
func (m *AverageMeter) Average() []float64 {
	out := make([]float64, len(m.sum))
	if m.count == 0 {
		return out
	}
	copy(out, m.sum)
	floats.Scale(1/float64(m.count), out)
	return out
}

func (m *AverageMeter) Count() int { return m.count }

func (m *AverageMeter) Reset() {
	for i := range m.sum {
		m.sum[i] = 0
	}
	m.count = 0
}
