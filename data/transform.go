package data

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Transform mutates one sample. rng is owned by the calling loader worker.
type Transform interface {
	Apply(s *Sample, rng *rand.Rand) error
}

// Compose applies transforms in order.
type Compose []Transform

func (c Compose) Apply(s *Sample, rng *rand.Rand) error {
	for _, t := range c {
		if err := t.Apply(s, rng); err != nil {
			return err
		}
	}
	return nil
}

const (
	SampleChoice = "choice"
	SampleRange  = "range"
)

// ShortestEdgeResize scales the image so its short edge equals a size drawn
// from MinSizes, unless that pushes the long edge past MaxSize, in which case
// the long edge is set to MaxSize. With SampleRange, MinSizes is [lo, hi].
type ShortestEdgeResize struct {
	MinSizes    []int
	MaxSize     int
	SampleStyle string
}

func (t ShortestEdgeResize) pick(rng *rand.Rand) (int, error) {
	switch t.SampleStyle {
	case SampleChoice, "":
		if len(t.MinSizes) == 0 {
			return 0, errors.New("resize: no short sizes")
		}
		return t.MinSizes[rng.IntN(len(t.MinSizes))], nil
	case SampleRange:
		if len(t.MinSizes) != 2 || t.MinSizes[1] < t.MinSizes[0] {
			return 0, errors.Errorf("resize: range style needs [lo, hi], got %v", t.MinSizes)
		}
		return t.MinSizes[0] + rng.IntN(t.MinSizes[1]-t.MinSizes[0]+1), nil
	default:
		return 0, errors.Errorf("resize: unknown sample style %q", t.SampleStyle)
	}
}

// TargetSize returns the resized (height, width) for an h x w image and a
// drawn short size.
func (t ShortestEdgeResize) TargetSize(h, w, size int) (int, int) {
	scale := float64(size) / float64(min(h, w))
	var th, tw float64
	if h < w {
		th, tw = float64(size), scale*float64(w)
	} else {
		th, tw = scale*float64(h), float64(size)
	}
	if longest := math.Max(th, tw); t.MaxSize > 0 && longest > float64(t.MaxSize) {
		scale = float64(t.MaxSize) / longest
		th, tw = th*scale, tw*scale
	}
	return int(math.Round(th)), int(math.Round(tw))
}

func (t ShortestEdgeResize) Apply(s *Sample, rng *rand.Rand) error {
	if s.Image == nil {
		return errors.New("resize: sample has no image")
	}
	size, err := t.pick(rng)
	if err != nil {
		return err
	}
	b := s.Image.Bounds()
	h, w := b.Dy(), b.Dx()
	th, tw := t.TargetSize(h, w, size)
	if th == h && tw == w {
		return nil
	}

	s.Image = ResizeImage(s.Image, tw, th)
	sx, sy := float64(tw)/float64(w), float64(th)/float64(h)
	for i := range s.Boxes {
		s.Boxes[i][0] *= sx
		s.Boxes[i][1] *= sy
		s.Boxes[i][2] *= sx
		s.Boxes[i][3] *= sy
	}
	return nil
}

// RandomHorizontalFlip mirrors the image and its boxes with probability Prob.
type RandomHorizontalFlip struct {
	Prob float64
}

func (t RandomHorizontalFlip) Apply(s *Sample, rng *rand.Rand) error {
	if s.Image == nil {
		return errors.New("flip: sample has no image")
	}
	if rng.Float64() >= t.Prob {
		return nil
	}
	w := float64(s.Image.Bounds().Dx())
	s.Image = FlipHorizontal(s.Image)
	for i, b := range s.Boxes {
		s.Boxes[i][0], s.Boxes[i][2] = w-b[2], w-b[0]
	}
	return nil
}

// ToMode converts the decoded HWC image into a CHW tensor.
type ToMode struct{}

func (ToMode) Apply(s *Sample, _ *rand.Rand) error {
	if s.Image == nil {
		return errors.New("to_mode: sample has no image")
	}
	s.Tensor = ImageToCHW(s.Image)
	s.Image = nil
	return nil
}
