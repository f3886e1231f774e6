package data

import (
	"github.com/pkg/errors"
)

// ImInfoLen is the width of an im_info row:
// [resized_h, resized_w, orig_h, orig_w, num_boxes].
const ImInfoLen = 5

// GTBoxLen is the width of a gt_boxes row: [x1, y1, x2, y2, category].
const GTBoxLen = 5

// MiniBatch is the collated input of one training step.
type MiniBatch struct {
	Data    *Tensor // [B, C, H, W]
	ImInfo  *Tensor // [B, 5]
	GTBoxes *Tensor // [B, maxBoxes, 5]
}

func (mb *MiniBatch) Size() int { return mb.Data.Shape[0] }

// NumBoxes returns the number of real (unpadded) boxes of image b.
func (mb *MiniBatch) NumBoxes(b int) int { return int(mb.ImInfo.At(b, 4)) }

// Collator merges transformed samples into a mini-batch.
type Collator interface {
	Collate(samples []*Sample) (*MiniBatch, error)
}

// DetectionPadCollator pads every image to the largest height and width in
// the batch, and every box list to the longest one, using PadValue.
type DetectionPadCollator struct {
	PadValue float64
}

func (c DetectionPadCollator) Collate(samples []*Sample) (*MiniBatch, error) {
	if len(samples) == 0 {
		return nil, errors.New("collate: empty batch")
	}
	var channels, maxH, maxW, maxBoxes int
	for i, s := range samples {
		if s.Tensor == nil || len(s.Tensor.Shape) != 3 {
			return nil, errors.Errorf("collate: sample %d has no CHW tensor", i)
		}
		if len(s.Boxes) != len(s.Categories) {
			return nil, errors.Errorf("collate: sample %d has %d boxes but %d categories", i, len(s.Boxes), len(s.Categories))
		}
		if channels == 0 {
			channels = s.Tensor.Shape[0]
		} else if s.Tensor.Shape[0] != channels {
			return nil, errors.Errorf("collate: sample %d has %d channels, want %d", i, s.Tensor.Shape[0], channels)
		}
		maxH = max(maxH, s.Tensor.Shape[1])
		maxW = max(maxW, s.Tensor.Shape[2])
		maxBoxes = max(maxBoxes, len(s.Boxes))
	}
	// keep the box tensor addressable when no image has boxes
	maxBoxes = max(maxBoxes, 1)

	bs := len(samples)
	mb := &MiniBatch{
		Data:    NewTensor(bs, channels, maxH, maxW),
		ImInfo:  NewTensor(bs, ImInfoLen),
		GTBoxes: NewTensor(bs, maxBoxes, GTBoxLen),
	}
	if c.PadValue != 0 {
		fill(mb.Data.Data, c.PadValue)
		fill(mb.GTBoxes.Data, c.PadValue)
	}

	for b, s := range samples {
		h, w := s.Tensor.Shape[1], s.Tensor.Shape[2]
		for ch := 0; ch < channels; ch++ {
			for y := 0; y < h; y++ {
				src := s.Tensor.Data[(ch*h+y)*w : (ch*h+y+1)*w]
				copy(mb.Data.Data[mb.Data.Offset(b, ch, y):], src)
			}
		}

		info := []float64{float64(h), float64(w), float64(s.Info.Height), float64(s.Info.Width), float64(len(s.Boxes))}
		copy(mb.ImInfo.Data[mb.ImInfo.Offset(b):], info)

		for k, box := range s.Boxes {
			row := mb.GTBoxes.Data[mb.GTBoxes.Offset(b, k):]
			copy(row, box[:])
			row[4] = float64(s.Categories[k])
		}
	}
	return mb, nil
}

func fill(xs []float64, v float64) {
	for i := range xs {
		xs[i] = v
	}
}
