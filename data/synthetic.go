package data

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

func init() {
	Register("synthetic", NewSynthetic)
}

// SyntheticClasses is the number of object categories Synthetic draws.
const SyntheticClasses = 3

var syntheticColors = [SyntheticClasses + 1]color.RGBA{
	{R: 128, G: 128, B: 128, A: 255}, // background
	{R: 220, G: 40, B: 40, A: 255},
	{R: 40, G: 200, B: 60, A: 255},
	{R: 40, G: 60, B: 220, A: 255},
}

// Synthetic generates images with solid rectangles, one per box. Item i is a
// pure function of i so every worker sees the same dataset.
type Synthetic struct {
	n     int
	order []string
}

func NewSynthetic(opts Options) (Dataset, error) {
	if opts.NumImages <= 0 {
		return nil, errors.Errorf("synthetic dataset needs num_images > 0, got %d", opts.NumImages)
	}
	return &Synthetic{n: opts.NumImages, order: opts.Order}, nil
}

func (ds *Synthetic) Len() int { return ds.n }

func (ds *Synthetic) rng(i int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(i), 0x5eed))
}

func (ds *Synthetic) ImageInfo(i int) (ImageInfo, error) {
	if i < 0 || i >= ds.n {
		return ImageInfo{}, errors.Errorf("index %d out of range [0, %d)", i, ds.n)
	}
	rng := ds.rng(i)
	// Alternate landscape and portrait so aspect grouping has two groups.
	long, short := 48+rng.IntN(33), 32+rng.IntN(9)
	if i%2 == 0 {
		return ImageInfo{ID: i, Height: short, Width: long}, nil
	}
	return ImageInfo{ID: i, Height: long, Width: short}, nil
}

func (ds *Synthetic) Get(i int) (*Sample, error) {
	info, err := ds.ImageInfo(i)
	if err != nil {
		return nil, err
	}
	rng := ds.rng(i)
	rng.IntN(33) // keep the draws aligned with ImageInfo
	rng.IntN(9)

	img := image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))
	draw.Draw(img, img.Rect, &image.Uniform{C: syntheticColors[0]}, image.Point{}, draw.Src)

	s := &Sample{Info: info}
	numBoxes := 1 + rng.IntN(3)
	for k := 0; k < numBoxes; k++ {
		w := 8 + rng.IntN(info.Width/2)
		h := 8 + rng.IntN(info.Height/2)
		x := rng.IntN(info.Width - w + 1)
		y := rng.IntN(info.Height - h + 1)
		label := 1 + rng.IntN(SyntheticClasses)

		r := image.Rect(x, y, x+w, y+h)
		draw.Draw(img, r, &image.Uniform{C: syntheticColors[label]}, image.Point{}, draw.Src)
		s.Boxes = append(s.Boxes, Box{float64(x), float64(y), float64(x + w), float64(y + h)})
		s.Categories = append(s.Categories, label)
	}
	s.Image = img
	return project(s, ds.order), nil
}
