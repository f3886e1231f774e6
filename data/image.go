package data

import (
	"image"
	_ "image/jpeg" // Essential: Registers JPEG format
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// LoadImage decodes a JPEG or PNG file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return src, nil
}

// ResizeImage scales src to targetW x targetH with bilinear interpolation.
func ResizeImage(src image.Image, targetW, targetH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.BiLinear.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
	return dst
}

// FlipHorizontal returns a mirrored RGBA copy of src.
func FlipHorizontal(src image.Image) *image.RGBA {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, src, b.Min, draw.Src)

	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < 4; c++ {
				row[l*4+c], row[r*4+c] = row[r*4+c], row[l*4+c]
			}
		}
	}
	return rgba
}

// ImageToCHW converts pixels to a [3, H, W] tensor of 0-255 values.
func ImageToCHW(src image.Image) *Tensor {
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()
	t := NewTensor(3, h, w)
	plane := h * w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			t.Data[i] = float64(r >> 8)
			t.Data[plane+i] = float64(g >> 8)
			t.Data[2*plane+i] = float64(bl >> 8)
		}
	}
	return t
}
