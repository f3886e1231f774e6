package data

import (
	"image"
	"image/color"
	"math/rand/v2"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestShortestEdgeResizeTargetSize(t *testing.T) {
	r := ShortestEdgeResize{MaxSize: 1333}
	tests := []struct {
		h, w, size int
		th, tw     int
	}{
		{480, 640, 800, 800, 1067},
		{640, 480, 800, 1067, 800},
		{100, 1000, 800, 133, 1333}, // long edge capped
		{800, 800, 800, 800, 800},
	}
	for _, tt := range tests {
		th, tw := r.TargetSize(tt.h, tt.w, tt.size)
		if th != tt.th || tw != tt.tw {
			t.Errorf("TargetSize(%d, %d, %d) = %dx%d, want %dx%d", tt.h, tt.w, tt.size, th, tw, tt.th, tt.tw)
		}
	}
}

func TestShortestEdgeResizeScalesBoxes(t *testing.T) {
	s := &Sample{
		Image: solidImage(40, 20, color.RGBA{A: 255}),
		Boxes: []Box{{4, 2, 20, 10}},
	}
	r := ShortestEdgeResize{MinSizes: []int{40}, MaxSize: 1000, SampleStyle: SampleChoice}
	if err := r.Apply(s, rand.New(rand.NewPCG(1, 1))); err != nil {
		t.Fatal(err)
	}
	if b := s.Image.Bounds(); b.Dx() != 80 || b.Dy() != 40 {
		t.Fatalf("resized to %v", b)
	}
	if s.Boxes[0] != (Box{8, 4, 40, 20}) {
		t.Errorf("box = %v", s.Boxes[0])
	}
}

func TestShortestEdgeResizeSampleStyles(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	rangeStyle := ShortestEdgeResize{MinSizes: []int{10, 12}, SampleStyle: SampleRange}
	for i := 0; i < 50; i++ {
		size, err := rangeStyle.pick(rng)
		if err != nil || size < 10 || size > 12 {
			t.Fatalf("range pick = %d, %v", size, err)
		}
	}
	if _, err := (ShortestEdgeResize{MinSizes: []int{1, 2, 3}, SampleStyle: SampleRange}).pick(rng); err == nil {
		t.Error("range with three sizes accepted")
	}
	if _, err := (ShortestEdgeResize{MinSizes: []int{1}, SampleStyle: "bogus"}).pick(rng); err == nil {
		t.Error("unknown style accepted")
	}
}

func TestRandomHorizontalFlip(t *testing.T) {
	img := solidImage(10, 4, color.RGBA{A: 255})
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	s := &Sample{Image: img, Boxes: []Box{{1, 0, 4, 3}}}

	if err := (RandomHorizontalFlip{Prob: 1}).Apply(s, rand.New(rand.NewPCG(1, 1))); err != nil {
		t.Fatal(err)
	}
	if s.Boxes[0] != (Box{6, 0, 9, 3}) {
		t.Errorf("flipped box = %v", s.Boxes[0])
	}
	if r, _, _, _ := s.Image.At(9, 0).RGBA(); r>>8 != 255 {
		t.Error("pixel did not move to the mirrored column")
	}

	before := s.Boxes[0]
	if err := (RandomHorizontalFlip{Prob: 0}).Apply(s, rand.New(rand.NewPCG(1, 1))); err != nil {
		t.Fatal(err)
	}
	if s.Boxes[0] != before {
		t.Error("Prob 0 flipped the sample")
	}
}

func TestToModeProducesCHW(t *testing.T) {
	s := &Sample{Image: solidImage(3, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})}
	if err := (ToMode{}).Apply(s, nil); err != nil {
		t.Fatal(err)
	}
	if s.Image != nil {
		t.Error("ToMode kept the image")
	}
	if sh := s.Tensor.Shape; len(sh) != 3 || sh[0] != 3 || sh[1] != 2 || sh[2] != 3 {
		t.Fatalf("shape = %v", sh)
	}
	if s.Tensor.At(0, 1, 2) != 10 || s.Tensor.At(1, 0, 0) != 20 || s.Tensor.At(2, 1, 1) != 30 {
		t.Errorf("channel values wrong: %v", s.Tensor.Data)
	}
}

func TestDetectionPadCollator(t *testing.T) {
	a := &Sample{
		Tensor:     NewTensor(3, 2, 4),
		Boxes:      []Box{{0, 0, 2, 2}, {1, 1, 3, 2}},
		Categories: []int{1, 2},
		Info:       ImageInfo{Height: 20, Width: 40},
	}
	b := &Sample{Tensor: NewTensor(3, 3, 2), Info: ImageInfo{Height: 30, Width: 20}}
	for i := range a.Tensor.Data {
		a.Tensor.Data[i] = 7
	}

	mb, err := DetectionPadCollator{}.Collate([]*Sample{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if sh := mb.Data.Shape; sh[0] != 2 || sh[1] != 3 || sh[2] != 3 || sh[3] != 4 {
		t.Fatalf("data shape = %v", sh)
	}
	if mb.Data.At(0, 2, 1, 3) != 7 || mb.Data.At(0, 0, 2, 0) != 0 {
		t.Error("image 0 not copied or padded correctly")
	}
	if sh := mb.GTBoxes.Shape; sh[1] != 2 || sh[2] != GTBoxLen {
		t.Fatalf("gt_boxes shape = %v", sh)
	}
	if mb.GTBoxes.At(0, 1, 2) != 3 || mb.GTBoxes.At(0, 1, 4) != 2 || mb.GTBoxes.At(1, 0, 4) != 0 {
		t.Error("boxes not laid out as [x1, y1, x2, y2, category]")
	}
	wantInfo := [][]float64{{2, 4, 20, 40, 2}, {3, 2, 30, 20, 0}}
	for i, row := range wantInfo {
		for j, v := range row {
			if mb.ImInfo.At(i, j) != v {
				t.Errorf("im_info[%d][%d] = %v, want %v", i, j, mb.ImInfo.At(i, j), v)
			}
		}
	}
	if mb.Size() != 2 || mb.NumBoxes(0) != 2 || mb.NumBoxes(1) != 0 {
		t.Error("MiniBatch accessors disagree with im_info")
	}
}

func TestCollateRejectsBadInput(t *testing.T) {
	c := DetectionPadCollator{}
	if _, err := c.Collate(nil); err == nil {
		t.Error("empty batch accepted")
	}
	if _, err := c.Collate([]*Sample{{}}); err == nil {
		t.Error("sample without tensor accepted")
	}
	bad := &Sample{Tensor: NewTensor(3, 1, 1), Boxes: []Box{{}}, Categories: nil}
	if _, err := c.Collate([]*Sample{bad}); err == nil {
		t.Error("box/category length mismatch accepted")
	}
}
