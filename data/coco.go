package data

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

func init() {
	Register("coco", NewCOCO)
}

type cocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
}

type cocoAnnotation struct {
	ImageID    int       `json:"image_id"`
	BBox       []float64 `json:"bbox"` // x, y, w, h
	CategoryID int       `json:"category_id"`
	IsCrowd    int       `json:"iscrowd"`
}

type cocoCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

// COCO reads an instances-style annotation file. Category ids are mapped to
// contiguous labels 1..K in ascending id order; 0 is background.
type COCO struct {
	root   string
	order  []string
	images []cocoImage
	boxes  map[int][]Box
	labels map[int][]int

	CategoryNames []string // index = label-1
}

func NewCOCO(opts Options) (Dataset, error) {
	if opts.AnnFile == "" {
		return nil, errors.New("coco dataset needs an annotation file")
	}
	raw, err := os.ReadFile(opts.AnnFile)
	if err != nil {
		return nil, errors.Wrap(err, "read annotations")
	}
	var f cocoFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrapf(err, "parse %s", opts.AnnFile)
	}

	sort.Slice(f.Categories, func(i, j int) bool { return f.Categories[i].ID < f.Categories[j].ID })
	label := make(map[int]int, len(f.Categories))
	names := make([]string, len(f.Categories))
	for i, c := range f.Categories {
		label[c.ID] = i + 1
		names[i] = c.Name
	}

	ds := &COCO{
		root:          opts.Root,
		order:         opts.Order,
		boxes:         map[int][]Box{},
		labels:        map[int][]int{},
		CategoryNames: names,
	}
	for _, a := range f.Annotations {
		if a.IsCrowd != 0 || len(a.BBox) != 4 || a.BBox[2] <= 1 || a.BBox[3] <= 1 {
			continue
		}
		l, ok := label[a.CategoryID]
		if !ok {
			return nil, errors.Errorf("annotation references unknown category %d", a.CategoryID)
		}
		x, y, w, h := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		ds.boxes[a.ImageID] = append(ds.boxes[a.ImageID], Box{x, y, x + w, y + h})
		ds.labels[a.ImageID] = append(ds.labels[a.ImageID], l)
	}

	sort.Slice(f.Images, func(i, j int) bool { return f.Images[i].ID < f.Images[j].ID })
	for _, img := range f.Images {
		if opts.RemoveImagesWithoutAnnotations && len(ds.boxes[img.ID]) == 0 {
			continue
		}
		if img.Height <= 0 || img.Width <= 0 {
			return nil, errors.Errorf("image %d has no size metadata", img.ID)
		}
		ds.images = append(ds.images, img)
	}
	return ds, nil
}

func (ds *COCO) Len() int { return len(ds.images) }

func (ds *COCO) ImageInfo(i int) (ImageInfo, error) {
	if i < 0 || i >= len(ds.images) {
		return ImageInfo{}, errors.Errorf("index %d out of range [0, %d)", i, len(ds.images))
	}
	img := ds.images[i]
	return ImageInfo{ID: img.ID, FileName: img.FileName, Height: img.Height, Width: img.Width}, nil
}

func (ds *COCO) Get(i int) (*Sample, error) {
	info, err := ds.ImageInfo(i)
	if err != nil {
		return nil, err
	}
	s := &Sample{
		Boxes:      append([]Box(nil), ds.boxes[info.ID]...),
		Categories: append([]int(nil), ds.labels[info.ID]...),
		Info:       info,
	}
	if wantsField(ds.order, FieldImage) {
		img, err := LoadImage(filepath.Join(ds.root, info.FileName))
		if err != nil {
			return nil, err
		}
		s.Image = img
	}
	return project(s, ds.order), nil
}

func wantsField(order []string, field string) bool {
	if len(order) == 0 {
		return true
	}
	for _, f := range order {
		if f == field {
			return true
		}
	}
	return false
}
