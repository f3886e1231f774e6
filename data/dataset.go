package data

import (
	"image"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Field names accepted in Options.Order.
const (
	FieldImage         = "image"
	FieldBoxes         = "boxes"
	FieldBoxesCategory = "boxes_category"
	FieldInfo          = "info"
)

// DetectionOrder is the field ordering the training pipeline requests.
var DetectionOrder = []string{FieldImage, FieldBoxes, FieldBoxesCategory, FieldInfo}

// Box is [x1, y1, x2, y2] in pixels.
type Box [4]float64

func (b Box) Width() float64  { return b[2] - b[0] }
func (b Box) Height() float64 { return b[3] - b[1] }

// ImageInfo is the per-item metadata available without decoding pixels.
type ImageInfo struct {
	ID       int
	FileName string
	Height   int
	Width    int
}

// Sample is one dataset item as it travels through the transforms.
// Image holds decoded pixels until ToMode replaces it with Tensor [C,H,W].
type Sample struct {
	Image      image.Image
	Tensor     *Tensor
	Boxes      []Box
	Categories []int
	Info       ImageInfo
}

// Dataset is a random-access collection of detection samples.
type Dataset interface {
	Len() int
	Get(i int) (*Sample, error)
	ImageInfo(i int) (ImageInfo, error)
}

// Options are the constructor arguments every registered dataset accepts.
type Options struct {
	Root    string
	AnnFile string
	Order   []string

	RemoveImagesWithoutAnnotations bool
	// NumImages sizes generated datasets; file-backed datasets ignore it.
	NumImages int
}

// Constructor builds a dataset from options.
type Constructor func(opts Options) (Dataset, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a dataset constructor available by name.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("data: Register called twice for dataset " + name)
	}
	registry[name] = ctor
}

// Registered returns the sorted registered dataset names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs the dataset registered under name.
func Build(name string, opts Options) (Dataset, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown dataset %q (registered: %v)", name, Registered())
	}
	if err := validateOrder(opts.Order); err != nil {
		return nil, err
	}
	ds, err := ctor(opts)
	return ds, errors.Wrapf(err, "build dataset %s", name)
}

func validateOrder(order []string) error {
	seen := map[string]bool{}
	for _, f := range order {
		switch f {
		case FieldImage, FieldBoxes, FieldBoxesCategory, FieldInfo:
		default:
			return errors.Errorf("unsupported field %q in order", f)
		}
		if seen[f] {
			return errors.Errorf("duplicate field %q in order", f)
		}
		seen[f] = true
	}
	return nil
}

// project clears the sample fields not requested by order. An empty order
// keeps everything.
func project(s *Sample, order []string) *Sample {
	if len(order) == 0 {
		return s
	}
	want := map[string]bool{}
	for _, f := range order {
		want[f] = true
	}
	if !want[FieldImage] {
		s.Image = nil
	}
	if !want[FieldBoxes] {
		s.Boxes = nil
	}
	if !want[FieldBoxesCategory] {
		s.Categories = nil
	}
	if !want[FieldInfo] {
		s.Info = ImageInfo{}
	}
	return s
}
