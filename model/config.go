package model

import (
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/b0tShaman/neuro-fsdet/data"
	"github.com/b0tShaman/neuro-fsdet/ml"
)

// DatasetConfig names a registered dataset and its paths relative to
// <dataset_dir>/<name>/.
type DatasetConfig struct {
	Name    string `yaml:"name"`
	Root    string `yaml:"root"`
	AnnFile string `yaml:"ann_file,omitempty"`

	RemoveImagesWithoutAnnotations bool `yaml:"remove_images_without_annotations"`
	NumImages                      int  `yaml:"num_images,omitempty"`
}

// Config holds the hyperparameters of one training run. It is filled once
// by a Builder (plus net-file overrides) and treated as read-only afterwards.
type Config struct {
	// Optimization
	BasicLR       float64          `yaml:"basic_lr"` // per image; scaled by batch size
	Momentum      float64          `yaml:"momentum"`
	WeightDecay   float64          `yaml:"weight_decay"`
	Optimizer     ml.OptimizerType `yaml:"optimizer"`
	LRDecayStages []int            `yaml:"lr_decay_stages"`
	LRDecayRate   float64          `yaml:"lr_decay_rate"`
	WarmIters     int              `yaml:"warm_iters"`
	MaxEpoch      int              `yaml:"max_epoch"`
	NrImagesEpoch int              `yaml:"nr_images_epoch"`

	// Logging
	LossesKeys  []string `yaml:"losses_keys"`
	LogInterval int      `yaml:"log_interval"`

	// Few-shot finetuning: >= 1 also trains the RoI fully-connected layers.
	RCNNFinetuneAt int `yaml:"rcnn_finetune_at"`

	// Model
	NumClasses int `yaml:"num_classes"`

	// Data
	TrainDataset        DatasetConfig `yaml:"train_dataset"`
	TrainImageShortSize []int         `yaml:"train_image_short_size"`
	TrainImageMaxSize   int           `yaml:"train_image_max_size"`
	ResizeSampleStyle   string        `yaml:"resize_sample_style"`
	AspectGrouping      []float64     `yaml:"aspect_grouping"`
	NumWorkers          int           `yaml:"num_workers"`
	Seed                uint64        `yaml:"seed"`
}

// DefaultConfig returns the COCO few-shot finetuning defaults.
func DefaultConfig() *Config {
	return &Config{
		BasicLR:       0.02 / 16,
		Momentum:      0.9,
		WeightDecay:   1e-4,
		Optimizer:     ml.OptSGD,
		LRDecayStages: []int{12, 16},
		LRDecayRate:   0.1,
		WarmIters:     500,
		MaxEpoch:      18,
		NrImagesEpoch: 80000,

		LossesKeys:  []string{"total_loss", "loss_rpn_cls", "loss_rpn_bbox", "loss_rcnn_cls", "loss_rcnn_bbox"},
		LogInterval: 20,

		RCNNFinetuneAt: 0,
		NumClasses:     80,

		TrainDataset: DatasetConfig{
			Name:                           "coco",
			Root:                           "train2017",
			AnnFile:                        "annotations/instances_train2017.json",
			RemoveImagesWithoutAnnotations: true,
		},
		TrainImageShortSize: []int{640, 672, 704, 736, 768, 800},
		TrainImageMaxSize:   1333,
		ResizeSampleStyle:   "choice",
		AspectGrouping:      []float64{1},
		NumWorkers:          2,
		Seed:                42,
	}
}

func (c *Config) NumLosses() int { return len(c.LossesKeys) }

// Schedule returns the learning-rate schedule described by c.
func (c *Config) Schedule() ml.StepSchedule {
	return ml.StepSchedule{
		BaseLR:      c.BasicLR,
		DecayStages: c.LRDecayStages,
		DecayRate:   c.LRDecayRate,
		WarmIters:   c.WarmIters,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.BasicLR <= 0:
		return errors.Errorf("basic_lr must be positive, got %g", c.BasicLR)
	case c.MaxEpoch <= 0:
		return errors.Errorf("max_epoch must be positive, got %d", c.MaxEpoch)
	case c.NrImagesEpoch <= 0:
		return errors.Errorf("nr_images_epoch must be positive, got %d", c.NrImagesEpoch)
	case c.LogInterval <= 0:
		return errors.Errorf("log_interval must be positive, got %d", c.LogInterval)
	case c.WarmIters < 0:
		return errors.Errorf("warm_iters must not be negative, got %d", c.WarmIters)
	case len(c.LossesKeys) == 0:
		return errors.New("losses_keys is empty")
	case !sort.IntsAreSorted(c.LRDecayStages):
		return errors.Errorf("lr_decay_stages must be sorted, got %v", c.LRDecayStages)
	case c.NumClasses <= 0:
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	case c.TrainDataset.Name == "":
		return errors.New("train_dataset.name is empty")
	case len(c.TrainImageShortSize) == 0:
		return errors.New("train_image_short_size is empty")
	case c.LRDecayRate < 0:
		return errors.Errorf("lr_decay_rate must not be negative, got %g", c.LRDecayRate)
	case c.Momentum < 0:
		return errors.Errorf("momentum must not be negative, got %g", c.Momentum)
	case c.WeightDecay < 0:
		return errors.Errorf("weight_decay must not be negative, got %g", c.WeightDecay)
	}
	switch c.ResizeSampleStyle {
	case data.SampleChoice, "":
	case data.SampleRange:
		if s := c.TrainImageShortSize; len(s) != 2 || s[0] > s[1] {
			return errors.Errorf("range resize needs train_image_short_size [lo, hi], got %v", s)
		}
	default:
		return errors.Errorf("resize_sample_style must be choice or range, got %q", c.ResizeSampleStyle)
	}
	return nil
}

// Info renders the config for the startup log.
func (c *Config) Info() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "<config: " + err.Error() + ">"
	}
	return string(out)
}
