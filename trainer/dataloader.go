package trainer

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/b0tShaman/neuro-fsdet/data"
	"github.com/b0tShaman/neuro-fsdet/dist"
	"github.com/b0tShaman/neuro-fsdet/model"
)

// BuildDataset opens the training dataset under <datasetDir>/<name>/.
func BuildDataset(cfg *model.Config, datasetDir string) (data.Dataset, error) {
	dc := cfg.TrainDataset
	opts := data.Options{
		Root:                           filepath.Join(datasetDir, dc.Name, dc.Root),
		Order:                          data.DetectionOrder,
		RemoveImagesWithoutAnnotations: dc.RemoveImagesWithoutAnnotations,
		NumImages:                      dc.NumImages,
	}
	if dc.AnnFile != "" {
		opts.AnnFile = filepath.Join(datasetDir, dc.Name, dc.AnnFile)
	}
	ds, err := data.Build(dc.Name, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "build dataset %s", dc.Name)
	}
	return ds, nil
}

// BuildSampler groups images by aspect ratio when cfg.AspectGrouping has bin
// edges, and otherwise samples uniformly dropping the last partial batch.
// Either way the result never runs out.
//
// Grouped leftovers carry over between passes, so with G groups a batch may
// take up to G*(batchSize-1)+1 passes to fill; the empty-pass cap covers that.
func BuildSampler(ds data.Dataset, cfg *model.Config, batchSize int, comm dist.Comm) (*data.Infinite, error) {
	var sampler data.BatchSampler
	numGroups := 1
	if len(cfg.AspectGrouping) > 0 {
		ratios, err := data.ComputeAspectRatios(ds)
		if err != nil {
			return nil, errors.WithMessage(err, "aspect ratios")
		}
		groups := data.Quantize(ratios, cfg.AspectGrouping)
		numGroups = countGroups(groups)
		s, err := data.NewGroupedRandomSampler(groups, batchSize, comm.WorldSize(), comm.Rank(), cfg.Seed)
		if err != nil {
			return nil, err
		}
		sampler = s
	} else {
		s, err := data.NewRandomSampler(ds.Len(), batchSize, true, comm.WorldSize(), comm.Rank(), cfg.Seed)
		if err != nil {
			return nil, err
		}
		sampler = s
	}
	return data.NewInfinite(sampler, numGroups*batchSize+1), nil
}

func countGroups(groups []int) int {
	seen := map[int]bool{}
	for _, g := range groups {
		seen[g] = true
	}
	return len(seen)
}

// BuildDataLoader wires dataset, sampler, transforms and collator together.
func BuildDataLoader(cfg *model.Config, batchSize int, datasetDir string, comm dist.Comm) (*data.DataLoader, error) {
	ds, err := BuildDataset(cfg, datasetDir)
	if err != nil {
		return nil, err
	}
	sampler, err := BuildSampler(ds, cfg, batchSize, comm)
	if err != nil {
		return nil, err
	}
	transform := data.Compose{
		data.ShortestEdgeResize{
			MinSizes:    cfg.TrainImageShortSize,
			MaxSize:     cfg.TrainImageMaxSize,
			SampleStyle: cfg.ResizeSampleStyle,
		},
		data.RandomHorizontalFlip{Prob: 0.5},
		data.ToMode{},
	}
	return data.NewDataLoader(ds, sampler, transform, data.DetectionPadCollator{}, data.LoaderConfig{
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed + uint64(comm.Rank()),
	}), nil
}
