package data

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// BatchSampler yields the batches of one pass over the data. Every call
// starts a new, reshuffled pass.
type BatchSampler interface {
	Pass() [][]int
}

// ComputeAspectRatios returns height/width for every dataset item.
func ComputeAspectRatios(ds Dataset) ([]float64, error) {
	ratios := make([]float64, ds.Len())
	for i := range ratios {
		info, err := ds.ImageInfo(i)
		if err != nil {
			return nil, err
		}
		if info.Width <= 0 {
			return nil, errors.Errorf("item %d has width %d", i, info.Width)
		}
		ratios[i] = float64(info.Height) / float64(info.Width)
	}
	return ratios, nil
}

// Quantize maps every value to bisect_right(sorted(bins), value).
func Quantize(values, bins []float64) []int {
	edges := append([]float64(nil), bins...)
	sort.Float64s(edges)

	ids := make([]int, len(values))
	for i, v := range values {
		ids[i] = sort.Search(len(edges), func(k int) bool { return edges[k] > v })
	}
	return ids
}

// shard describes data-parallel partitioning of each pass.
type shard struct {
	world, rank int
	seed        uint64
	pass        uint64
}

// permutation returns this rank's slice of a seeded shuffle of [0, n).
// Every rank draws the same permutation, pads it to a multiple of world by
// repeating its head, and takes indices rank, rank+world, ...
func (s *shard) permutation(n int) []int {
	rng := rand.New(rand.NewPCG(s.seed, s.pass))
	s.pass++
	perm := rng.Perm(n)
	if s.world <= 1 || n == 0 {
		return perm
	}
	if rem := len(perm) % s.world; rem != 0 {
		for i := 0; len(perm)%s.world != 0; i++ {
			perm = append(perm, perm[i%n])
		}
	}
	out := make([]int, 0, len(perm)/s.world)
	for i := s.rank; i < len(perm); i += s.world {
		out = append(out, perm[i])
	}
	return out
}

// RandomSampler batches a random permutation, dropping the last partial batch
// when DropLast is set.
type RandomSampler struct {
	n         int
	batchSize int
	dropLast  bool
	shard
}

func NewRandomSampler(n, batchSize int, dropLast bool, world, rank int, seed uint64) (*RandomSampler, error) {
	if err := checkSamplerArgs(n, batchSize, world, rank); err != nil {
		return nil, err
	}
	return &RandomSampler{n: n, batchSize: batchSize, dropLast: dropLast, shard: shard{world: world, rank: rank, seed: seed}}, nil
}

func (s *RandomSampler) Pass() [][]int {
	indices := s.permutation(s.n)
	var batches [][]int
	for start := 0; start < len(indices); start += s.batchSize {
		end := start + s.batchSize
		if end > len(indices) {
			if s.dropLast {
				break
			}
			end = len(indices)
		}
		batches = append(batches, append([]int(nil), indices[start:end]...))
	}
	return batches
}

// GroupedRandomSampler only ever batches indices that share a group id.
// Indices are buffered per group; a batch is emitted as soon as one group's
// buffer reaches the batch size. Leftovers carry over to the next pass
// instead of being dropped, unlike MegEngine's GroupedRandomSampler which
// starts every pass with empty buffers; a rank whose share of a group is
// smaller than one batch still gets batches after enough passes.
type GroupedRandomSampler struct {
	batchSize int
	groupIDs  []int
	buffers   map[int][]int
	shard
}

func NewGroupedRandomSampler(groupIDs []int, batchSize, world, rank int, seed uint64) (*GroupedRandomSampler, error) {
	if err := checkSamplerArgs(len(groupIDs), batchSize, world, rank); err != nil {
		return nil, err
	}
	return &GroupedRandomSampler{
		batchSize: batchSize,
		groupIDs:  append([]int(nil), groupIDs...),
		buffers:   map[int][]int{},
		shard:     shard{world: world, rank: rank, seed: seed},
	}, nil
}

// GroupOf returns the group id of dataset index i.
func (s *GroupedRandomSampler) GroupOf(i int) int { return s.groupIDs[i] }

func (s *GroupedRandomSampler) Pass() [][]int {
	var batches [][]int
	for _, idx := range s.permutation(len(s.groupIDs)) {
		g := s.groupIDs[idx]
		buf := append(s.buffers[g], idx)
		if len(buf) == s.batchSize {
			batches = append(batches, buf)
			buf = nil
		}
		s.buffers[g] = buf
	}
	return batches
}

func checkSamplerArgs(n, batchSize, world, rank int) error {
	switch {
	case n <= 0:
		return errors.New("sampler over an empty dataset")
	case batchSize <= 0:
		return errors.Errorf("batch size must be positive, got %d", batchSize)
	case world <= 0 || rank < 0 || rank >= world:
		return errors.Errorf("invalid rank %d for world size %d", rank, world)
	}
	return nil
}

// Infinite cycles a BatchSampler forever, starting a new pass whenever the
// current one runs out. It never ends on its own; callers stop pulling.
type Infinite struct {
	mu        sync.Mutex
	sampler   BatchSampler
	pending   [][]int
	maxEmpty  int
	passCount int
}

// NewInfinite wraps sampler. maxEmptyPasses bounds how many consecutive passes
// may yield nothing before Next gives up.
func NewInfinite(sampler BatchSampler, maxEmptyPasses int) *Infinite {
	return &Infinite{sampler: sampler, maxEmpty: max(maxEmptyPasses, 1)}
}

// Passes returns how many passes have been started.
func (it *Infinite) Passes() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.passCount
}

// Next returns the next batch of dataset indices.
func (it *Infinite) Next() ([]int, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for empty := 0; len(it.pending) == 0; empty++ {
		if empty == it.maxEmpty {
			return nil, errors.Errorf("sampler produced no batch in %d passes", empty)
		}
		it.pending = it.sampler.Pass()
		it.passCount++
	}
	batch := it.pending[0]
	it.pending = it.pending[1:]
	return batch, nil
}
