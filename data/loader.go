package data

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
)

type loadResult struct {
	batch *MiniBatch
	err   error
}

// loadJob is one batch in flight; done is buffered so workers never block.
type loadJob struct {
	indices []int
	done    chan loadResult
}

// DataLoader turns sampled index batches into collated mini-batches.
// With NumWorkers > 0 a pool of goroutines prefetches batches; they are
// still returned in sampler order.
type DataLoader struct {
	dataset   Dataset
	sampler   *Infinite
	transform Transform
	collator  Collator

	// synchronous path
	rng *rand.Rand

	// worker pool
	ordered chan *loadJob
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type LoaderConfig struct {
	NumWorkers int
	Seed       uint64
}

// NewDataLoader starts the worker pool (if any). Close stops it.
func NewDataLoader(ds Dataset, sampler *Infinite, transform Transform, collator Collator, cfg LoaderConfig) *DataLoader {
	l := &DataLoader{
		dataset:   ds,
		sampler:   sampler,
		transform: transform,
		collator:  collator,
		rng:       rand.New(rand.NewPCG(cfg.Seed, 0)),
	}
	if cfg.NumWorkers <= 0 {
		return l
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.ordered = make(chan *loadJob, 2*cfg.NumWorkers)
	jobs := make(chan *loadJob)

	l.wg.Add(1)
	go l.dispatch(ctx, jobs)

	l.wg.Add(cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i+1)))
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-jobs:
					mb, err := l.load(job.indices, rng)
					job.done <- loadResult{batch: mb, err: err}
				}
			}
		}()
	}
	return l
}

// dispatch pulls index batches and hands them to workers, queueing each job
// for the consumer first so batches come back in order.
func (l *DataLoader) dispatch(ctx context.Context, jobs chan<- *loadJob) {
	defer l.wg.Done()
	defer close(l.ordered)
	for {
		indices, err := l.sampler.Next()
		job := &loadJob{indices: indices, done: make(chan loadResult, 1)}
		if err != nil {
			job.done <- loadResult{err: err}
		}

		select {
		case l.ordered <- job:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}

		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (l *DataLoader) load(indices []int, rng *rand.Rand) (*MiniBatch, error) {
	samples := make([]*Sample, len(indices))
	for i, idx := range indices {
		s, err := l.dataset.Get(idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "load item %d", idx)
		}
		if l.transform != nil {
			if err := l.transform.Apply(s, rng); err != nil {
				return nil, errors.WithMessagef(err, "transform item %d", idx)
			}
		}
		samples[i] = s
	}
	return l.collator.Collate(samples)
}

// Next blocks until the next mini-batch is ready.
func (l *DataLoader) Next(ctx context.Context) (*MiniBatch, error) {
	if l.ordered == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		indices, err := l.sampler.Next()
		if err != nil {
			return nil, err
		}
		return l.load(indices, l.rng)
	}

	var job *loadJob
	select {
	case j, ok := <-l.ordered:
		if !ok {
			return nil, errors.New("data loader is closed")
		}
		job = j
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-job.done:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker pool and waits for it to exit.
func (l *DataLoader) Close() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
}
