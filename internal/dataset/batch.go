package dataset

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cnnsvm/internal/transforms"
)

// BatchOptions controls iteration over an ImageSet.
type BatchOptions struct {
	BatchSize int
	Workers   int
	Shuffle   bool
	// Seed fixes shuffling and random augmentation; 0 picks a time-based seed.
	Seed int64
	// Pass distinguishes repeated passes over the same split.
	Pass int
}

// Batch is a group of transformed images with their labels.
type Batch struct {
	Images []transforms.Tensor
	Labels []int
	Paths  []string
}

// Len returns the number of images in the batch.
func (b *Batch) Len() int {
	return len(b.Images)
}

// BatchIterator walks one pass over an ImageSet. Every image is visited
// exactly once; only the last batch may be short.
//
//	it := set.Batches(opts)
//	for it.Scan() {
//		b := it.Batch()
//	}
//	if err := it.Err(); err != nil { ... }
type BatchIterator struct {
	set     *ImageSet
	opts    BatchOptions
	order   []int
	seed    int64
	pos     int
	index   int
	current *Batch
	err     error
}

// Batches starts a pass over the set.
func (s *ImageSet) Batches(opts BatchOptions) *BatchIterator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	order := make([]int, len(s.Items))
	for i := range order {
		order[i] = i
	}
	if opts.Shuffle {
		rng := rand.New(rand.NewSource(mix(seed, int64(opts.Pass), -1)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	return &BatchIterator{set: s, opts: opts, order: order, seed: seed}
}

// NumBatches returns the number of batches in the pass.
func (it *BatchIterator) NumBatches() int {
	return (len(it.order) + it.opts.BatchSize - 1) / it.opts.BatchSize
}

// Index returns the 1-based index of the current batch.
func (it *BatchIterator) Index() int {
	return it.index
}

// Scan loads the next batch. It returns false at the end of the pass or on
// the first error.
func (it *BatchIterator) Scan() bool {
	if it.err != nil || it.pos >= len(it.order) {
		return false
	}

	end := min(it.pos+it.opts.BatchSize, len(it.order))
	batch, err := it.load(it.order[it.pos:end])
	if err != nil {
		it.err = err
		return false
	}

	it.pos = end
	it.index++
	it.current = batch
	return true
}

// Batch returns the batch loaded by the last successful Scan.
func (it *BatchIterator) Batch() *Batch {
	return it.current
}

// Err returns the error that stopped the iteration, if any.
func (it *BatchIterator) Err() error {
	return it.err
}

// load decodes and transforms the given items with a bounded worker pool.
// Results keep the order of idx.
func (it *BatchIterator) load(idx []int) (*Batch, error) {
	n := len(idx)
	batch := &Batch{
		Images: make([]transforms.Tensor, n),
		Labels: make([]int, n),
		Paths:  make([]string, n),
	}

	jobs := make(chan int, n)
	for i := range idx {
		jobs <- i
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	workers := min(it.opts.Workers, n)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				item := it.set.Items[idx[i]]
				tensor, err := it.loadItem(item, idx[i])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				batch.Images[i] = tensor
				batch.Labels[i] = item.Label
				batch.Paths[i] = item.Path
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return batch, nil
}

func (it *BatchIterator) loadItem(item Item, index int) (transforms.Tensor, error) {
	img, err := DecodeImage(item.Path)
	if err != nil {
		return transforms.Tensor{}, err
	}

	var rng *rand.Rand
	if it.set.Transform.Random() {
		rng = rand.New(rand.NewSource(mix(it.seed, int64(it.opts.Pass), int64(index))))
	}
	tensor, err := it.set.Transform.Apply(img, rng)
	if err != nil {
		return transforms.Tensor{}, fmt.Errorf("transform %s: %w", item.Path, err)
	}
	return tensor, nil
}

// mix derives an independent seed per (run seed, pass, item) with a
// splitmix64 finaliser.
func mix(seed, pass, item int64) int64 {
	z := uint64(seed) ^ uint64(pass)*0x9e3779b97f4a7c15 ^ uint64(item+1)*0xbf58476d1ce4e5b9
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}
