// Package batch groups examples of a mnist.Source into batches of tensors, in shuffled or sequential order.
//
// Collation may happen ahead of consumption in a separate goroutine (see Loader.WithPrefetch), but the
// order of batches in an epoch only depends on the shuffling seed.
package batch

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"iter"
	"math/rand"
)

// Batch of examples collated as tensors.
type Batch struct {
	// Size is the number of examples in the batch. Only the last batch of an epoch may be smaller
	// than the configured batch size.
	Size int

	// Images shaped [Size, 1, 28, 28], dtype Float32, already normalized.
	Images *tensors.Tensor

	// Labels shaped [Size], dtype Int32.
	Labels *tensors.Tensor

	// LabelValues holds the same content as Labels, for use in Go.
	LabelValues []int32
}

// Loader iterates over a Source in batches.
type Loader struct {
	source    mnist.Source
	batchSize int
	shuffle   *rand.Rand
	prefetch  int
}

// NewLoader creates a sequential loader with the given batch size.
// Use WithShuffle and WithPrefetch to configure it further.
func NewLoader(source mnist.Source, batchSize int) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	return &Loader{source: source, batchSize: batchSize}, nil
}

// WithShuffle makes the loader draw a new permutation of the examples at the start of every epoch,
// from a generator seeded with seed.
func (l *Loader) WithShuffle(seed int64) *Loader {
	l.shuffle = rand.New(rand.NewSource(seed))
	return l
}

// WithPrefetch sets how many batches may be collated ahead of the consumer. 0 disables prefetching.
func (l *Loader) WithPrefetch(numBatches int) *Loader {
	l.prefetch = max(numBatches, 0)
	return l
}

// NumExamples returns the number of examples in one epoch.
func (l *Loader) NumExamples() int { return l.source.Len() }

// NumBatches returns the number of batches in one epoch.
func (l *Loader) NumBatches() int { return (l.source.Len() + l.batchSize - 1) / l.batchSize }

// BatchSize configured.
func (l *Loader) BatchSize() int { return l.batchSize }

// order returns the order of the examples for the next epoch.
func (l *Loader) order() []int {
	n := l.source.Len()
	if l.shuffle != nil {
		return l.shuffle.Perm(n)
	}
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	return order
}

// collate the examples with the given indices into a Batch.
func (l *Loader) collate(indices []int) *Batch {
	b := &Batch{
		Size:        len(indices),
		Images:      tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), 1, mnist.Height, mnist.Width)),
		LabelValues: make([]int32, len(indices)),
	}
	tensors.MutableFlatData(b.Images, func(flat []float32) {
		for ii, idx := range indices {
			image, label := l.source.Example(idx)
			copy(flat[ii*mnist.NumPixels:(ii+1)*mnist.NumPixels], image)
			b.LabelValues[ii] = label
		}
	})
	b.Labels = tensors.FromFlatDataAndDimensions(append([]int32(nil), b.LabelValues...), len(indices))
	return b
}

// Epoch returns an iterator over the batches of one epoch. The example order is drawn when Epoch is
// called, so calls to Epoch must happen in the same sequence to reproduce a run.
//
// Breaking out of the loop early is fine, the prefetching goroutine is stopped.
func (l *Loader) Epoch() iter.Seq[*Batch] {
	order := l.order()
	numBatches := l.NumBatches()
	batchIndices := func(batchIdx int) []int {
		start := batchIdx * l.batchSize
		return order[start:min(start+l.batchSize, len(order))]
	}
	if l.prefetch == 0 {
		return func(yield func(*Batch) bool) {
			for batchIdx := range numBatches {
				if !yield(l.collate(batchIndices(batchIdx))) {
					return
				}
			}
		}
	}

	return func(yield func(*Batch) bool) {
		batches := make(chan *Batch, l.prefetch)
		done := make(chan struct{})
		var producer errgroup.Group
		producer.Go(func() error {
			defer close(batches)
			for batchIdx := range numBatches {
				select {
				case batches <- l.collate(batchIndices(batchIdx)):
				case <-done:
					return nil
				}
			}
			return nil
		})
		defer func() {
			close(done)
			for range batches {
				// Drain so the producer can exit.
			}
			_ = producer.Wait()
		}()
		for b := range batches {
			if !yield(b) {
				return
			}
		}
	}
}
