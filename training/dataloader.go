package training

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/suhacker1/igvc-software/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (image *tensor.Tensor, mask *tensor.Tensor, err error) // image [C, H, W], mask [1, H, W]
}

// Batch is one group of aligned image/mask pairs
type Batch struct {
	Images *tensor.Tensor // [N, C, H, W]
	Masks  *tensor.Tensor // [N, 1, H, W]
}

// Size returns the number of examples in the batch
func (b *Batch) Size() int {
	return b.Images.Shape[0]
}

// Provider yields the batches of one split. Reset starts a fresh pass and
// Next returns nil, nil once the pass is exhausted.
type Provider interface {
	Reset()
	Next() (*Batch, error)
	Len() int        // Batches per pass
	NumSamples() int // Samples per pass
}

// DataLoader provides batching, shuffling, and concurrent sample loading
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. The shuffle order depends only on
// seed, so two loaders with the same seed visit samples in the same order.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, seed int64) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		rng:        rand.New(rand.NewSource(seed)),
		indices:    indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of samples in an epoch
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// loadBatch loads the samples of one batch on up to numWorkers goroutines
// and stacks them in index order.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	images := make([]*tensor.Tensor, len(indices))
	masks := make([]*tensor.Tensor, len(indices))

	var g errgroup.Group
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			img, mask, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			images[i], masks[i] = img, mask
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	imageBatch, err := tensor.Stack(images)
	if err != nil {
		return nil, fmt.Errorf("failed to stack images: %w", err)
	}
	maskBatch, err := tensor.Stack(masks)
	if err != nil {
		return nil, fmt.Errorf("failed to stack masks: %w", err)
	}
	return &Batch{Images: imageBatch, Masks: maskBatch}, nil
}

// SimpleDataset provides an in-memory Dataset for tests and small runs
type SimpleDataset struct {
	images []*tensor.Tensor
	masks  []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(images, masks []*tensor.Tensor) (*SimpleDataset, error) {
	if len(images) != len(masks) {
		return nil, fmt.Errorf("images and masks must have the same length: got %d and %d", len(images), len(masks))
	}
	return &SimpleDataset{images: images, masks: masks}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.images)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	return ds.images[idx], ds.masks[idx], nil
}
