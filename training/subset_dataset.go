package training

import (
	"fmt"

	"github.com/suhacker1/igvc-software/tensor"
)

// SubsetDataset exposes a contiguous range of an underlying dataset
type SubsetDataset struct {
	originalDataset Dataset
	start, end      int
}

// NewSubsetDataset wraps samples [start, end) of original
func NewSubsetDataset(original Dataset, start, end int) (*SubsetDataset, error) {
	if start < 0 || end < start || end > original.Len() {
		return nil, fmt.Errorf("invalid subset range [%d, %d) of %d samples", start, end, original.Len())
	}
	return &SubsetDataset{
		originalDataset: original,
		start:           start,
		end:             end,
	}, nil
}

// SplitDataset returns the validation split as the first valSamples samples
// of ds and the training split as the rest
func SplitDataset(ds Dataset, valSamples int) (train, val *SubsetDataset, err error) {
	if valSamples < 0 {
		return nil, nil, fmt.Errorf("%w: val samples must be >= 0, got %d", ErrConfig, valSamples)
	}
	if valSamples > ds.Len() {
		valSamples = ds.Len()
	}
	if val, err = NewSubsetDataset(ds, 0, valSamples); err != nil {
		return nil, nil, err
	}
	if train, err = NewSubsetDataset(ds, valSamples, ds.Len()); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return sd.end - sd.start
}

// Get returns sample idx of the subset
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.Len() {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, sd.Len())
	}
	return sd.originalDataset.Get(sd.start + idx)
}
