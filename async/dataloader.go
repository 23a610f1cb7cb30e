// Package async overlaps batch loading with training by reading ahead of
// the consumer on a background goroutine.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/suhacker1/igvc-software/training"
)

type prefetched struct {
	batch *training.Batch
	err   error
}

// AsyncDataLoader wraps a Provider and keeps up to prefetchDepth batches of
// the current pass loaded ahead of Next. It implements training.Provider.
type AsyncDataLoader struct {
	source        training.Provider
	prefetchDepth int

	mutex      sync.Mutex
	batches    chan prefetched
	cancel     context.CancelFunc
	done       chan struct{}
	produced   atomic.Uint64
	generation uint64
}

var _ training.Provider = (*AsyncDataLoader)(nil)

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 2)
}

// NewAsyncDataLoader creates a prefetching loader over source. The source
// must not be used directly while the loader is in use.
func NewAsyncDataLoader(source training.Provider, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	return &AsyncDataLoader{
		source:        source,
		prefetchDepth: config.PrefetchDepth,
	}, nil
}

// Len returns the number of batches per pass
func (adl *AsyncDataLoader) Len() int {
	return adl.source.Len()
}

// NumSamples returns the number of samples per pass
func (adl *AsyncDataLoader) NumSamples() int {
	return adl.source.NumSamples()
}

// Reset abandons any batches read ahead, resets the source and starts
// loading the new pass
func (adl *AsyncDataLoader) Reset() {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	adl.stopLocked()
	adl.source.Reset()
	adl.startLocked()
}

// Next returns the next batch of the pass, or nil, nil once it is exhausted.
// A source error ends the pass.
func (adl *AsyncDataLoader) Next() (*training.Batch, error) {
	adl.mutex.Lock()
	if adl.batches == nil {
		// continue from wherever the source is, like an unwrapped loader
		adl.startLocked()
	}
	batches := adl.batches
	adl.mutex.Unlock()

	item, ok := <-batches
	if !ok {
		return nil, nil
	}
	return item.batch, item.err
}

// Stop releases the background goroutine. The loader restarts on the next
// Reset or Next.
func (adl *AsyncDataLoader) Stop() {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	adl.stopLocked()
}

func (adl *AsyncDataLoader) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	adl.batches = make(chan prefetched, adl.prefetchDepth)
	adl.cancel = cancel
	adl.done = make(chan struct{})
	adl.generation++
	go adl.worker(ctx, adl.batches, adl.done)
}

func (adl *AsyncDataLoader) stopLocked() {
	if adl.cancel == nil {
		return
	}
	adl.cancel()
	<-adl.done
	adl.batches, adl.cancel, adl.done = nil, nil, nil
}

// worker reads the source until the pass ends, an error occurs or ctx is
// cancelled
func (adl *AsyncDataLoader) worker(ctx context.Context, out chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := adl.source.Next()
		if batch == nil && err == nil {
			return
		}
		select {
		case out <- prefetched{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		adl.produced.Add(1)
	}
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	stats := AsyncDataLoaderStats{
		IsRunning:       adl.cancel != nil,
		BatchesProduced: adl.produced.Load(),
		QueueCapacity:   adl.prefetchDepth,
		Generation:      adl.generation,
	}
	if adl.batches != nil {
		stats.QueuedBatches = len(adl.batches)
	}
	return stats
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64
}
