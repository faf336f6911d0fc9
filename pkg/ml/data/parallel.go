// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset is a wrapper around a train.Dataset that parallelizes calls to its Yield: it keeps a buffer of
// batches prepared in the background while the model trains.
//
// The wrapped Dataset.Yield must be safe for concurrent use (like Minibatcher's). The order of the batches is not
// preserved.
//
// Use Parallel to create one with the default configuration, or CustomParallel to configure it, followed by
// Start. Call Done to stop the background goroutines when it is no longer needed.
type ParallelDataset struct {
	// Dataset wrapped.
	Dataset train.Dataset

	name, shortName string

	// parallelism is the number of goroutines started generating batches.
	parallelism int

	// extraBufferSize is the size of the buffer of batches prepared ahead.
	extraBufferSize int

	impl *parallelDatasetImpl
}

// parallelDatasetImpl holds the state of a started ParallelDataset.
type parallelDatasetImpl struct {
	dataset     train.Dataset
	parallelism int

	err   error
	muErr sync.Mutex

	buffer                   chan *saint.Batch
	epochFinished, stopEpoch chan struct{}
	stopDataset              chan struct{}
}

var _ train.Dataset = (*ParallelDataset)(nil)

// Parallel wraps ds with a ParallelDataset, with parallelism and buffer size set to the number of cores, and
// starts it.
func Parallel(ds train.Dataset) *ParallelDataset {
	pd := CustomParallel(ds)
	return pd.Buffer(pd.parallelism).Start()
}

// CustomParallel creates a ParallelDataset that can be configured. Call Start when done configuring it.
func CustomParallel(ds train.Dataset) *ParallelDataset {
	pd := &ParallelDataset{
		name:      ds.Name(),
		shortName: train.ShortName(ds),
		Dataset:   ds,
	}
	pd.Parallelism(0)
	return pd
}

// Parallelism is the number of goroutines to start, each calling Yield in parallel.
// 0 means the number of cores available.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	if n <= 0 {
		n = runtime.NumCPU()
	}
	pd.parallelism = n
	return pd
}

// Buffer is the number of batches prepared ahead, besides the ones being prepared by the goroutines.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	pd.extraBufferSize = n
	return pd
}

// WithName sets the name of the parallel dataset, and optionally its short name.
func (pd *ParallelDataset) WithName(name string, shortName ...string) *ParallelDataset {
	pd.name = name
	if len(shortName) > 0 {
		pd.shortName = shortName[0]
	}
	return pd
}

// Start the goroutines preparing batches.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once")
		return pd
	}
	pd.impl = &parallelDatasetImpl{
		dataset:     pd.Dataset,
		parallelism: pd.parallelism,
		buffer:      make(chan *saint.Batch, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
	}
	pd.impl.startGoRoutines()
	return pd
}

// startGoRoutines for one epoch. They stop when the dataset returns io.EOF, or another error.
func (impl *parallelDatasetImpl) startGoRoutines() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	stopEpoch, epochFinished := impl.stopEpoch, impl.epochFinished
	var wg sync.WaitGroup
	for range impl.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
				}
				batch, err := impl.dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					impl.setError(err)
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.buffer <- batch:
				}
			}
		}()
	}

	// Controller: signals the end of the epoch, when all goroutines are done.
	go func() {
		wg.Wait()
		close(epochFinished)
	}()
}

// setError keeps the first error, which is returned by Yield once the batches in the buffer are consumed.
func (impl *parallelDatasetImpl) setError(err error) {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	if impl.err == nil {
		klog.Errorf("ParallelDataset(%q): %+v", impl.dataset.Name(), err)
		impl.err = err
	}
}

func (impl *parallelDatasetImpl) getError() error {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	return impl.err
}

// Name implements train.Dataset.
func (pd *ParallelDataset) Name() string { return pd.name }

// ShortName implements train.HasShortName.
func (pd *ParallelDataset) ShortName() string { return pd.shortName }

// Done stops the goroutines and waits for them to finish. The ParallelDataset can't be used afterward.
func (pd *ParallelDataset) Done() {
	impl := pd.impl
	if impl == nil {
		return
	}
	pd.impl = nil
	close(impl.stopDataset)
	<-impl.epochFinished
}

// Reset implements train.Dataset: it stops the current epoch, discards the batches prepared, resets the wrapped
// dataset and starts again.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("ParallelDataset.Reset was called before it was started with ParallelDataset.Start or after ParallelDataset.Done")
		return
	}
	close(impl.stopEpoch)
drainDataset:
	for {
		select {
		case <-impl.epochFinished:
			break drainDataset
		case <-impl.buffer:
			// Discard remaining entries that were in the buffer.
		}
	}
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}
	impl.muErr.Lock()
	impl.err = nil
	impl.muErr.Unlock()
	impl.dataset.Reset()
	impl.startGoRoutines()
}

// Yield implements train.Dataset.
func (pd *ParallelDataset) Yield() (*saint.Batch, error) {
	impl := pd.impl
	if impl == nil {
		return nil, errors.Errorf("ParallelDataset.Yield was called before it was started with ParallelDataset.Start " +
			"or after it was stopped with ParallelDataset.Done")
	}
	select {
	case batch := <-impl.buffer:
		return batch, nil
	case <-impl.epochFinished:
		// No more batches being produced (until Reset() is called), but we still need to exhaust the buffer.
		select {
		case batch := <-impl.buffer:
			return batch, nil
		default:
		}
		if err := impl.getError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}
