// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs batches of independent tasks (e.g. one per adjacency partition) with a
// bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running in parallel. It is safe for concurrent use.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time:
	// 0 runs everything inline, and a negative value means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a new Pool with the given maxParallelism. If maxParallelism is 0 it
// uses runtime.NumCPU(), and if negative parallelism is unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// Sequential returns a Pool that runs every task inline, in order.
func Sequential() *Pool {
	p := &Pool{}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the limit of tasks running in parallel: 0 means tasks run inline,
// and a negative value means unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with p.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// Go waits until there is a worker available and runs the task in a new goroutine.
// It is up to the caller to synchronize the end of the task.
//
// If parallelism is disabled the task is run inline, and Go returns when it is finished.
func (p *Pool) Go(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	if p.maxParallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	p.mu.Unlock()
	go func() {
		defer p.release()
		task()
	}()
}

func (p *Pool) release() {
	p.mu.Lock()
	p.numRunning--
	p.cond.Signal()
	p.mu.Unlock()
}

// Run calls task(i) for every i in [0, numTasks) and returns when all of them finished.
//
// If a task panics, Run waits for the other tasks and re-panics with the first panic value
// in the calling goroutine.
func (p *Pool) Run(numTasks int, task func(i int)) {
	if numTasks == 1 || p.maxParallelism == 0 {
		for i := range numTasks {
			task(i)
		}
		return
	}
	var (
		wg         sync.WaitGroup
		panicOnce  sync.Once
		panicValue any
		panicked   bool
	)
	wg.Add(numTasks)
	for i := range numTasks {
		p.Go(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() {
						panicValue, panicked = r, true
					})
				}
			}()
			task(i)
		})
	}
	wg.Wait()
	if panicked {
		panic(panicValue)
	}
}
