// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the parallelism of the data-parallel kernel
// loops used by the interpreter backends. Transformation itself is
// sequential; only kernel execution fans out through a Pool.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits how many kernel chunks run concurrently.
// The zero value is not usable, create one with New.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work.
	// 0 disables parallelism (everything runs inline), < 0 is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // signaled whenever numRunning decreases
	numRunning int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled reports whether parallelism is enabled.
func (w *Pool) IsEnabled() bool { return w.maxParallelism != 0 }

// MaxParallelism returns the soft parallelism target.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// SetMaxParallelism changes the limit: 0 disables parallelism, negative
// means unlimited. Only change it while no workers are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull reports whether all workers are in use. Callers hold w.mu.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	}
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart blocks until a worker is available and then runs the task on
// it. With parallelism disabled the task runs inline.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		go task()
		return
	}
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// minChunk is the smallest slice of elements worth sending to a worker;
// below it the scheduling overhead dominates.
const minChunk = 1024

// ParallelFor splits [0, n) into chunks and runs fn over them on the pool,
// returning after all chunks completed. Small ranges run inline.
func (w *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if !w.IsEnabled() || n <= minChunk {
		fn(0, n)
		return
	}
	numChunks := (n + minChunk - 1) / minChunk
	if max := w.maxParallelism; max > 0 && numChunks > max {
		numChunks = max
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			fn(start, end)
		})
	}
	wg.Wait()
}
