// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the pool of goroutines used to run the outer loop of CPU
// kernels in parallel.
//
// A Pool is shared by every kernel of a backend: kernels executed concurrently compete for the
// same goroutines, so the total stays bounded no matter how many Execute calls are in flight.
package workerspool

import (
	"runtime"
	"sync"
)

// chunksPerWorker bounds the goroutines running at once to chunksPerWorker*MaxParallelism,
// letting chunks of one kernel start while another kernel's chunks finish.
const chunksPerWorker = 2

// Pool splits ranges of iterations among goroutines.
type Pool struct {
	maxParallelism int

	mu      sync.Mutex
	cond    sync.Cond // Signaled whenever a chunk finishes.
	running int
}

// New returns a Pool with one worker per CPU.
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsEnabled returns whether ranges are split at all: false means everything runs inline.
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// IsUnlimited returns whether chunks start without waiting for running ones.
func (p *Pool) IsUnlimited() bool {
	return p.maxParallelism < 0
}

// MaxParallelism is the number of workers: 0 disables parallelism and -1 removes the limit.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism changes the number of workers. It must be called before the first Split.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// NumWorkers is the maximum number of chunks Split uses.
func (p *Pool) NumWorkers() int {
	switch {
	case p.maxParallelism == 0:
		return 1
	case p.maxParallelism < 0:
		return runtime.NumCPU()
	default:
		return p.maxParallelism
	}
}

// start runs task in a new goroutine once the pool has room for it.
func (p *Pool) start(task func()) {
	if p.IsUnlimited() {
		go task()
		return
	}
	p.mu.Lock()
	for p.running >= chunksPerWorker*p.maxParallelism {
		p.cond.Wait()
	}
	p.running++
	p.mu.Unlock()
	go func() {
		defer func() {
			p.mu.Lock()
			p.running--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// Split partitions the range [0, n) into at most NumWorkers() contiguous chunks, runs
// task(worker, start, end) for each of them in parallel, and waits for all to finish.
//
// Chunk i covers iterations before those of chunk i+1 and is run with worker=i, so callers can
// keep per-worker state in a slice and merge it in order. Chunks hold at least minChunk iterations,
// except the last one. It returns the number of chunks used.
func (p *Pool) Split(n, minChunk int, task func(worker, start, end int)) (numChunks int) {
	if n <= 0 {
		return 0
	}
	minChunk = max(minChunk, 1)
	numChunks = min(p.NumWorkers(), (n+minChunk-1)/minChunk)
	if numChunks <= 1 {
		task(0, 0, n)
		return 1
	}
	chunkSize := (n + numChunks - 1) / numChunks
	numChunks = (n + chunkSize - 1) / chunkSize
	var wg sync.WaitGroup
	wg.Add(numChunks)
	for worker := range numChunks {
		start := worker * chunkSize
		end := min(start+chunkSize, n)
		p.start(func() {
			defer wg.Done()
			task(worker, start, end)
		})
	}
	wg.Wait()
	return numChunks
}
