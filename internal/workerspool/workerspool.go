// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs host-side jobs (volume filtering, deconvolution, file writing) on a
// bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool limits the number of jobs running in parallel.
type Pool struct {
	// maxParallelism is the limit of jobs running in parallel.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool running at most maxParallelism jobs at a time.
// If maxParallelism is 0 jobs are run inline, and if it is negative parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the limit of jobs running in parallel: 0 if disabled, -1 if unlimited.
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

// WaitToStart waits until there is a worker available and runs the task in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// Run calls fn(i) for i in [0, n) on the pool and waits for all of them. It returns the error of
// the lowest index that failed, or nil.
func (p *Pool) Run(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for ii := range n {
		wg.Add(1)
		p.WaitToStart(func() {
			defer wg.Done()
			errs[ii] = fn(ii)
		})
	}
	wg.Wait()
	for ii, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "job #%d of %d", ii, n)
		}
	}
	return nil
}
