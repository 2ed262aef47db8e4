// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netengine

import (
	"errors"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

var (
	ErrExecutorClosed = errors.New("executor closed")
	ErrQueueFull      = errors.New("executor queue full")
)

// maxWorkers caps the callback pool regardless of core count.
const maxWorkers = 4

// Executor runs engine callbacks on a small fixed pool of goroutines.
type Executor struct {
	logger  *zap.Logger
	workers int

	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewExecutor starts a pool with the given number of workers. workers <= 0
// sizes the pool to min(logical cores, 4).
func NewExecutor(workers int, logger *zap.Logger) *Executor {
	if workers <= 0 {
		workers = defaultWorkers()
	}
	e := &Executor{
		logger:  logger,
		workers: workers,
		tasks:   make(chan func(), workers*64),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.run(i)
	}
	return e
}

func defaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, maxWorkers))
}

// Workers returns the pool size.
func (e *Executor) Workers() int {
	return e.workers
}

// Submit queues fn. It never blocks: a full queue returns ErrQueueFull.
func (e *Executor) Submit(fn func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.tasks <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Executor) run(id int) {
	defer e.wg.Done()
	for fn := range e.tasks {
		e.exec(id, fn)
	}
}

func (e *Executor) exec(id int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("callback panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	fn()
}
