// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package utilds

import "sync"

// WorkQueue runs workFn on a single lazily started worker, in Enqueue order.
// If workFn returns an error the queue closes, pending items are dropped and errFn is called once.
type WorkQueue[T any] struct {
	lock    sync.Mutex
	cond    *sync.Cond
	queue   []T
	closed  bool
	started bool
	err     error
	wg      sync.WaitGroup
	workFn  func(T) error
	errFn   func(error)
}

func NewWorkQueue[T any](workFn func(T) error, errFn func(error)) *WorkQueue[T] {
	wq := &WorkQueue[T]{
		workFn: workFn,
		errFn:  errFn,
	}
	wq.cond = sync.NewCond(&wq.lock)
	return wq
}

func (wq *WorkQueue[T]) Enqueue(item T) bool {
	wq.lock.Lock()
	defer wq.lock.Unlock()
	if wq.closed {
		return false
	}
	if !wq.started {
		wq.started = true
		wq.wg.Add(1)
		go wq.worker()
	}
	wq.queue = append(wq.queue, item)
	wq.cond.Signal()
	return true
}

func (wq *WorkQueue[T]) worker() {
	defer wq.wg.Done()
	for {
		wq.lock.Lock()
		for len(wq.queue) == 0 && !wq.closed {
			wq.cond.Wait()
		}
		if len(wq.queue) == 0 {
			wq.lock.Unlock()
			return
		}
		item := wq.queue[0]
		var zero T
		wq.queue[0] = zero
		wq.queue = wq.queue[1:]
		wq.lock.Unlock()

		if err := wq.workFn(item); err != nil {
			wq.fail(err)
			return
		}
	}
}

func (wq *WorkQueue[T]) fail(err error) {
	wq.lock.Lock()
	wq.closed = true
	wq.queue = nil
	wq.err = err
	wq.cond.Broadcast()
	wq.lock.Unlock()
	if wq.errFn != nil {
		wq.errFn(err)
	}
}

// Close stops accepting items. With immediate, queued items are dropped; otherwise the worker drains them first.
func (wq *WorkQueue[T]) Close(immediate bool) {
	wq.lock.Lock()
	wq.closed = true
	if immediate {
		wq.queue = nil
	}
	wq.cond.Broadcast()
	wq.lock.Unlock()
}

func (wq *WorkQueue[T]) Len() int {
	wq.lock.Lock()
	defer wq.lock.Unlock()
	return len(wq.queue)
}

func (wq *WorkQueue[T]) Err() error {
	wq.lock.Lock()
	defer wq.lock.Unlock()
	return wq.err
}

func (wq *WorkQueue[T]) Wait() {
	wq.wg.Wait()
}
