// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package utilds

import (
	"context"
	"iter"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// AsyncQueue is an unbounded FIFO between producers that never block and consumers that wait.
// After Close, buffered values still drain, then Next reports no more values.
type AsyncQueue[T any] struct {
	lock     sync.Mutex
	buf      *linkedlistqueue.Queue
	closed   bool
	notifyCh chan struct{}
}

func MakeAsyncQueue[T any]() *AsyncQueue[T] {
	return &AsyncQueue[T]{
		buf:      linkedlistqueue.New(),
		notifyCh: make(chan struct{}),
	}
}

// Push returns false (and drops v) if the queue is closed
func (q *AsyncQueue[T]) Push(v T) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false
	}
	q.buf.Enqueue(v)
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	return true
}

func (q *AsyncQueue[T]) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notifyCh)
}

func (q *AsyncQueue[T]) IsClosed() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.closed
}

func (q *AsyncQueue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.buf.Size()
}

// tryNext returns (value, true, nil) when a value is buffered, otherwise the channel to wait on (nil when closed and drained)
func (q *AsyncQueue[T]) tryNext() (T, bool, chan struct{}) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if val, ok := q.buf.Dequeue(); ok {
		return val.(T), true, nil
	}
	var zero T
	if q.closed {
		return zero, false, nil
	}
	return zero, false, q.notifyCh
}

// Next returns ok=false once the queue is closed and drained. err is only set when ctx ends first.
func (q *AsyncQueue[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		val, ok, waitCh := q.tryNext()
		if ok {
			return val, true, nil
		}
		if waitCh == nil {
			return val, false, nil
		}
		select {
		case <-waitCh:
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

// All yields values until the queue is closed and drained or ctx ends. Each call continues from the current head.
func (q *AsyncQueue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			val, ok, err := q.Next(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(val) {
				return
			}
		}
	}
}
