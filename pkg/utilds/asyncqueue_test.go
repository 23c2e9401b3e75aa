// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package utilds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAsyncQueue_BufferedFIFO(t *testing.T) {
	q := MakeAsyncQueue[int]()
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	q.Close()
	var got []int
	for v := range q.All(context.Background()) {
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 items, got %v", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestAsyncQueue_WaitingConsumer(t *testing.T) {
	q := MakeAsyncQueue[string]()
	resultCh := make(chan string, 1)
	go func() {
		v, ok, err := q.Next(context.Background())
		if err != nil || !ok {
			resultCh <- "error"
			return
		}
		resultCh <- v
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push("hello")
	select {
	case v := <-resultCh:
		if v != "hello" {
			t.Fatalf("expected hello, got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer never woke up")
	}
}

func TestAsyncQueue_CloseEmpty(t *testing.T) {
	q := MakeAsyncQueue[int]()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := q.Next(context.Background())
			if ok || err != nil {
				t.Errorf("expected end of queue, got ok=%v err=%v", ok, err)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pending consumers not released by Close")
	}
	if q.Push(1) {
		t.Fatalf("push after close should be rejected")
	}
	if _, ok, _ := q.Next(context.Background()); ok {
		t.Fatalf("push after close was delivered")
	}
}

func TestAsyncQueue_ContextCancel(t *testing.T) {
	q := MakeAsyncQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok, err := q.Next(ctx)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got ok=%v err=%v", ok, err)
	}
	q.Push(7)
	v, ok, err := q.Next(context.Background())
	if !ok || err != nil || v != 7 {
		t.Fatalf("queue unusable after canceled wait: %v %v %v", v, ok, err)
	}
}

func TestAsyncQueue_AllRestartable(t *testing.T) {
	q := MakeAsyncQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	for v := range q.All(context.Background()) {
		if v != 1 {
			t.Fatalf("expected 1, got %d", v)
		}
		break
	}
	q.Close()
	var rest []int
	for v := range q.All(context.Background()) {
		rest = append(rest, v)
	}
	if len(rest) != 2 || rest[0] != 2 || rest[1] != 3 {
		t.Fatalf("expected [2 3], got %v", rest)
	}
}

func TestWorkQueue_OrderAndError(t *testing.T) {
	var lock sync.Mutex
	var seen []int
	errCh := make(chan error, 1)
	wq := NewWorkQueue(func(v int) error {
		lock.Lock()
		defer lock.Unlock()
		if v == 4 {
			return errors.New("write failed")
		}
		seen = append(seen, v)
		return nil
	}, func(err error) { errCh <- err })
	for i := 1; i <= 6; i++ {
		wq.Enqueue(i)
	}
	select {
	case err := <-errCh:
		if err.Error() != "write failed" {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("error callback not called")
	}
	wq.Wait()
	if wq.Enqueue(7) {
		t.Fatalf("enqueue after failure should be rejected")
	}
	lock.Lock()
	defer lock.Unlock()
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("unexpected processed items %v", seen)
	}
	if wq.Err() == nil {
		t.Fatalf("Err should report the failure")
	}
}

func TestWorkQueue_CloseDrains(t *testing.T) {
	var count int
	wq := NewWorkQueue(func(v int) error {
		count++
		return nil
	}, nil)
	for i := 0; i < 10; i++ {
		wq.Enqueue(i)
	}
	wq.Close(false)
	wq.Wait()
	if count != 10 {
		t.Fatalf("expected 10 items processed, got %d", count)
	}
}
