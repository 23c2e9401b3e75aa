// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// named-event pub/sub with snapshot dispatch
package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/cogniflight/cmdsock/pkg/panichandler"
	"github.com/google/uuid"
)

var ErrCanceled = errors.New("event wait canceled")

type ListenerId string

type Handler func(data any)

type singleListener struct {
	Id ListenerId
	Fn Handler
}

// Bus handlers run synchronously on the emitting goroutine and must not block.
type Bus struct {
	Name      string
	Lock      *sync.Mutex
	Listeners map[string][]singleListener
}

func MakeBus(name string) *Bus {
	return &Bus{
		Name:      name,
		Lock:      &sync.Mutex{},
		Listeners: make(map[string][]singleListener),
	}
}

func (b *Bus) On(event string, fn Handler) ListenerId {
	id := ListenerId(uuid.New().String())
	b.register(event, id, fn)
	return id
}

func (b *Bus) register(event string, id ListenerId, fn Handler) {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	b.Listeners[event] = append(b.Listeners[event], singleListener{Id: id, Fn: fn})
}

// Off is a no-op for unknown ids
func (b *Bus) Off(event string, id ListenerId) {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	larr := b.Listeners[event]
	newArr := make([]singleListener, 0, len(larr))
	for _, sl := range larr {
		if sl.Id == id {
			continue
		}
		newArr = append(newArr, sl)
	}
	if len(newArr) == 0 {
		delete(b.Listeners, event)
		return
	}
	b.Listeners[event] = newArr
}

func (b *Bus) ListenerCount(event string) int {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	return len(b.Listeners[event])
}

// returns a copy, handlers added or removed during dispatch do not affect it
func (b *Bus) getListeners(event string) []singleListener {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	larr := b.Listeners[event]
	rtn := make([]singleListener, len(larr))
	copy(rtn, larr)
	return rtn
}

func (b *Bus) Emit(event string, data any) {
	for _, sl := range b.getListeners(event) {
		b.callHandler(event, sl, data)
	}
}

func (b *Bus) callHandler(event string, sl singleListener, data any) {
	defer func() {
		panichandler.PanicHandler("eventbus:"+b.Name+":"+event, recover())
	}()
	sl.Fn(data)
}

// Future is a one-shot wait on an event, armed when Until is called.
type Future struct {
	bus    *Bus
	event  string
	id     ListenerId
	once   sync.Once
	doneCh chan struct{}
	data   any
	err    error
}

// Until registers immediately and resolves on the first emission of event whose data passes pred (nil pred matches all).
func (b *Bus) Until(event string, pred func(data any) bool) *Future {
	f := &Future{
		bus:    b,
		event:  event,
		id:     ListenerId(uuid.New().String()),
		doneCh: make(chan struct{}),
	}
	b.register(event, f.id, func(data any) {
		if pred != nil && !pred(data) {
			return
		}
		f.resolve(data, nil)
	})
	return f
}

func (f *Future) resolve(data any, err error) {
	f.once.Do(func() {
		f.data = data
		f.err = err
		close(f.doneCh)
		f.bus.Off(f.event, f.id)
	})
}

func (f *Future) Done() <-chan struct{} {
	return f.doneCh
}

// Cancel deregisters the future; a pending Wait returns ErrCanceled
func (f *Future) Cancel() {
	f.resolve(nil, ErrCanceled)
}

// Result returns the resolved data, valid after Done is closed
func (f *Future) Result() (any, error) {
	select {
	case <-f.doneCh:
		return f.data, f.err
	default:
		return nil, errors.New("future not resolved")
	}
}

// Wait does not cancel the future when ctx ends, so it can be waited on again
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.doneCh:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
