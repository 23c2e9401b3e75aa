// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const memBufferSize = 256

var ErrMemClosed = errors.New("mem transport closed")

type memFrame struct {
	messageType int
	data        []byte
}

// MemTransport is one end of an in-process frame pipe.
type MemTransport struct {
	inCh      chan memFrame
	closedCh  chan struct{}
	closeOnce sync.Once
	peer      *MemTransport
}

func MemPipe() (*MemTransport, *MemTransport) {
	a := &MemTransport{inCh: make(chan memFrame, memBufferSize), closedCh: make(chan struct{})}
	b := &MemTransport{inCh: make(chan memFrame, memBufferSize), closedCh: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *MemTransport) ReadMessage() (int, []byte, error) {
	select {
	case f := <-t.inCh:
		return f.messageType, f.data, nil
	default:
	}
	select {
	case f := <-t.inCh:
		return f.messageType, f.data, nil
	case <-t.closedCh:
		return 0, nil, ErrMemClosed
	case <-t.peer.closedCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "peer closed"}
	}
}

func (t *MemTransport) WriteMessage(messageType int, data []byte) error {
	if t.IsClosed() || t.peer.IsClosed() {
		return ErrMemClosed
	}
	select {
	case t.peer.inCh <- memFrame{messageType: messageType, data: data}:
		return nil
	case <-t.closedCh:
		return ErrMemClosed
	case <-t.peer.closedCh:
		return ErrMemClosed
	}
}

func (t *MemTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedCh)
	})
	return nil
}

func (t *MemTransport) IsClosed() bool {
	select {
	case <-t.closedCh:
		return true
	default:
		return false
	}
}

// MemDialer hands the client end of a new MemPipe to the manager and the server end to Accept.
type MemDialer struct {
	lock      sync.Mutex
	failErr   error
	dialDelay time.Duration
	dials     atomic.Int64
	serverCh  chan *MemTransport
}

func MakeMemDialer() *MemDialer {
	return &MemDialer{serverCh: make(chan *MemTransport, 16)}
}

func (d *MemDialer) SetFailure(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failErr = err
}

func (d *MemDialer) SetDialDelay(delay time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dialDelay = delay
}

func (d *MemDialer) DialCount() int {
	return int(d.dials.Load())
}

func (d *MemDialer) Dial(ctx context.Context) (Transport, error) {
	d.dials.Add(1)
	d.lock.Lock()
	failErr, delay := d.failErr, d.dialDelay
	d.lock.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	client, server := MemPipe()
	d.serverCh <- server
	return client, nil
}

func (d *MemDialer) Accept(ctx context.Context) (*MemTransport, error) {
	select {
	case server := <-d.serverCh:
		return server, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
