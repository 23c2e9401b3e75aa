// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// owns the one shared transport that every session multiplexes over
package sockconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cogniflight/cmdsock/pkg/eventbus"
	"github.com/cogniflight/cmdsock/pkg/panichandler"
	"github.com/cogniflight/cmdsock/pkg/sockcodec"
	"github.com/cogniflight/cmdsock/pkg/sockmetrics"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
	"github.com/cogniflight/cmdsock/pkg/utilds"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	EventOpen    = "open"
	EventClose   = "close"
	EventError   = "error"
	EventMessage = "message"
)

var ErrNotConnected = errors.New("command socket is not connected")

type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
)

// CloseInfo is the data of every EventClose. Err is nil for a client-initiated close.
type CloseInfo struct {
	Err      error
	WasOpen  bool
	ClosedAt time.Time
}

type activeConn struct {
	transport Transport
	writer    *utilds.WorkQueue[[]byte]
	doneCh    chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
}

type Manager struct {
	Lock         *sync.Mutex
	Debug        bool
	DebugName    string
	PingInterval time.Duration
	DialTimeout  time.Duration

	dialer        Dialer
	codec         sockcodec.Codec
	events        *eventbus.Bus
	metrics       *sockmetrics.Metrics
	connGroup     singleflight.Group
	state         ConnState
	conn          *activeConn
	clientCounter atomic.Int64
}

type ManagerOpts struct {
	Codec        sockcodec.Codec
	Metrics      *sockmetrics.Metrics
	PingInterval time.Duration
	DialTimeout  time.Duration
	Debug        bool
	DebugName    string
}

func MakeManager(dialer Dialer, opts ManagerOpts) *Manager {
	codec := opts.Codec
	if codec == nil {
		codec = sockcodec.MakeMsgpackCodec()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultHandshakeTimeout
	}
	debugName := opts.DebugName
	if debugName == "" {
		debugName = "sockconn"
	}
	return &Manager{
		Lock:         &sync.Mutex{},
		Debug:        opts.Debug,
		DebugName:    debugName,
		PingInterval: opts.PingInterval,
		DialTimeout:  dialTimeout,
		dialer:       dialer,
		codec:        codec,
		events:       eventbus.MakeBus(debugName),
		metrics:      opts.Metrics,
		state:        StateIdle,
	}
}

func (m *Manager) Events() *eventbus.Bus {
	return m.events
}

func (m *Manager) Codec() sockcodec.Codec {
	return m.codec
}

func (m *Manager) Metrics() *sockmetrics.Metrics {
	return m.metrics
}

func (m *Manager) State() ConnState {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return m.state
}

func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

func (m *Manager) SetDebug(debug bool) {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	m.Debug = debug
}

func (m *Manager) IsDebug() bool {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return m.Debug
}

// NextClientId returns "<role>-<N>", unique for the lifetime of this manager
func (m *Manager) NextClientId(role string) string {
	return fmt.Sprintf("%s-%d", role, m.clientCounter.Add(1))
}

// Connect opens the transport if needed. Concurrent callers share one dial; ctx only bounds this caller's wait.
func (m *Manager) Connect(ctx context.Context) error {
	if m.IsOpen() {
		return nil
	}
	resCh := m.connGroup.DoChan("connect", func() (any, error) {
		return nil, m.dial()
	})
	select {
	case res := <-resCh:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dial() (rtnErr error) {
	defer func() {
		if panicErr := panichandler.PanicHandler("sockconn:dial", recover()); panicErr != nil {
			rtnErr = panicErr
		}
	}()
	m.Lock.Lock()
	if m.state == StateOpen {
		m.Lock.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.Lock.Unlock()

	dialCtx, cancelFn := context.WithTimeout(context.Background(), m.DialTimeout)
	defer cancelFn()
	transport, err := m.dialer.Dial(dialCtx)
	m.metrics.Dial(err)
	if err != nil {
		m.Lock.Lock()
		m.state = StateIdle
		m.Lock.Unlock()
		log.Printf("[%s] connect failed: %v\n", m.DebugName, err)
		m.events.Emit(EventClose, CloseInfo{Err: err, ClosedAt: time.Now()})
		return fmt.Errorf("cannot connect command socket: %w", err)
	}
	ac := &activeConn{
		transport: transport,
		doneCh:    make(chan struct{}),
	}
	ac.writer = utilds.NewWorkQueue(func(barr []byte) error {
		return m.writeFrame(ac, barr)
	}, func(err error) {
		m.teardown(ac, fmt.Errorf("write failed: %w", err))
	})
	m.Lock.Lock()
	m.conn = ac
	m.state = StateOpen
	m.Lock.Unlock()
	m.metrics.SetOpen(true)
	if m.IsDebug() {
		log.Printf("[%s] transport open\n", m.DebugName)
	}
	m.events.Emit(EventOpen, nil)
	go m.readLoop(ac)
	if m.PingInterval > 0 {
		if cw, ok := transport.(controlWriter); ok {
			go m.pingLoop(ac, cw)
		}
	}
	return nil
}

func (m *Manager) writeFrame(ac *activeConn, barr []byte) error {
	if wd, ok := ac.transport.(writeDeadliner); ok {
		wd.SetWriteDeadline(time.Now().Add(wsWriteWaitTimeout))
	}
	return ac.transport.WriteMessage(websocket.BinaryMessage, barr)
}

func (m *Manager) readLoop(ac *activeConn) {
	defer func() {
		if panicErr := panichandler.PanicHandler("sockconn:readLoop", recover()); panicErr != nil {
			m.teardown(ac, panicErr)
		}
	}()
	for {
		frameType, data, err := ac.transport.ReadMessage()
		if err != nil {
			m.teardown(ac, err)
			return
		}
		if frameType != websocket.BinaryMessage {
			log.Printf("[%s] dropping non-binary frame (type %d, %d bytes)\n", m.DebugName, frameType, len(data))
			continue
		}
		msg, err := m.codec.Decode(data)
		if err != nil {
			m.metrics.DecodeError()
			log.Printf("[%s] %v\n", m.DebugName, err)
			m.events.Emit(EventError, err)
			continue
		}
		m.metrics.FrameReceived(string(msg.MessageType), len(data))
		if m.IsDebug() {
			log.Printf("[%s] recv %s\n", m.DebugName, msg)
		}
		m.events.Emit(EventMessage, msg)
	}
}

func (m *Manager) pingLoop(ac *activeConn, cw controlWriter) {
	defer func() {
		panichandler.PanicHandler("sockconn:pingLoop", recover())
	}()
	ticker := time.NewTicker(m.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ac.doneCh:
			return
		case <-ticker.C:
			err := cw.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWaitTimeout))
			if err != nil {
				m.teardown(ac, fmt.Errorf("ping failed: %w", err))
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, ErrMemClosed)
}

func (m *Manager) teardown(ac *activeConn, err error) {
	ac.closeOnce.Do(func() {
		m.Lock.Lock()
		if m.conn == ac {
			m.conn = nil
			m.state = StateIdle
		}
		m.Lock.Unlock()
		ac.writer.Close(true)
		ac.transport.Close()
		close(ac.doneCh)
		m.metrics.SetOpen(false)
		if ac.closing.Load() {
			err = nil
		}
		if !isNormalClose(err) {
			log.Printf("[%s] transport error: %v\n", m.DebugName, err)
			m.events.Emit(EventError, err)
		} else if m.IsDebug() {
			log.Printf("[%s] transport closed\n", m.DebugName)
		}
		m.events.Emit(EventClose, CloseInfo{Err: err, WasOpen: true, ClosedAt: time.Now()})
	})
}

// Send assigns a message id if missing and queues the frame; frames reach the wire in Send order
func (m *Manager) Send(msg *sockproto.Message) error {
	m.Lock.Lock()
	ac := m.conn
	m.Lock.Unlock()
	if ac == nil {
		return ErrNotConnected
	}
	if msg.MessageId == "" {
		msg.MessageId = sockproto.NewMessageId()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid outbound message: %w", err)
	}
	barr, err := m.codec.Encode(msg)
	if err != nil {
		return err
	}
	if !ac.writer.Enqueue(barr) {
		return ErrNotConnected
	}
	m.metrics.FrameSent(string(msg.MessageType), len(barr))
	if m.IsDebug() {
		log.Printf("[%s] send %s\n", m.DebugName, msg)
	}
	return nil
}

// Close shuts the transport down (normal closure on websockets); a later Connect dials again
func (m *Manager) Close() error {
	m.Lock.Lock()
	ac := m.conn
	m.Lock.Unlock()
	if ac == nil {
		return nil
	}
	ac.closing.Store(true)
	if cw, ok := ac.transport.(controlWriter); ok {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		cw.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteWaitTimeout))
	}
	m.teardown(ac, nil)
	return nil
}

// Done is closed when the current transport goes away, nil when idle
func (m *Manager) Done() <-chan struct{} {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.doneCh
}
