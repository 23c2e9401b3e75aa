// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// logical sessions multiplexed over one sockconn.Manager
package sockclient

import (
	"context"
	"log"
	"maps"
	"sync"

	"github.com/cogniflight/cmdsock/pkg/eventbus"
	"github.com/cogniflight/cmdsock/pkg/sockconn"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
)

const (
	RoleBatch  = "pipe"
	RoleStream = "stream"
)

// session-scoped events
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventCommandRunning  = "command_running"
	EventCommandFinished = "command_finished"
	EventOutput          = "output_stream"
	EventErrorOutput     = "error_stream"
	EventCommandError    = "command_error"
	EventSetEnv          = "set_env"
	EventError           = "error"
	EventMessage         = "message"
)

// err_response frames for an unknown client carry only ref_id, so recent ids are kept to route them
const sentIdHistory = 64

type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
)

type SessionOpts struct {
	// sent with connect, the server seeds the session environment from it
	InitialEnv map[string]string
}

type mgrListener struct {
	event string
	id    eventbus.ListenerId
}

type session struct {
	Lock     *sync.Mutex
	ClientId string
	Role     string

	mgr         *sockconn.Manager
	events      *eventbus.Bus
	state       SessionState
	connectDone chan struct{}
	connectErr  error
	cmdSlot     chan struct{}
	env         map[string]string
	sentIds     []string
	listeners   []mgrListener
	closed      bool
}

func makeSession(mgr *sockconn.Manager, role string, opts SessionOpts) *session {
	clientId := mgr.NextClientId(role)
	s := &session{
		Lock:     &sync.Mutex{},
		ClientId: clientId,
		Role:     role,
		mgr:      mgr,
		events:   eventbus.MakeBus(clientId),
		state:    StateDisconnected,
		cmdSlot:  make(chan struct{}, 1),
		env:      maps.Clone(opts.InitialEnv),
	}
	if s.env == nil {
		s.env = make(map[string]string)
	}
	mgrEvents := mgr.Events()
	s.listeners = []mgrListener{
		{sockconn.EventMessage, mgrEvents.On(sockconn.EventMessage, s.handleMessage)},
		{sockconn.EventClose, mgrEvents.On(sockconn.EventClose, s.handleTransportClose)},
		{sockconn.EventError, mgrEvents.On(sockconn.EventError, s.handleTransportError)},
	}
	return s
}

func (s *session) Events() *eventbus.Bus {
	return s.events
}

func (s *session) State() SessionState {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.state
}

// Env is the environment most recently reported by the server (plus local SetEnv calls)
func (s *session) Env() map[string]string {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return maps.Clone(s.env)
}

// SetEnv changes a variable locally; it is sent with the next run_command
func (s *session) SetEnv(key string, value string) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	s.env[key] = value
}

func (s *session) logf(format string, args ...any) {
	if s.mgr.IsDebug() {
		log.Printf("[session %s] "+format, append([]any{s.ClientId}, args...)...)
	}
}

func (s *session) send(msg *sockproto.Message) error {
	if msg.MessageId == "" {
		msg.MessageId = sockproto.NewMessageId()
	}
	s.Lock.Lock()
	s.sentIds = append(s.sentIds, msg.MessageId)
	if len(s.sentIds) > sentIdHistory {
		s.sentIds = s.sentIds[len(s.sentIds)-sentIdHistory:]
	}
	s.Lock.Unlock()
	return s.mgr.Send(msg)
}

func (s *session) ownsRef(refId string) bool {
	if refId == "" {
		return false
	}
	s.Lock.Lock()
	defer s.Lock.Unlock()
	for _, id := range s.sentIds {
		if id == refId {
			return true
		}
	}
	return false
}

func (s *session) handleMessage(data any) {
	msg, ok := data.(*sockproto.Message)
	if !ok {
		return
	}
	if msg.ClientId != s.ClientId && !(msg.ClientId == "" && s.ownsRef(msg.RefId)) {
		return
	}
	s.events.Emit(EventMessage, msg)
	switch msg.MessageType {
	case sockproto.MsgConnectAck:
		s.Lock.Lock()
		prev := s.state
		s.state = StateConnected
		s.Lock.Unlock()
		if prev != StateConnected {
			s.mgr.Metrics().SessionConnected(s.Role, 1)
		}
		s.logf("connected\n")
		s.events.Emit(EventConnected, msg)
	case sockproto.MsgDisconnectAck:
		s.markDisconnected(nil)
	case sockproto.MsgCommandRunning:
		s.events.Emit(EventCommandRunning, msg)
	case sockproto.MsgOutputStream:
		if msg.OutputStream != nil {
			s.events.Emit(EventOutput, *msg.OutputStream)
		}
	case sockproto.MsgErrorStream:
		if msg.ErrorStream != nil {
			s.events.Emit(EventErrorOutput, *msg.ErrorStream)
		}
	case sockproto.MsgCommandFinished:
		code, ok := msg.ExitCode()
		if !ok {
			log.Printf("[session %s] command_finished without command_result\n", s.ClientId)
		}
		s.events.Emit(EventCommandFinished, code)
	case sockproto.MsgSetEnv:
		s.Lock.Lock()
		maps.Copy(s.env, msg.SetEnv)
		s.Lock.Unlock()
		s.events.Emit(EventSetEnv, maps.Clone(msg.SetEnv))
	case sockproto.MsgErrResponse:
		remoteErr := &RemoteError{ClientId: s.ClientId, RefId: msg.RefId, Message: msg.Error}
		log.Printf("[session %s] %v\n", s.ClientId, remoteErr)
		s.events.Emit(EventCommandError, remoteErr)
		s.events.Emit(EventError, remoteErr)
	default:
		s.logf("ignoring %s\n", msg.MessageType)
	}
}

func (s *session) handleTransportClose(data any) {
	var closeErr error
	if info, ok := data.(sockconn.CloseInfo); ok {
		closeErr = info.Err
	}
	s.markDisconnected(closeErr)
}

func (s *session) handleTransportError(data any) {
	s.events.Emit(EventError, data)
}

// markDisconnected emits EventDisconnected (data is the transport error or nil) on a state change
func (s *session) markDisconnected(cause error) {
	s.Lock.Lock()
	prev := s.state
	s.state = StateDisconnected
	s.Lock.Unlock()
	if prev == StateDisconnected {
		return
	}
	if prev == StateConnected {
		s.mgr.Metrics().SessionConnected(s.Role, -1)
	}
	s.logf("disconnected (%v)\n", cause)
	s.events.Emit(EventDisconnected, cause)
}

// Connect opens the transport if needed, then registers this session with the server.
// It is a no-op when connected and waits for an in-progress connect.
func (s *session) Connect(ctx context.Context) error {
	if err := s.mgr.Connect(ctx); err != nil {
		return err
	}
	s.Lock.Lock()
	if s.closed {
		s.Lock.Unlock()
		return ErrSessionClosed
	}
	switch s.state {
	case StateConnected:
		s.Lock.Unlock()
		return nil
	case StateConnecting:
		doneCh := s.connectDone
		s.Lock.Unlock()
		select {
		case <-doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.Lock.Lock()
		defer s.Lock.Unlock()
		return s.connectErr
	}
	s.state = StateConnecting
	doneCh := make(chan struct{})
	s.connectDone = doneCh
	env := maps.Clone(s.env)
	s.Lock.Unlock()

	ackFut := s.events.Until(EventConnected, nil)
	discFut := s.events.Until(EventDisconnected, nil)
	defer ackFut.Cancel()
	defer discFut.Cancel()
	msg := sockproto.MakeMessage(sockproto.MsgConnect, s.ClientId)
	if len(env) > 0 {
		msg.SetEnv = env
	}
	err := s.send(msg)
	if err == nil {
		select {
		case <-ackFut.Done():
		case <-discFut.Done():
			err = ErrSessionDisconnected
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.Lock.Lock()
	if err != nil && s.state == StateConnecting {
		s.state = StateDisconnected
	}
	s.connectErr = err
	s.connectDone = nil
	close(doneCh)
	s.Lock.Unlock()
	return err
}

// Disconnect waits for an in-progress connect first. A closed transport counts as disconnected.
func (s *session) Disconnect(ctx context.Context) error {
	s.Lock.Lock()
	state := s.state
	doneCh := s.connectDone
	s.Lock.Unlock()
	switch state {
	case StateDisconnected:
		return nil
	case StateConnecting:
		select {
		case <-doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.Disconnect(ctx)
	}
	discFut := s.events.Until(EventDisconnected, nil)
	defer discFut.Cancel()
	if err := s.send(sockproto.MakeMessage(sockproto.MsgDisconnect, s.ClientId)); err != nil {
		s.markDisconnected(err)
		return nil
	}
	_, err := discFut.Wait(ctx)
	return err
}

// Close disconnects and stops listening to the transport. The session cannot be reused.
func (s *session) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.Lock.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.Lock.Unlock()
	for _, l := range listeners {
		s.mgr.Events().Off(l.event, l.id)
	}
	return err
}

func (s *session) acquireSlot(ctx context.Context) error {
	select {
	case s.cmdSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) releaseSlot() {
	<-s.cmdSlot
}

// startCommand waits its turn, sends run_command and returns once the command is running
func (s *session) startCommand(ctx context.Context, command string) (*CommandHandle, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}
	msg := sockproto.MakeMessage(sockproto.MsgRunCommand, s.ClientId)
	msg.Command = command
	s.Lock.Lock()
	if len(s.env) > 0 {
		msg.SetEnv = maps.Clone(s.env)
	}
	s.Lock.Unlock()
	h := makeCommandHandle(s, command, msg.MessageId)
	// only errors about this run_command (or unattributed ones) abort it
	errFut := s.events.Until(EventCommandError, func(data any) bool {
		remoteErr, ok := data.(*RemoteError)
		return ok && (remoteErr.RefId == "" || remoteErr.RefId == msg.MessageId)
	})
	defer errFut.Cancel()
	s.logf("run %q\n", command)
	if err := s.send(msg); err != nil {
		h.abort()
		return nil, err
	}
	select {
	case <-h.runningCh:
		return h, nil
	case <-h.doneCh:
		if res := h.finalResult(); res.Disconnected {
			return nil, ErrSessionDisconnected
		}
		return h, nil
	case <-errFut.Done():
		data, _ := errFut.Result()
		h.abort()
		if remoteErr, ok := data.(*RemoteError); ok {
			return nil, remoteErr
		}
		return nil, ErrNotRunning
	case <-ctx.Done():
		// the handle keeps listening and frees the slot when the command ends
		return nil, ctx.Err()
	}
}
