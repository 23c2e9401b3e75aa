// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/cogniflight/cmdsock/pkg/docstream"
	"github.com/cogniflight/cmdsock/pkg/eventbus"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
	"github.com/cogniflight/cmdsock/pkg/utilds"
)

type CommandResult struct {
	Command      string
	ExitCode     int
	Output       string
	Error        string
	Disconnected bool
	Duration     time.Duration
}

func (r CommandResult) Success() bool {
	return r.ExitCode == 0 && !r.Disconnected
}

type payloadStream struct {
	buf  []sockproto.Payload
	subs []*utilds.AsyncQueue[sockproto.Payload]
}

func (ps *payloadStream) text() string {
	var sb strings.Builder
	for _, p := range ps.buf {
		sb.WriteString(p.String())
	}
	return sb.String()
}

// CommandHandle is a live view of one command. It is owned by the session that started it
// and stops receiving anything once the command finishes or the session disconnects.
type CommandHandle struct {
	Command  string
	ClientId string

	lock      sync.Mutex
	sess      *session
	runMsgId  string
	started   time.Time
	running   bool
	finished  bool
	eofSent   bool
	output    payloadStream
	errOutput payloadStream
	result    CommandResult
	runningCh chan struct{}
	doneCh    chan struct{}
	listeners []mgrListener
}

func makeCommandHandle(s *session, command string, runMsgId string) *CommandHandle {
	h := &CommandHandle{
		Command:   command,
		ClientId:  s.ClientId,
		sess:      s,
		runMsgId:  runMsgId,
		started:   time.Now(),
		runningCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	on := func(event string, fn eventbus.Handler) mgrListener {
		return mgrListener{event: event, id: s.events.On(event, fn)}
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.listeners = []mgrListener{
		on(EventCommandRunning, h.handleRunning),
		on(EventOutput, func(data any) { h.appendPayload(&h.output, data) }),
		on(EventErrorOutput, func(data any) { h.appendPayload(&h.errOutput, data) }),
		on(EventCommandFinished, h.handleFinished),
		on(EventDisconnected, h.handleDisconnected),
	}
	return h
}

func (h *CommandHandle) handleRunning(data any) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.running || h.finished {
		return
	}
	h.running = true
	close(h.runningCh)
}

func (h *CommandHandle) appendPayload(ps *payloadStream, data any) {
	p, ok := data.(sockproto.Payload)
	if !ok {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.finished {
		return
	}
	ps.buf = append(ps.buf, p)
	for _, q := range ps.subs {
		q.Push(p)
	}
}

func (h *CommandHandle) handleFinished(data any) {
	code, _ := data.(int)
	h.finish(CommandResult{ExitCode: code})
}

func (h *CommandHandle) handleDisconnected(data any) {
	h.finish(CommandResult{ExitCode: ExitDisconnected, Disconnected: true})
}

// abort ends a command that never started
func (h *CommandHandle) abort() {
	h.finish(CommandResult{ExitCode: ExitDisconnected, Disconnected: true})
}

func (h *CommandHandle) finish(res CommandResult) {
	h.lock.Lock()
	if h.finished {
		h.lock.Unlock()
		return
	}
	h.finished = true
	h.running = false
	res.Command = h.Command
	res.Duration = time.Since(h.started)
	res.Output = h.output.text()
	res.Error = h.errOutput.text()
	if res.Disconnected {
		res.Error = DisconnectedErrorText
	}
	h.result = res
	for _, q := range h.output.subs {
		q.Close()
	}
	for _, q := range h.errOutput.subs {
		q.Close()
	}
	h.output.subs = nil
	h.errOutput.subs = nil
	listeners := h.listeners
	h.listeners = nil
	close(h.doneCh)
	h.lock.Unlock()

	for _, l := range listeners {
		h.sess.events.Off(l.event, l.id)
	}
	outcome := "ok"
	if res.Disconnected {
		outcome = "disconnected"
	} else if res.ExitCode != 0 {
		outcome = "failed"
	}
	h.sess.mgr.Metrics().CommandDone(h.sess.Role, outcome, res.Duration.Seconds())
	h.sess.logf("%q finished: %s (exit %d)\n", h.Command, outcome, res.ExitCode)
	h.sess.releaseSlot()
}

func (h *CommandHandle) finalResult() CommandResult {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.result
}

func (h *CommandHandle) Running() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.running
}

// Done is closed when the command finishes or the session disconnects
func (h *CommandHandle) Done() <-chan struct{} {
	return h.doneCh
}

// Input sends one stdin chunk. Calls are put on the wire in call order.
func (h *CommandHandle) Input(p sockproto.Payload) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.eofSent {
		return ErrInputClosed
	}
	if !h.running {
		return ErrNotRunning
	}
	msg := sockproto.MakeMessage(sockproto.MsgInputStream, h.ClientId)
	msg.InputStream = &p
	return h.sess.send(msg)
}

func (h *CommandHandle) InputText(s string) error {
	return h.Input(sockproto.Text(s))
}

// InputEOF sends stdin_eof once; later calls return nil without sending
func (h *CommandHandle) InputEOF() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.eofSent {
		return nil
	}
	if !h.running {
		return ErrNotRunning
	}
	if err := h.sess.send(sockproto.MakeMessage(sockproto.MsgInputEOF, h.ClientId)); err != nil {
		return err
	}
	h.eofSent = true
	return nil
}

// Interrupt asks the server to stop the command; it ends through command_finished as usual
func (h *CommandHandle) Interrupt() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.running {
		return ErrNotRunning
	}
	msg := sockproto.MakeMessage(sockproto.MsgCommandInterrupt, h.ClientId)
	msg.RefId = h.runMsgId
	return h.sess.send(msg)
}

func (h *CommandHandle) stream(ctx context.Context, ps *payloadStream) iter.Seq[sockproto.Payload] {
	return func(yield func(sockproto.Payload) bool) {
		q := utilds.MakeAsyncQueue[sockproto.Payload]()
		h.lock.Lock()
		for _, p := range ps.buf {
			q.Push(p)
		}
		if h.finished {
			q.Close()
		} else {
			ps.subs = append(ps.subs, q)
		}
		h.lock.Unlock()
		defer h.unsubscribe(ps, q)
		for p := range q.All(ctx) {
			if !yield(p) {
				return
			}
		}
	}
}

func (h *CommandHandle) unsubscribe(ps *payloadStream, q *utilds.AsyncQueue[sockproto.Payload]) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for i, sub := range ps.subs {
		if sub == q {
			ps.subs = append(ps.subs[:i], ps.subs[i+1:]...)
			break
		}
	}
	q.Close()
}

// Output replays every stdout chunk received so far, then follows live output until the command ends.
// Each call (and each range over the result) starts its own replay.
func (h *CommandHandle) Output(ctx context.Context) iter.Seq[sockproto.Payload] {
	return h.stream(ctx, &h.output)
}

// Errors is Output for stderr
func (h *CommandHandle) Errors(ctx context.Context) iter.Seq[sockproto.Payload] {
	return h.stream(ctx, &h.errOutput)
}

func (h *CommandHandle) OutputText(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for p := range h.Output(ctx) {
			if !yield(p.String()) {
				return
			}
		}
	}
}

// Documents reads stdout as "---" separated YAML documents
func (h *CommandHandle) Documents(ctx context.Context) iter.Seq2[docstream.Document, error] {
	return docstream.Documents(ctx, h.OutputText(ctx))
}

// Result waits for the command to end. A disconnect yields ExitDisconnected with Disconnected set.
func (h *CommandHandle) Result(ctx context.Context) (CommandResult, error) {
	select {
	case <-h.doneCh:
		return h.finalResult(), nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}
