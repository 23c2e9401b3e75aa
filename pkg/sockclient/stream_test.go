// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cogniflight/cmdsock/pkg/sockproto"
)

func collectText(seq iter.Seq[string]) string {
	var sb strings.Builder
	for s := range seq {
		sb.WriteString(s)
	}
	return sb.String()
}

func TestStreamInteractive(t *testing.T) {
	mgr, shell := makeTestClient(t)
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	if sess.ClientId != "stream-1" {
		t.Fatalf("expected client id stream-1, got %s", sess.ClientId)
	}
	h, err := sess.RunCommand(ctx, "upper")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if !h.Running() {
		t.Fatalf("handle not running after RunCommand returned")
	}
	if err := h.InputText("hello "); err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if err := h.Input(sockproto.Text("world")); err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if err := h.InputEOF(); err != nil {
		t.Fatalf("InputEOF failed: %v", err)
	}
	if err := h.InputEOF(); err != nil {
		t.Fatalf("second InputEOF should be a no-op, got %v", err)
	}
	if err := h.InputText("late"); !errors.Is(err, ErrInputClosed) {
		t.Fatalf("expected ErrInputClosed, got %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.ExitCode != 0 || res.Output != "HELLO WORLD" {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := shell.countReceived(sess.ClientId, sockproto.MsgInputEOF); n != 1 {
		t.Fatalf("expected exactly 1 stdin_eof frame, got %d", n)
	}
	if h.Running() {
		t.Fatalf("handle still running after finish")
	}
	if err := h.InputText("x"); err == nil {
		t.Fatalf("expected error sending input to a finished command")
	}
}

func TestStreamOutputReplay(t *testing.T) {
	mgr, shell := makeTestClient(t)
	release := make(chan struct{})
	shell.commands["ticker"] = func(c *fakeCmd) int {
		c.Stdout("one\r\n")
		c.Stdout("two\r\n")
		<-release
		c.Stdout("three\r\n")
		c.Stderr("warn\r\n")
		return 0
	}
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	h, err := sess.RunCommand(ctx, "ticker")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	var wg sync.WaitGroup
	outputs := make([]string, 2)
	for i := range outputs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outputs[idx] = collectText(h.OutputText(ctx))
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	for i, out := range outputs {
		if out != "one\r\ntwo\r\nthree\r\n" {
			t.Fatalf("iterator %d saw %q", i, out)
		}
	}
	// a late subscriber still gets the full replay and then ends
	if out := collectText(h.OutputText(ctx)); out != "one\r\ntwo\r\nthree\r\n" {
		t.Fatalf("late iterator saw %q", out)
	}
	var errText strings.Builder
	for p := range h.Errors(ctx) {
		errText.WriteString(p.String())
	}
	if errText.String() != "warn\r\n" {
		t.Fatalf("unexpected stderr %q", errText.String())
	}
}

func TestStreamEarlyBreak(t *testing.T) {
	mgr, shell := makeTestClient(t)
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	h, err := sess.RunCommand(ctx, "hang")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	for s := range h.OutputText(ctx) {
		if s != "started\r\n" {
			t.Fatalf("unexpected first chunk %q", s)
		}
		break
	}
	if err := h.Interrupt(); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	res, err := h.Result(ctx)
	if err != nil || res.ExitCode != 130 {
		t.Fatalf("unexpected result after interrupt %+v %v", res, err)
	}
	msg := shell.lastReceived(sess.ClientId, sockproto.MsgCommandInterrupt)
	runMsg := shell.lastReceived(sess.ClientId, sockproto.MsgRunCommand)
	if msg == nil || msg.RefId != runMsg.MessageId {
		t.Fatalf("interrupt does not reference the run_command: %#v", msg)
	}
	if err := h.Interrupt(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStreamBinaryOutput(t *testing.T) {
	mgr, shell := makeTestClient(t)
	blob := []byte{0x89, 'P', 'N', 'G', 0x00}
	shell.commands["blob"] = func(c *fakeCmd) int {
		c.StdoutBinary(blob)
		return 0
	}
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	h, err := sess.RunCommand(ctx, "blob")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	var chunks []sockproto.Payload
	for p := range h.Output(ctx) {
		chunks = append(chunks, p)
	}
	if len(chunks) != 1 || !chunks[0].IsBinary() || string(chunks[0].Bytes()) != string(blob) {
		t.Fatalf("binary output not preserved: %#v", chunks)
	}
}

func TestStreamDisconnect(t *testing.T) {
	mgr, shell := makeTestClient(t)
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	h, err := sess.RunCommand(ctx, "hang")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	outDone := make(chan string, 1)
	go func() {
		outDone <- collectText(h.OutputText(ctx))
	}()
	discCh := make(chan struct{}, 1)
	sess.Events().On(EventDisconnected, func(data any) { discCh <- struct{}{} })
	shell.dropConnection()
	select {
	case out := <-outDone:
		if out != "started\r\n" {
			t.Fatalf("unexpected output %q", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("output iterator did not end on disconnect")
	}
	res, err := h.Result(ctx)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if !res.Disconnected || res.ExitCode != ExitDisconnected || res.Error != DisconnectedErrorText {
		t.Fatalf("unexpected disconnect result %+v", res)
	}
	select {
	case <-discCh:
	case <-time.After(time.Second):
		t.Fatalf("no disconnected event")
	}
	if err := h.InputText("x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after disconnect, got %v", err)
	}
}

func TestStreamDocuments(t *testing.T) {
	mgr, shell := makeTestClient(t)
	shell.commands["telemetry"] = func(c *fakeCmd) int {
		c.Stdout("---\r\nalt: 1200\r\nspeed: 90\r\n\r\n---")
		c.Stdout("\r\nalt: 1250\r\nspeed: [\r\n---\r\nalt: 13")
		c.Stdout("00\r\nspeed: 95\r\n")
		return 0
	}
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	h, err := sess.RunCommand(ctx, "telemetry")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	type sample struct {
		Alt   int `yaml:"alt"`
		Speed int `yaml:"speed"`
	}
	var got []sample
	parseErrors := 0
	for doc, err := range h.Documents(ctx) {
		if err != nil {
			parseErrors++
			continue
		}
		var s sample
		if err := doc.Decode(&s); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		got = append(got, s)
	}
	if parseErrors != 1 {
		t.Fatalf("expected 1 parse error, got %d", parseErrors)
	}
	if len(got) != 2 || got[0].Alt != 1200 || got[1].Alt != 1300 || got[1].Speed != 95 {
		t.Fatalf("unexpected documents %+v", got)
	}
}

func TestStreamRunWhileBusy(t *testing.T) {
	mgr, shell := makeTestClient(t)
	sess := MakeStreamSession(mgr, SessionOpts{})
	ctx := testCtx(t)
	first, err := sess.RunCommand(ctx, "hang")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	secondCh := make(chan *CommandHandle, 1)
	go func() {
		h, err := sess.RunCommand(ctx, "echo queued")
		if err != nil {
			t.Errorf("queued RunCommand failed: %v", err)
		}
		secondCh <- h
	}()
	time.Sleep(30 * time.Millisecond)
	if n := shell.countReceived(sess.ClientId, sockproto.MsgRunCommand); n != 1 {
		t.Fatalf("queued command was sent while another was running (%d run_command frames)", n)
	}
	if err := first.Interrupt(); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	second := <-secondCh
	if second == nil {
		t.Fatalf("queued command never started")
	}
	res, err := second.Result(ctx)
	if err != nil || res.Output != "queued\r\n" {
		t.Fatalf("unexpected queued result %+v %v", res, err)
	}
}
