// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cogniflight/cmdsock/pkg/sockcodec"
	"github.com/cogniflight/cmdsock/pkg/sockconn"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
	"github.com/gorilla/websocket"
)

// fakeCmd is the server side of one running command
type fakeCmd struct {
	shell       *fakeShell
	clientId    string
	args        string
	stdin       chan sockproto.Payload
	interrupted chan struct{}
	eofOnce     sync.Once
	intOnce     sync.Once
}

func (c *fakeCmd) Stdout(s string) {
	msg := sockproto.MakeMessage(sockproto.MsgOutputStream, c.clientId)
	msg.OutputStream = sockproto.TextPtr(s)
	c.shell.write(msg)
}

func (c *fakeCmd) StdoutBinary(b []byte) {
	msg := sockproto.MakeMessage(sockproto.MsgOutputStream, c.clientId)
	msg.OutputStream = sockproto.BinaryPtr(b)
	c.shell.write(msg)
}

func (c *fakeCmd) Stderr(s string) {
	msg := sockproto.MakeMessage(sockproto.MsgErrorStream, c.clientId)
	msg.ErrorStream = sockproto.TextPtr(s)
	c.shell.write(msg)
}

// ReadAll collects stdin until stdin_eof
func (c *fakeCmd) ReadAll() string {
	var sb strings.Builder
	for p := range c.stdin {
		sb.WriteString(p.String())
	}
	return sb.String()
}

type fakeCmdFn func(c *fakeCmd) int

// fakeShell plays the backend: it acknowledges sessions and runs scripted commands
type fakeShell struct {
	t         *testing.T
	transport *sockconn.MemTransport
	codec     sockcodec.Codec
	commands  map[string]fakeCmdFn
	files     map[string]string

	lock       sync.Mutex
	log        []string
	received   []*sockproto.Message
	running    map[string]*fakeCmd
	rejectRuns map[string]string

	// commands preceded by an err_response about an older request
	staleErrors map[string]bool
	writeLock   sync.Mutex
}

func makeTestClient(t *testing.T) (*sockconn.Manager, *fakeShell) {
	t.Helper()
	dialer := sockconn.MakeMemDialer()
	mgr := sockconn.MakeManager(dialer, sockconn.ManagerOpts{})
	shell := &fakeShell{
		t:          t,
		codec:      sockcodec.MakeMsgpackCodec(),
		commands:   make(map[string]fakeCmdFn),
		files:      make(map[string]string),
		running:    make(map[string]*fakeCmd),
		rejectRuns: make(map[string]string),

		staleErrors: make(map[string]bool),
	}
	shell.registerDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		transport, err := dialer.Accept(ctx)
		if err != nil {
			return
		}
		shell.lock.Lock()
		shell.transport = transport
		shell.lock.Unlock()
		shell.readLoop(transport)
	}()
	t.Cleanup(func() {
		mgr.Close()
	})
	return mgr, shell
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (fs *fakeShell) registerDefaults() {
	fs.commands["echo"] = func(c *fakeCmd) int {
		c.Stdout(c.args + "\r\n")
		return 0
	}
	fs.commands["fail"] = func(c *fakeCmd) int {
		c.Stdout("partial")
		c.Stderr("error: something broke\r\n")
		return 2
	}
	fs.commands["upper"] = func(c *fakeCmd) int {
		c.Stdout(strings.ToUpper(c.ReadAll()))
		return 0
	}
	fs.commands["slow"] = func(c *fakeCmd) int {
		time.Sleep(50 * time.Millisecond)
		c.Stdout(c.args)
		return 0
	}
	fs.commands["hang"] = func(c *fakeCmd) int {
		c.Stdout("started\r\n")
		<-c.interrupted
		return 130
	}
	fs.commands["sleepy"] = func(c *fakeCmd) int {
		select {
		case <-c.interrupted:
			c.Stderr("^C\r\n")
			return 130
		case <-time.After(5 * time.Second):
			return 0
		}
	}
	fs.commands["cd"] = func(c *fakeCmd) int {
		return 0
	}
	fs.commands["cat"] = func(c *fakeCmd) int {
		content, ok := fs.getFile(unquoteArg(c.args))
		if !ok {
			c.Stderr(fmt.Sprintf("error: %s: no such file\r\n", c.args))
			return 1
		}
		c.Stdout(content)
		return 0
	}
	fs.commands["tee"] = func(c *fakeCmd) int {
		content := c.ReadAll()
		fs.setFile(unquoteArg(c.args), content)
		c.Stdout(content)
		return 0
	}
}

func unquoteArg(arg string) string {
	return strings.Trim(arg, "'")
}

func (fs *fakeShell) getFile(name string) (string, bool) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	content, ok := fs.files[name]
	return content, ok
}

func (fs *fakeShell) setFile(name string, content string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.files[name] = content
}

func (fs *fakeShell) record(entry string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.log = append(fs.log, entry)
}

func (fs *fakeShell) getLog() []string {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return append([]string(nil), fs.log...)
}

func (fs *fakeShell) countReceived(clientId string, msgType sockproto.MessageType) int {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	count := 0
	for _, msg := range fs.received {
		if msg.ClientId == clientId && msg.MessageType == msgType {
			count++
		}
	}
	return count
}

func (fs *fakeShell) lastReceived(clientId string, msgType sockproto.MessageType) *sockproto.Message {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	for i := len(fs.received) - 1; i >= 0; i-- {
		msg := fs.received[i]
		if msg.ClientId == clientId && msg.MessageType == msgType {
			return msg
		}
	}
	return nil
}

func (fs *fakeShell) write(msg *sockproto.Message) {
	barr, err := fs.codec.Encode(msg)
	if err != nil {
		fs.t.Errorf("fake shell encode failed: %v", err)
		return
	}
	fs.writeLock.Lock()
	defer fs.writeLock.Unlock()
	fs.transport.WriteMessage(websocket.BinaryMessage, barr)
}

func (fs *fakeShell) writeRaw(data []byte) {
	fs.writeLock.Lock()
	defer fs.writeLock.Unlock()
	fs.transport.WriteMessage(websocket.BinaryMessage, data)
}

// dropConnection closes the server end without any protocol goodbye
func (fs *fakeShell) dropConnection() {
	fs.lock.Lock()
	transport := fs.transport
	fs.lock.Unlock()
	if transport != nil {
		transport.Close()
	}
}

func (fs *fakeShell) readLoop(transport *sockconn.MemTransport) {
	for {
		_, data, err := transport.ReadMessage()
		if err != nil {
			return
		}
		msg, err := fs.codec.Decode(data)
		if err != nil {
			fs.t.Errorf("fake shell got bad frame: %v", err)
			continue
		}
		fs.lock.Lock()
		fs.received = append(fs.received, msg)
		fs.lock.Unlock()
		fs.handle(msg)
	}
}

func (fs *fakeShell) reply(req *sockproto.Message, msgType sockproto.MessageType) *sockproto.Message {
	msg := sockproto.MakeMessage(msgType, req.ClientId)
	msg.RefId = req.MessageId
	return msg
}

func (fs *fakeShell) handle(msg *sockproto.Message) {
	switch msg.MessageType {
	case sockproto.MsgConnect:
		fs.write(fs.reply(msg, sockproto.MsgConnectAck))
	case sockproto.MsgDisconnect:
		fs.write(fs.reply(msg, sockproto.MsgDisconnectAck))
	case sockproto.MsgRunCommand:
		fs.startCommand(msg)
	case sockproto.MsgInputStream:
		if cmd := fs.getRunning(msg.ClientId); cmd != nil && msg.InputStream != nil {
			cmd.stdin <- *msg.InputStream
		}
	case sockproto.MsgInputEOF:
		if cmd := fs.getRunning(msg.ClientId); cmd != nil {
			cmd.eofOnce.Do(func() { close(cmd.stdin) })
		}
	case sockproto.MsgCommandInterrupt:
		if cmd := fs.getRunning(msg.ClientId); cmd != nil {
			cmd.intOnce.Do(func() { close(cmd.interrupted) })
		}
	}
}

func (fs *fakeShell) getRunning(clientId string) *fakeCmd {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.running[clientId]
}

// waitRunning blocks until clientId has a command running on the fake shell
func (fs *fakeShell) waitRunning(clientId string) *fakeCmd {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cmd := fs.getRunning(clientId); cmd != nil {
			return cmd
		}
		time.Sleep(2 * time.Millisecond)
	}
	fs.t.Errorf("no command started for %s", clientId)
	return nil
}

// interrupt acts like a server-side ^C on the running command
func (fs *fakeShell) interrupt(clientId string) {
	if cmd := fs.waitRunning(clientId); cmd != nil {
		cmd.intOnce.Do(func() { close(cmd.interrupted) })
	}
}

func (fs *fakeShell) startCommand(msg *sockproto.Message) {
	name, args, _ := strings.Cut(msg.Command, " ")
	fs.lock.Lock()
	rejectText, rejected := fs.rejectRuns[name]
	staleErr := fs.staleErrors[name]
	fn, ok := fs.commands[name]
	fs.lock.Unlock()
	if rejected {
		errMsg := fs.reply(msg, sockproto.MsgErrResponse)
		errMsg.ClientId = ""
		errMsg.Error = rejectText
		fs.write(errMsg)
		return
	}
	fs.record("run:" + msg.Command)
	if env := fs.envUpdate(name, args); env != nil {
		envMsg := sockproto.MakeMessage(sockproto.MsgSetEnv, msg.ClientId)
		envMsg.SetEnv = env
		fs.write(envMsg)
	}
	cmd := &fakeCmd{
		shell:       fs,
		clientId:    msg.ClientId,
		args:        args,
		stdin:       make(chan sockproto.Payload, 100),
		interrupted: make(chan struct{}),
	}
	fs.lock.Lock()
	fs.running[msg.ClientId] = cmd
	fs.lock.Unlock()
	if staleErr {
		errMsg := sockproto.MakeMessage(sockproto.MsgErrResponse, msg.ClientId)
		errMsg.RefId = "00000000000000000000"
		errMsg.Error = "late reply to an earlier request"
		fs.write(errMsg)
	}
	fs.write(fs.reply(msg, sockproto.MsgCommandRunning))
	go func() {
		code := 127
		if ok {
			code = fn(cmd)
		} else {
			cmd.Stderr(fmt.Sprintf("%s: command not found\r\n", name))
		}
		fs.lock.Lock()
		if fs.running[msg.ClientId] == cmd {
			delete(fs.running, msg.ClientId)
		}
		fs.lock.Unlock()
		fs.record("finish:" + msg.Command)
		finished := fs.reply(msg, sockproto.MsgCommandFinished)
		finished.CommandResult = sockproto.IntPtr(code)
		fs.write(finished)
	}()
}

func (fs *fakeShell) envUpdate(name string, args string) map[string]string {
	if name != "cd" {
		return nil
	}
	return map[string]string{"PWD": args}
}
