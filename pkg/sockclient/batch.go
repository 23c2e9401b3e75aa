// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"context"
	"iter"

	"github.com/cogniflight/cmdsock/pkg/panichandler"
	"github.com/cogniflight/cmdsock/pkg/sockconn"
	"github.com/cogniflight/cmdsock/pkg/sockproto"
)

// BatchSession runs commands to completion and returns their buffered output.
type BatchSession struct {
	*session
}

func MakeBatchSession(mgr *sockconn.Manager, opts SessionOpts) *BatchSession {
	return &BatchSession{session: makeSession(mgr, RoleBatch, opts)}
}

// RunCommand waits for any running command on this session, runs command with input as stdin
// and returns once command_finished (or a disconnect) arrives. stdin_eof follows the last input
// chunk while the command is still running. If ctx ends first the command keeps its slot until it ends.
func (b *BatchSession) RunCommand(ctx context.Context, command string, input iter.Seq[sockproto.Payload]) (*CommandResult, error) {
	h, err := b.startCommand(ctx, command)
	if err != nil {
		return nil, err
	}
	panichandler.GoSafe("sockclient:feedInput", func() { b.feedInput(h, input) })
	res, err := h.Result(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *BatchSession) feedInput(h *CommandHandle, input iter.Seq[sockproto.Payload]) {
	if input != nil {
		for p := range input {
			if err := h.Input(p); err != nil {
				// the command ended, anything left in input is not ours to send
				return
			}
		}
	}
	h.InputEOF()
}

// Run is RunCommand with no stdin
func (b *BatchSession) Run(ctx context.Context, command string) (*CommandResult, error) {
	return b.RunCommand(ctx, command, nil)
}
