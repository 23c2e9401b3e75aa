// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"context"

	"github.com/cogniflight/cmdsock/pkg/sockconn"
)

// StreamSession runs commands interactively through a CommandHandle.
type StreamSession struct {
	*session
}

func MakeStreamSession(mgr *sockconn.Manager, opts SessionOpts) *StreamSession {
	return &StreamSession{session: makeSession(mgr, RoleStream, opts)}
}

// RunCommand waits for any running command on this session and returns as soon as the new one is running
func (ss *StreamSession) RunCommand(ctx context.Context, command string) (*CommandHandle, error) {
	return ss.startCommand(ctx, command)
}
