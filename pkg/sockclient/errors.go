// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"errors"
	"fmt"
	"strings"
)

// exit code reported when the session goes away before command_finished
const ExitDisconnected = -1

const DisconnectedErrorText = "session disconnected while command was running"

var (
	ErrNotRunning          = errors.New("command is not running")
	ErrInputClosed         = errors.New("stdin already closed (stdin_eof sent)")
	ErrSessionDisconnected = errors.New("session disconnected")
	ErrSessionClosed       = errors.New("session closed")
)

// RemoteError is an err_response from the server. It is a session-level failure, not a command exit.
type RemoteError struct {
	ClientId string
	RefId    string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error for %s: %s", e.ClientId, e.Message)
}

// CommandError is returned by command compositions when the command exits non-zero
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if e.ExitCode == ExitDisconnected {
		return fmt.Sprintf("%q: %s", e.Command, DisconnectedErrorText)
	}
	if stderr == "" {
		return fmt.Sprintf("%q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%q exited with code %d: %s", e.Command, e.ExitCode, stderr)
}
