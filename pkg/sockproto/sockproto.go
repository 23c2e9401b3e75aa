// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// wire types for the multiplexed command socket
package sockproto

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type MessageType string

const (
	MsgConnect       MessageType = "connect"
	MsgConnectAck    MessageType = "connect_acknowledged"
	MsgDisconnect    MessageType = "disconnect"
	MsgDisconnectAck MessageType = "disconnect_acknowledged"

	MsgRunCommand       MessageType = "run_command"
	MsgCommandRunning   MessageType = "command_running"
	MsgCommandFinished  MessageType = "command_finished"
	MsgCommandInterrupt MessageType = "command_interrupt"
	MsgSetEnv           MessageType = "set_env"

	MsgOutputStream MessageType = "output_stream"
	MsgErrorStream  MessageType = "error_stream"
	MsgInputStream  MessageType = "input_stream"
	MsgInputEOF     MessageType = "stdin_eof"

	MsgErrResponse MessageType = "err_response"
)

var allMessageTypes = map[MessageType]bool{
	MsgConnect:          true,
	MsgConnectAck:       true,
	MsgDisconnect:       true,
	MsgDisconnectAck:    true,
	MsgRunCommand:       true,
	MsgCommandRunning:   true,
	MsgCommandFinished:  true,
	MsgCommandInterrupt: true,
	MsgSetEnv:           true,
	MsgOutputStream:     true,
	MsgErrorStream:      true,
	MsgInputStream:      true,
	MsgInputEOF:         true,
	MsgErrResponse:      true,
}

func (mt MessageType) Valid() bool {
	return allMessageTypes[mt]
}

// Message is one frame on the socket. Only the fields relevant to MessageType are set.
type Message struct {
	MessageId   string      `msgpack:"message_id,omitempty" json:"message_id,omitempty"`
	RefId       string      `msgpack:"ref_id,omitempty" json:"ref_id,omitempty"`
	MessageType MessageType `msgpack:"message_type" json:"message_type"`
	ClientId    string      `msgpack:"client_id,omitempty" json:"client_id,omitempty"`

	Command       string   `msgpack:"command,omitempty" json:"command,omitempty"`
	OutputStream  *Payload `msgpack:"output_stream,omitempty" json:"output_stream,omitempty"`
	InputStream   *Payload `msgpack:"input_stream,omitempty" json:"input_stream,omitempty"`
	ErrorStream   *Payload `msgpack:"error_stream,omitempty" json:"error_stream,omitempty"`
	CommandResult *int     `msgpack:"command_result,omitempty" json:"command_result,omitempty"`

	SetEnv map[string]string `msgpack:"set_env,omitempty" json:"set_env,omitempty"`

	// session-level failures (unknown client, bad frame), never command output
	Error string `msgpack:"error,omitempty" json:"error,omitempty"`
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%s]", m.MessageType, m.ClientId)
	if m.Command != "" {
		fmt.Fprintf(&sb, " cmd=%q", m.Command)
	}
	if m.CommandResult != nil {
		fmt.Fprintf(&sb, " result=%d", *m.CommandResult)
	}
	if m.Error != "" {
		fmt.Fprintf(&sb, " error=%q", m.Error)
	}
	if m.OutputStream != nil {
		fmt.Fprintf(&sb, " out=%s", m.OutputStream.Describe())
	}
	if m.ErrorStream != nil {
		fmt.Fprintf(&sb, " err=%s", m.ErrorStream.Describe())
	}
	if m.InputStream != nil {
		fmt.Fprintf(&sb, " in=%s", m.InputStream.Describe())
	}
	return sb.String()
}

func (m *Message) Validate() error {
	if m.MessageType == "" {
		return fmt.Errorf("message has no message_type")
	}
	if !m.MessageType.Valid() {
		return fmt.Errorf("unknown message_type %q", m.MessageType)
	}
	// err_response for an unknown client only carries ref_id
	if m.ClientId == "" && m.MessageType != MsgErrResponse {
		return fmt.Errorf("%s message has no client_id", m.MessageType)
	}
	switch m.MessageType {
	case MsgRunCommand:
		if m.Command == "" {
			return fmt.Errorf("run_command message has no command")
		}
	case MsgCommandFinished:
		if m.CommandResult == nil {
			return fmt.Errorf("command_finished message has no command_result")
		}
	}
	return nil
}

func (m *Message) ExitCode() (int, bool) {
	if m.CommandResult == nil {
		return 0, false
	}
	return *m.CommandResult, true
}

// NewMessageId returns a random 20 digit hex string
func NewMessageId() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:10])
}

func MakeMessage(msgType MessageType, clientId string) *Message {
	return &Message{
		MessageId:   NewMessageId(),
		MessageType: msgType,
		ClientId:    clientId,
	}
}

func IntPtr(v int) *int {
	return &v
}
