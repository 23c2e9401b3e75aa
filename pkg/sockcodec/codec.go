// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// binary codecs for sockproto messages
package sockcodec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cogniflight/cmdsock/pkg/sockproto"
)

const DefaultCodecName = "msgpack"

type Codec interface {
	Name() string
	Encode(msg *sockproto.Message) ([]byte, error)
	Decode(data []byte) (*sockproto.Message, error)
}

// DecodeError is returned for frames that could not be turned into a message.
type DecodeError struct {
	Codec    string
	FrameLen int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s frame (%d bytes): %v", e.Codec, e.FrameLen, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var codecs = map[string]func() Codec{
	"msgpack": func() Codec { return MakeMsgpackCodec() },
	"cbor":    func() Codec { return MakeCborCodec() },
}

func ByName(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodecName
	}
	ctor, ok := codecs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (valid: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

func Names() []string {
	var rtn []string
	for name := range codecs {
		rtn = append(rtn, name)
	}
	sort.Strings(rtn)
	return rtn
}

// wireMessage mirrors sockproto.Message with payload fields that know their wire form
type wireMessage struct {
	MessageId   string                `msgpack:"message_id,omitempty" cbor:"message_id,omitempty"`
	RefId       string                `msgpack:"ref_id,omitempty" cbor:"ref_id,omitempty"`
	MessageType sockproto.MessageType `msgpack:"message_type" cbor:"message_type"`
	ClientId    string                `msgpack:"client_id,omitempty" cbor:"client_id,omitempty"`

	Command       string       `msgpack:"command,omitempty" cbor:"command,omitempty"`
	OutputStream  *wirePayload `msgpack:"output_stream,omitempty" cbor:"output_stream,omitempty"`
	InputStream   *wirePayload `msgpack:"input_stream,omitempty" cbor:"input_stream,omitempty"`
	ErrorStream   *wirePayload `msgpack:"error_stream,omitempty" cbor:"error_stream,omitempty"`
	CommandResult *int         `msgpack:"command_result,omitempty" cbor:"command_result,omitempty"`

	SetEnv map[string]string `msgpack:"set_env,omitempty" cbor:"set_env,omitempty"`
	Error  string            `msgpack:"error,omitempty" cbor:"error,omitempty"`
}

type wirePayload sockproto.Payload

func toWire(msg *sockproto.Message) *wireMessage {
	return &wireMessage{
		MessageId:     msg.MessageId,
		RefId:         msg.RefId,
		MessageType:   msg.MessageType,
		ClientId:      msg.ClientId,
		Command:       msg.Command,
		OutputStream:  (*wirePayload)(msg.OutputStream),
		InputStream:   (*wirePayload)(msg.InputStream),
		ErrorStream:   (*wirePayload)(msg.ErrorStream),
		CommandResult: msg.CommandResult,
		SetEnv:        msg.SetEnv,
		Error:         msg.Error,
	}
}

func (wm *wireMessage) toMessage() *sockproto.Message {
	return &sockproto.Message{
		MessageId:     wm.MessageId,
		RefId:         wm.RefId,
		MessageType:   wm.MessageType,
		ClientId:      wm.ClientId,
		Command:       wm.Command,
		OutputStream:  (*sockproto.Payload)(wm.OutputStream),
		InputStream:   (*sockproto.Payload)(wm.InputStream),
		ErrorStream:   (*sockproto.Payload)(wm.ErrorStream),
		CommandResult: wm.CommandResult,
		SetEnv:        wm.SetEnv,
		Error:         wm.Error,
	}
}

func checkDecoded(codecName string, data []byte, wm *wireMessage) (*sockproto.Message, error) {
	if wm.MessageType == "" {
		return nil, &DecodeError{Codec: codecName, FrameLen: len(data), Err: fmt.Errorf("missing message_type")}
	}
	return wm.toMessage(), nil
}
