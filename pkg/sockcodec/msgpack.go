// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockcodec

import (
	"fmt"

	"github.com/cogniflight/cmdsock/pkg/sockproto"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MsgpackCodec is the backend's native encoding. Text payloads are msgpack str, binary payloads are bin.
type MsgpackCodec struct{}

func MakeMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

func (MsgpackCodec) Name() string {
	return "msgpack"
}

func (MsgpackCodec) Encode(msg *sockproto.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	barr, err := msgpack.Marshal(toWire(msg))
	if err != nil {
		return nil, fmt.Errorf("msgpack encode %s: %w", msg.MessageType, err)
	}
	return barr, nil
}

func (MsgpackCodec) Decode(data []byte) (*sockproto.Message, error) {
	var wm wireMessage
	if err := msgpack.Unmarshal(data, &wm); err != nil {
		return nil, &DecodeError{Codec: "msgpack", FrameLen: len(data), Err: err}
	}
	return checkDecoded("msgpack", data, &wm)
}

func (wp *wirePayload) EncodeMsgpack(enc *msgpack.Encoder) error {
	if wp.Kind == sockproto.PayloadBinary {
		data := wp.Data
		// a nil slice would encode as msgpack nil and decode as an absent payload
		if data == nil {
			data = []byte{}
		}
		return enc.EncodeBytes(data)
	}
	return enc.EncodeString(wp.Text)
}

func (wp *wirePayload) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	switch {
	case code == msgpcode.Nil:
		*wp = wirePayload(sockproto.Text(""))
		return dec.DecodeNil()
	case msgpcode.IsBin(code):
		data, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		if data == nil {
			data = []byte{}
		}
		*wp = wirePayload(sockproto.Binary(data))
		return nil
	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*wp = wirePayload(sockproto.Text(s))
		return nil
	}
	return fmt.Errorf("stream payload must be str or bin, got code 0x%x", code)
}
