// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockcodec

import (
	"fmt"

	"github.com/cogniflight/cmdsock/pkg/sockproto"
	"github.com/fxamacker/cbor/v2"
)

// CborCodec encodes with Core Deterministic Encoding so identical messages produce identical frames.
// Text payloads are CBOR text strings, binary payloads are byte strings.
type CborCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

func MakeCborCodec() *CborCodec {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
	return &CborCodec{encMode: encMode, decMode: decMode}
}

func (c *CborCodec) Name() string {
	return "cbor"
}

func (c *CborCodec) Encode(msg *sockproto.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	barr, err := c.encMode.Marshal(toWire(msg))
	if err != nil {
		return nil, fmt.Errorf("cbor encode %s: %w", msg.MessageType, err)
	}
	return barr, nil
}

func (c *CborCodec) Decode(data []byte) (*sockproto.Message, error) {
	var wm wireMessage
	if err := c.decMode.Unmarshal(data, &wm); err != nil {
		return nil, &DecodeError{Codec: "cbor", FrameLen: len(data), Err: err}
	}
	return checkDecoded("cbor", data, &wm)
}

func (wp wirePayload) MarshalCBOR() ([]byte, error) {
	if wp.Kind == sockproto.PayloadBinary {
		data := wp.Data
		if data == nil {
			data = []byte{}
		}
		return cbor.Marshal(data)
	}
	return cbor.Marshal(wp.Text)
}

func (wp *wirePayload) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*wp = wirePayload(sockproto.Text(""))
	case string:
		*wp = wirePayload(sockproto.Text(v))
	case []byte:
		if v == nil {
			v = []byte{}
		}
		*wp = wirePayload(sockproto.Binary(v))
	default:
		return fmt.Errorf("stream payload must be text or byte string, got %T", raw)
	}
	return nil
}
