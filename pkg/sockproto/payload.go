// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockproto

import (
	"fmt"
	"unicode/utf8"
)

type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadBinary
)

// Payload is a stream chunk. Text and binary chunks stay distinct across the codec.
type Payload struct {
	Kind PayloadKind
	Text string
	Data []byte
}

func Text(s string) Payload {
	return Payload{Kind: PayloadText, Text: s}
}

func Binary(data []byte) Payload {
	return Payload{Kind: PayloadBinary, Data: data}
}

func TextPtr(s string) *Payload {
	p := Text(s)
	return &p
}

func BinaryPtr(data []byte) *Payload {
	p := Binary(data)
	return &p
}

func (p Payload) IsBinary() bool {
	return p.Kind == PayloadBinary
}

func (p Payload) Bytes() []byte {
	if p.Kind == PayloadBinary {
		return p.Data
	}
	return []byte(p.Text)
}

func (p Payload) String() string {
	if p.Kind == PayloadBinary {
		return string(p.Data)
	}
	return p.Text
}

func (p Payload) Len() int {
	if p.Kind == PayloadBinary {
		return len(p.Data)
	}
	return len(p.Text)
}

func (p Payload) Equal(other Payload) bool {
	if p.Kind != other.Kind {
		return false
	}
	if p.Kind == PayloadBinary {
		return string(p.Data) == string(other.Data)
	}
	return p.Text == other.Text
}

// Describe is a short form for debug logs
func (p Payload) Describe() string {
	if p.Kind == PayloadBinary {
		return fmt.Sprintf("bin(%d)", len(p.Data))
	}
	if len(p.Text) > 40 || !utf8.ValidString(p.Text) {
		return fmt.Sprintf("text(%d)", len(p.Text))
	}
	return fmt.Sprintf("%q", p.Text)
}
