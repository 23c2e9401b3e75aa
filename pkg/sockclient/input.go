// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockclient

import (
	"io"
	"iter"
	"log"
	"unicode/utf8"

	"github.com/cogniflight/cmdsock/pkg/sockproto"
)

const DefaultInputChunkSize = 32 * 1024

func NoInput() iter.Seq[sockproto.Payload] {
	return func(yield func(sockproto.Payload) bool) {}
}

func TextInput(chunks ...string) iter.Seq[sockproto.Payload] {
	return func(yield func(sockproto.Payload) bool) {
		for _, s := range chunks {
			if !yield(sockproto.Text(s)) {
				return
			}
		}
	}
}

func BinaryInput(chunks ...[]byte) iter.Seq[sockproto.Payload] {
	return func(yield func(sockproto.Payload) bool) {
		for _, b := range chunks {
			if !yield(sockproto.Binary(b)) {
				return
			}
		}
	}
}

// PayloadOf copies data into a text payload when it is valid UTF-8, a binary one otherwise
func PayloadOf(data []byte) sockproto.Payload {
	if utf8.Valid(data) {
		return sockproto.Text(string(data))
	}
	return sockproto.Binary(append([]byte(nil), data...))
}

// ReaderInput reads r in chunks of up to chunkSize bytes. Valid UTF-8 chunks are sent as text, the rest as binary.
func ReaderInput(r io.Reader, chunkSize int) iter.Seq[sockproto.Payload] {
	if chunkSize <= 0 {
		chunkSize = DefaultInputChunkSize
	}
	return func(yield func(sockproto.Payload) bool) {
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(PayloadOf(buf[:n])) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				log.Printf("[sockclient] input read error: %v\n", err)
				return
			}
		}
	}
}
