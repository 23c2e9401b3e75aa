// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// splits a CRLF text stream into "---" delimited YAML documents
package docstream

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	Delimiter     = "\r\n---\r\n"
	leadDelimiter = "---\r\n"
	tailDelimiter = "\r\n---"
)

type Document struct {
	Index int
	Raw   string
	Value any
}

type ParseError struct {
	Index int
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("document %d: invalid yaml: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Decode maps the parsed value into out using its yaml tags
func (d Document) Decode(out any) error {
	return DecodeValue(d.Value, out)
}

func DecodeValue(value any, out any) error {
	dconfig := &mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
	}
	decoder, err := mapstructure.NewDecoder(dconfig)
	if err != nil {
		return err
	}
	return decoder.Decode(value)
}

// Splitter buffers partial input between Feed calls. Segments are returned in stream order.
type Splitter struct {
	buf   string
	count int
}

// Feed returns the complete non-blank segments that chunk finished
func (s *Splitter) Feed(chunk string) []string {
	s.buf += chunk
	var rtn []string
	for {
		var seg string
		if strings.HasPrefix(s.buf, leadDelimiter) {
			s.buf = s.buf[len(leadDelimiter):]
		} else if idx := strings.Index(s.buf, Delimiter); idx >= 0 {
			seg = s.buf[:idx]
			s.buf = s.buf[idx+len(Delimiter):]
		} else {
			break
		}
		if strings.TrimSpace(seg) != "" {
			rtn = append(rtn, seg)
		}
	}
	return rtn
}

// Finish returns the buffered remainder if it holds a document
func (s *Splitter) Finish() (string, bool) {
	rest := s.buf
	s.buf = ""
	if rest == "---" {
		return "", false
	}
	rest = strings.TrimSuffix(rest, tailDelimiter)
	if strings.TrimSpace(rest) == "" {
		return "", false
	}
	return rest, true
}

// Buffered is the number of bytes held back waiting for a delimiter
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

func (s *Splitter) parse(raw string) (Document, error) {
	doc := Document{Index: s.count, Raw: raw}
	s.count++
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return doc, &ParseError{Index: doc.Index, Raw: raw, Err: err}
	}
	doc.Value = value
	return doc, nil
}

// Documents yields each parsed document from chunks in order. A document that fails to parse
// yields a *ParseError and splitting continues. The trailing partial document is yielded when chunks ends.
func Documents(ctx context.Context, chunks iter.Seq[string]) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		var s Splitter
		for chunk := range chunks {
			for _, seg := range s.Feed(chunk) {
				if !yield(s.parse(seg)) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		if rest, ok := s.Finish(); ok {
			yield(s.parse(rest))
		}
	}
}

func SplitAll(text string) ([]Document, error) {
	var docs []Document
	var firstErr error
	for doc, err := range Documents(context.Background(), func(yield func(string) bool) { yield(text) }) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		docs = append(docs, doc)
	}
	return docs, firstErr
}

// MarshalCRLF renders v as YAML with CRLF line endings
func MarshalCRLF(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n")), nil
}

// UnmarshalText parses a single YAML document, tolerating CRLF line endings
func UnmarshalText(text string, out any) error {
	return yaml.Unmarshal([]byte(text), out)
}
