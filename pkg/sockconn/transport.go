// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultSocketPath       = "/cmd-socket"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 10 * time.Second
	wsWriteWaitTimeout      = 10 * time.Second
	wsReadBufferSize        = 32 * 1024
	wsWriteBufferSize       = 32 * 1024
)

// Transport is the subset of *websocket.Conn the manager uses. Frame types are websocket.BinaryMessage etc.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type WebsocketDialer struct {
	Url              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, resp, err := dialer.DialContext(ctx, d.Url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (%s): %w", d.Url, resp.Status, err)
		}
		return nil, fmt.Errorf("cannot dial %s: %w", d.Url, err)
	}
	return conn, nil
}

// NormalizeSocketUrl accepts ws(s)://, http(s):// or a bare host[:port] and returns a websocket url.
// A url without a path gets DefaultSocketPath.
func NormalizeSocketUrl(rawUrl string) (string, error) {
	rawUrl = strings.TrimSpace(rawUrl)
	if rawUrl == "" {
		return "", fmt.Errorf("empty socket url")
	}
	if !strings.Contains(rawUrl, "://") {
		rawUrl = "ws://" + rawUrl
	}
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", fmt.Errorf("invalid socket url %q: %w", rawUrl, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid socket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socket url %q has no host", rawUrl)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultSocketPath
	}
	return u.String(), nil
}

// SessionHeader builds the handshake header carrying the session cookie
func SessionHeader(sessId string, extra map[string]string) http.Header {
	header := http.Header{}
	if sessId != "" {
		header.Set("Cookie", (&http.Cookie{Name: "sessid", Value: sessId}).String())
	}
	for k, v := range extra {
		header.Set(k, v)
	}
	return header
}
