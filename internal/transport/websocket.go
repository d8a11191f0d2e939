// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grblhost/internal/hosterr"
)

// WebSocketTransport bridges a GRBL device's telnet-over-websocket (or
// a WiFi/ESP32 bridge's) endpoint. One text frame is treated as one
// line; the line discipline mirrors SerialTransport/TCPTransport so
// the protocol engine above never needs to know which variant it has.
type WebSocketTransport struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewWebSocket(url string) *WebSocketTransport {
	return &WebSocketTransport{url: url}
}

func (t *WebSocketTransport) Connect(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return hosterr.Wrap(hosterr.KindTransport, "websocket already open", hosterr.ErrAlreadyOpen)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, timeout)
		},
	}
	conn, _, err := dialer.Dial(t.url, nil)
	if err != nil {
		return hosterr.Wrap(hosterr.KindTransport, fmt.Sprintf("dial %s", t.url), err)
	}

	t.conn = conn
	t.connected = true
	return nil
}

func (t *WebSocketTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	err := t.conn.Close()
	t.connected = false
	t.conn = nil
	if err != nil {
		return hosterr.Wrap(hosterr.KindTransport, "close websocket", err)
	}
	return nil
}

func (t *WebSocketTransport) SendBytes(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return closedErr("send on disconnected websocket transport")
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return hosterr.Wrap(hosterr.KindTransport, "websocket write", err)
	}
	return nil
}

// SendLine writes a text frame containing the line. Unlike the
// byte-oriented transports the trailing "\n" is not meaningful framing
// over websocket (each frame is already a discrete message), but it is
// still appended so the wire format stays consistent with what the
// real-time byte channel and the other transports produce.
func (t *WebSocketTransport) SendLine(s string) error {
	return t.SendBytes(append([]byte(s), '\n'))
}

func (t *WebSocketTransport) ReceiveLine(timeout time.Duration) (string, error) {
	t.mu.Lock()
	conn, connected := t.conn, t.connected
	t.mu.Unlock()
	if !connected {
		return "", closedErr("receive on disconnected websocket transport")
	}

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", hosterr.Wrap(hosterr.KindTransport, "set read deadline", err)
		}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", timeoutErr("websocket read")
		}
		return "", hosterr.Wrap(hosterr.KindTransport, "websocket read", err)
	}
	return cleanLine(data), nil
}

func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebSocketTransport) Description() string {
	return fmt.Sprintf("websocket:%s", t.url)
}
