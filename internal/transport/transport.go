// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport implements a transport-agnostic connection layer:
// byte-oriented, line-capable endpoints over serial, TCP, or
// WebSocket. Serial and TCP read lines through bufio, WebSocket reads
// one message per line, and every variant serializes writes so
// concurrent callers never interleave bytes within a line.
package transport

import (
	"time"

	"grblhost/internal/hosterr"
)

// Kind selects which transport variant to construct.
type Kind string

const (
	KindSerial    Kind = "serial"
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
)

// Transport moves bytes between the protocol engine and one endpoint.
// It never interprets payloads and never buffers partial lines across
// calls beyond what is needed to produce whole lines.
type Transport interface {
	// Connect opens the endpoint or fails with a *hosterr.Error of
	// KindTransport (Timeout, NotFound, PermissionDenied, AlreadyOpen, Io).
	Connect(timeout time.Duration) error
	// Disconnect is idempotent; a second call is a no-op.
	Disconnect() error
	// SendBytes writes atomically with respect to other Send* callers.
	SendBytes(b []byte) error
	// SendLine appends "\n" and writes atomically.
	SendLine(s string) error
	// ReceiveLine blocks until a "\n"-terminated line is read or the
	// timeout elapses, returning the line without its terminator.
	ReceiveLine(timeout time.Duration) (string, error)
	IsConnected() bool
	Description() string
}

// PortInfo describes one discovered serial endpoint.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID, PID     string
	SerialNumber string
}

// Default serial parameters: 115200 baud,
// 8N1, no flow control, 1000ms read timeout.
const (
	DefaultBaudRate        = 115200
	DefaultReadTimeout     = 1000 * time.Millisecond
	DefaultConnectTimeout  = 5 * time.Second
)

func timeoutErr(desc string) error {
	return hosterr.Wrap(hosterr.KindTransport, desc, hosterr.ErrTimeout)
}

func closedErr(desc string) error {
	return hosterr.Wrap(hosterr.KindTransport, desc, hosterr.ErrClosed)
}
