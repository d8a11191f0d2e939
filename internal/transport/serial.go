// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"
	"time"
	"unicode"

	"go.bug.st/serial"

	"grblhost/internal/hosterr"
)

// SerialTransport is an RS-232/USB serial endpoint: a bufio.Reader
// over the port and a write mutex so the streamer, the real-time
// sender and the status poller never interleave bytes within one
// line or byte.
type SerialTransport struct {
	portName string
	baud     int

	mu        sync.Mutex
	port      serial.Port
	reader    *bufio.Reader
	connected bool
}

func NewSerial(portName string, baud int) *SerialTransport {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialTransport{portName: portName, baud: baud}
}

func (t *SerialTransport) Connect(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return hosterr.Wrap(hosterr.KindTransport, "serial already open", hosterr.ErrAlreadyOpen)
	}

	mode := &serial.Mode{BaudRate: t.baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(t.portName, mode)
	if err != nil {
		return hosterr.Wrap(hosterr.KindTransport, fmt.Sprintf("open %s", t.portName), err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return hosterr.Wrap(hosterr.KindTransport, "set read timeout", err)
	}

	t.port = port
	t.reader = bufio.NewReader(port)
	t.connected = true
	return nil
}

func (t *SerialTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil // idempotent
	}
	err := t.port.Close()
	t.connected = false
	t.port = nil
	t.reader = nil
	if err != nil {
		return hosterr.Wrap(hosterr.KindTransport, "close serial port", err)
	}
	return nil
}

func (t *SerialTransport) SendBytes(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return closedErr("send on disconnected serial transport")
	}
	_, err := t.port.Write(b)
	if err != nil {
		return hosterr.Wrap(hosterr.KindTransport, "serial write", err)
	}
	return nil
}

func (t *SerialTransport) SendLine(s string) error {
	return t.SendBytes(append([]byte(s), '\n'))
}

func (t *SerialTransport) ReceiveLine(timeout time.Duration) (string, error) {
	t.mu.Lock()
	port, reader, connected := t.port, t.reader, t.connected
	t.mu.Unlock()
	if !connected {
		return "", closedErr("receive on disconnected serial transport")
	}

	if timeout > 0 {
		if err := port.SetReadTimeout(timeout); err != nil {
			return "", hosterr.Wrap(hosterr.KindTransport, "set read timeout", err)
		}
	}

	raw, err := reader.ReadBytes('\n')
	if err != nil {
		// go.bug.st/serial returns a plain EOF-shaped error on a read
		// timeout with no data; surface it uniformly.
		if len(raw) == 0 {
			return "", timeoutErr("serial read")
		}
		return "", hosterr.Wrap(hosterr.KindTransport, "serial read", err)
	}

	return cleanLine(raw), nil
}

func (t *SerialTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *SerialTransport) Description() string {
	return fmt.Sprintf("serial:%s@%d", t.portName, t.baud)
}

// cleanLine strips the trailing newline, any carriage return, and
// non-printable bytes.
func cleanLine(raw []byte) string {
	return string(bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, raw))
}
