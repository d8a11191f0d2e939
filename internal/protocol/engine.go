// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package protocol

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"grblhost/internal/hosterr"
	"grblhost/internal/transport"
)

// ResponseHandler is called for each parsed line. diag is a non-empty
// "parse: ..." diagnostic when a field inside the response was
// malformed and dropped rather than failing the whole response; that
// diagnostic is also delivered just before, as a RespFeedback response
// of its own.
type ResponseHandler func(resp Response, diag string)

// Engine is the protocol engine: it exclusively owns the transport for
// the life of a connection, frames outgoing commands, and runs the
// single Reader task that parses incoming lines and fans them out via
// ResponseHandler.
//
// A dedicated reader goroutine does line-oriented parsing; writes retry
// on transient errors with exponential backoff (cenkalti/backoff/v4)
// rather than failing the caller on the first hiccup.
type Engine struct {
	tran        transport.Transport
	readTimeout time.Duration
	onResponse  ResponseHandler

	writeMu sync.Mutex // serializes direct writers so bytes/lines never interleave

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(tran transport.Transport, readTimeout time.Duration, onResponse ResponseHandler) *Engine {
	return &Engine{
		tran:        tran,
		readTimeout: readTimeout,
		onResponse:  onResponse,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the Reader task. Call once per connection.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.readLoop()
}

// Stop signals the Reader task to exit and waits for it to join. It
// does not close the transport — callers own that via Disconnect.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		line, err := e.tran.ReceiveLine(e.readTimeout)
		if err != nil {
			if errors.Is(err, hosterr.ErrTimeout) {
				continue // no line yet, keep polling until stopped
			}
			if errors.Is(err, hosterr.ErrClosed) {
				return // transport went away; Disconnect() drives cleanup
			}
			slog.Error("protocol read error", "error", err)
			continue
		}
		if line == "" {
			continue
		}

		resp, diag := ParseLine(line)
		if diag != "" {
			slog.Warn("protocol parse diagnostic", "diag", diag, "raw", line)
			e.onResponse(Response{Kind: RespFeedback, Text: diag, Raw: line}, "")
		}
		e.onResponse(resp, diag)
	}
}

// SendLine encodes and writes one Command as a newline-terminated
// line, retrying transient write failures with exponential backoff
// (never on a disconnected transport — that's a hard failure, not
// transient). Called by exactly one Writer/Streamer per connection, so
// order-preservation across calls is the caller's responsibility.
func (e *Engine) SendLine(cmd Command) error {
	line, err := cmd.Encode()
	if err != nil {
		return err
	}
	return e.sendLineRaw(line)
}

func (e *Engine) sendLineRaw(line string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry until success or disconnect

	for {
		err := e.tran.SendLine(line)
		if err == nil {
			return nil
		}
		if errors.Is(err, hosterr.ErrClosed) {
			return err // not transient, give up immediately
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		slog.Error("protocol write error; retrying", "error", err, "wait", wait)
		select {
		case <-time.After(wait):
		case <-e.stopCh:
			return err
		}
	}
}

// SendRealtime writes a single real-time byte directly to the
// transport, bypassing the line queue entirely and at any time
// regardless of queue state. Serialized by the same writeMu so it is
// never interleaved with a line in progress.
func (e *Engine) SendRealtime(code RealTimeCode) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.tran.SendBytes([]byte{byte(code)})
}

func (e *Engine) Description() string { return e.tran.Description() }
