// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the command queue & streaming discipline:
// Simple (at-most-one-in-flight) and Buffered (character counting)
// flow control, FIFO ack correlation, and the soft-reset / jog-cancel
// queue-clearing rules.
//
// One writer goroutine (Streamer.Run) drains a mutex/sync.Cond-guarded
// FIFO of line commands. Real-time bytes never pass through this
// package: the protocol engine writes them directly, regardless of
// queue state.
package queue

import (
	"sync"
	"time"

	"grblhost/internal/hosterr"
	"grblhost/internal/protocol"
)

type State string

const (
	Pending State = "pending"
	Sent    State = "sent"
	Acked   State = "acked"
	Failed  State = "failed"
)

// Mode selects the streaming discipline.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeBuffered Mode = "buffered"
)

// DefaultHighWater is the conservative default character-counting
// high-water mark: GRBL's serial receive buffer is commonly 128
// bytes; 112 leaves headroom without assuming the exact firmware
// build.
const DefaultHighWater = 112

// QueuedCommand is one entry in the queue.
type QueuedCommand struct {
	ID         uint64
	Command    protocol.Command
	State      State
	EnqueuedAt time.Time
	FailReason error

	line string // encoded line, cached so byte-counting doesn't re-encode
	isJog bool
}

// Streamer owns the in-flight discipline: it correlates ok/error acks
// with queued commands FIFO and writes lines through the protocol
// engine's SendLine, respecting the configured Mode.
type Streamer struct {
	mode       Mode
	highWater  int
	sendLine   func(protocol.Command) error

	mu       sync.Mutex
	cond     *sync.Cond
	nextID   uint64
	pending  []*QueuedCommand // FIFO, not yet sent
	sent     []*QueuedCommand // FIFO, sent, awaiting ack
	sentSum  int              // sum of byte lengths of `sent` (Buffered mode)
	stepMode bool
	frozen   bool // true after a Failed ack during a program run, until the host decides
	stopped  bool

	onAck func(cmd *QueuedCommand) // called after a command transitions Sent->Acked/Failed
}

// NewStreamer constructs a Streamer bound to one connection's SendLine.
// sendLine is expected to be protocol.Engine.SendLine; it is called
// from the Streamer's own Writer goroutine only, so ordering is
// preserved without extra locking at the protocol layer.
func NewStreamer(mode Mode, highWater int, sendLine func(protocol.Command) error) *Streamer {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	s := &Streamer{
		mode:      mode,
		highWater: highWater,
		sendLine:  sendLine,
		nextID:    1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetOnAck registers a callback invoked (outside the lock) whenever a
// command is Acked or Failed, so the program runner can advance its
// current-line progress without polling.
func (s *Streamer) SetOnAck(fn func(cmd *QueuedCommand)) {
	s.mu.Lock()
	s.onAck = fn
	s.mu.Unlock()
}

// Run is the Writer/Streamer task: it blocks until a command can
// legally be sent under the configured flow-control mode, writes it,
// and repeats until Stop() is called.
func (s *Streamer) Run() {
	for {
		cmd := s.waitNextSendable()
		if cmd == nil {
			return // stopped
		}
		err := s.sendLine(cmd.Command)
		s.mu.Lock()
		if err != nil {
			cmd.State = Failed
			cmd.FailReason = err
			s.removeFromSent(cmd)
			onAck := s.onAck
			s.mu.Unlock()
			if onAck != nil {
				onAck(cmd)
			}
			continue
		}
		s.mu.Unlock()
	}
}

// waitNextSendable blocks until either a command is pulled from
// pending into sent (and thus should be written), or Stop() was
// called (returns nil).
func (s *Streamer) waitNextSendable() *QueuedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil
		}
		if cmd := s.tryDequeueLocked(); cmd != nil {
			return cmd
		}
		s.cond.Wait()
	}
}

// tryDequeueLocked pops the next pending command into `sent` if flow
// control allows, returning it; returns nil if nothing can be sent yet.
// Caller must hold s.mu.
func (s *Streamer) tryDequeueLocked() *QueuedCommand {
	if len(s.pending) == 0 || s.frozen {
		return nil
	}
	if s.stepMode && len(s.sent) > 0 {
		return nil // step mode: at most one Sent command at a time
	}

	next := s.pending[0]
	switch s.mode {
	case ModeSimple:
		if len(s.sent) > 0 {
			return nil // at most one command in flight
		}
	case ModeBuffered:
		line, err := next.Command.Encode()
		if err != nil {
			return nil
		}
		next.line = line
		cost := len(line) + 1 // + terminating "\n"
		if s.sentSum+cost > s.highWater {
			return nil
		}
	}

	s.pending = s.pending[1:]
	next.State = Sent
	s.sent = append(s.sent, next)
	if s.mode == ModeBuffered {
		if next.line == "" {
			next.line, _ = next.Command.Encode()
		}
		s.sentSum += len(next.line) + 1
	}
	return next
}

// Enqueue appends a command to the queue in submission order. Commands
// submitted this way are sent in that order; real-time commands never
// go through Enqueue.
func (s *Streamer) Enqueue(cmd protocol.Command, isJog bool) *QueuedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	qc := &QueuedCommand{
		ID:         s.nextID,
		Command:    cmd,
		State:      Pending,
		EnqueuedAt: time.Now(),
		isJog:      isJog,
	}
	s.nextID++
	s.pending = append(s.pending, qc)
	s.cond.Broadcast()
	return qc
}

// Ack correlates an Ok/Error response with the oldest Sent command:
// strictly FIFO, since acks carry no identifier of their own.
func (s *Streamer) Ack(errCode *int) *QueuedCommand {
	s.mu.Lock()
	if len(s.sent) == 0 {
		s.mu.Unlock()
		return nil // stray ack with nothing outstanding; caller logs it
	}
	cmd := s.sent[0]
	s.sent = s.sent[1:]
	if s.mode == ModeBuffered {
		s.sentSum -= len(cmd.line) + 1
		if s.sentSum < 0 {
			s.sentSum = 0
		}
	}
	if errCode != nil {
		cmd.State = Failed
		cmd.FailReason = hosterr.DeviceError(*errCode)
	} else {
		cmd.State = Acked
	}
	onAck := s.onAck
	s.mu.Unlock()

	if onAck != nil {
		onAck(cmd)
	}
	// Wake the writer only after onAck, so a runner that freezes the
	// streamer on a Failed ack does so before the next line can go out.
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	return cmd
}

func (s *Streamer) removeFromSent(cmd *QueuedCommand) {
	for i, c := range s.sent {
		if c == cmd {
			s.sent = append(s.sent[:i], s.sent[i+1:]...)
			if s.mode == ModeBuffered {
				s.sentSum -= len(c.line) + 1
				if s.sentSum < 0 {
					s.sentSum = 0
				}
			}
			break
		}
	}
	s.cond.Broadcast()
}

// SoftReset implements the soft-reset queue-clearing rule: every
// Sent-not-Acked command becomes Failed(Reset) and every Pending
// command is discarded, because the device's planner was just
// flushed.
func (s *Streamer) SoftReset() {
	s.mu.Lock()
	sentCopy := append([]*QueuedCommand(nil), s.sent...)
	s.sent = nil
	s.sentSum = 0
	s.pending = nil
	onAck := s.onAck
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, cmd := range sentCopy {
		cmd.State = Failed
		cmd.FailReason = hosterr.Wrap(hosterr.KindStreaming, "soft reset", hosterr.ErrClosed)
		if onAck != nil {
			onAck(cmd)
		}
	}
}

// CancelJog implements the jog-cancel rule: drops queued (Pending)
// jog entries specifically; other queued commands survive.
// It does not touch Sent jog commands — those are the device's
// problem once the 0x85 byte (written directly, outside this package)
// reaches it.
func (s *Streamer) CancelJog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0:0]
	for _, cmd := range s.pending {
		if cmd.isJog {
			continue
		}
		kept = append(kept, cmd)
	}
	s.pending = kept
	s.cond.Broadcast()
}

// SetStepMode toggles step mode: the next Pending command is sent only
// after every Sent command has been acked, regardless of streaming
// mode. The Pending queue itself is not limited; every command already
// enqueued stays Pending until its turn.
func (s *Streamer) SetStepMode(on bool) {
	s.mu.Lock()
	s.stepMode = on
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetFrozen stops (or resumes) dequeuing Pending commands without
// touching what is already Sent or Pending. The program runner freezes
// the streamer when a command Fails mid-run, since a Failed ack should
// halt further sending while leaving the remaining Pending commands
// queued for a host decision, not discard them.
func (s *Streamer) SetFrozen(frozen bool) {
	s.mu.Lock()
	s.frozen = frozen
	s.cond.Broadcast()
	s.mu.Unlock()
}

// DrainPending discards every not-yet-sent command without touching
// Sent entries, for when a host decision after a failure is "abandon
// the rest of the program" rather than "resume it".
func (s *Streamer) DrainPending() []*QueuedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.pending
	s.pending = nil
	return drained
}

// Stop unblocks Run() and fails every outstanding command as
// Disconnected (used on disconnect).
func (s *Streamer) Stop() {
	s.mu.Lock()
	s.stopped = true
	pendingCopy := append([]*QueuedCommand(nil), s.pending...)
	sentCopy := append([]*QueuedCommand(nil), s.sent...)
	s.pending = nil
	s.sent = nil
	s.sentSum = 0
	onAck := s.onAck
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, cmd := range append(pendingCopy, sentCopy...) {
		cmd.State = Failed
		cmd.FailReason = hosterr.ErrSendAfterDisconnect
		if onAck != nil {
			onAck(cmd)
		}
	}
}

// InFlightCount returns the number of Sent-not-Acked commands.
func (s *Streamer) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// InFlightBytes returns the total byte length of Sent-not-Acked
// commands (Buffered mode only; always 0 in Simple mode).
func (s *Streamer) InFlightBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentSum
}

// PendingCount returns the number of not-yet-sent commands.
func (s *Streamer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Length returns pending+sent, i.e. everything not yet Acked/Failed.
func (s *Streamer) Length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.sent)
}
