// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package program holds the loaded G-code program and its execution
// state machine, and runs it through a queue.Streamer.
//
// A single active program runs at a time, advancing line by line with
// per-line progress tracking; pause/resume/stop are driven by the
// real-time command set rather than a cooperative polling loop.
package program

import (
	"strconv"
	"sync"
	"time"

	"grblhost/internal/eventbus"
	"grblhost/internal/gcode"
	"grblhost/internal/hosterr"
	"grblhost/internal/preprocess"
	"grblhost/internal/protocol"
	"grblhost/internal/queue"
)

type ExecutionState string

const (
	NotLoaded ExecutionState = "NotLoaded"
	Loaded    ExecutionState = "Loaded"
	Running   ExecutionState = "Running"
	Paused    ExecutionState = "Paused"
	Completed ExecutionState = "Completed"
	Failed    ExecutionState = "Failed"
)

// Program is an immutable, parsed G-code program.
type Program struct {
	Blocks     []gcode.ProgramBlock
	Segments   []preprocess.Segment
	Diags      []gcode.Diagnostic
	TotalLines uint32
}

// Load parses and preprocesses source text into a Program.
func Load(source string, pp *preprocess.Preprocessor) *Program {
	blocks, parseDiags := gcode.Parse(source)
	segs, ppDiags := pp.Process(blocks)
	return &Program{
		Blocks:     blocks,
		Segments:   segs,
		Diags:      append(parseDiags, ppDiags...),
		TotalLines: uint32(len(blocks)),
	}
}

// Progress is a point-in-time snapshot of run progress.
type Progress struct {
	State         ExecutionState
	FailCode      int
	CurrentLine   uint32
	TotalLines    uint32
	Elapsed       time.Duration
	TimeRemaining time.Duration // advisory, zero until at least one line completes
}

// Runner drives a loaded Program's execution through a Streamer,
// advancing progress on Sent->Acked transitions and reacting to
// Failed acks per the queue's halt-on-failure rule.
type Runner struct {
	streamer     *queue.Streamer
	sendRealtime func(protocol.RealTimeCode) error
	bus          *eventbus.Bus

	mu          sync.Mutex
	program     *Program
	state       ExecutionState
	failCode    int
	currentLine uint32
	inFlight    map[*queue.QueuedCommand]uint32 // command -> block index, for FIFO-correlated progress

	startedAt   time.Time
	pausedSince time.Time
	pausedTotal time.Duration
}

func NewRunner(streamer *queue.Streamer, sendRealtime func(protocol.RealTimeCode) error, bus *eventbus.Bus) *Runner {
	r := &Runner{
		streamer:     streamer,
		sendRealtime: sendRealtime,
		bus:          bus,
		state:        NotLoaded,
		inFlight:     make(map[*queue.QueuedCommand]uint32),
	}
	streamer.SetOnAck(r.onAck)
	return r
}

func (r *Runner) publish(ev eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// LoadProgram installs a new Program. Valid from any state except
// Running/Paused, which must be Stop()ped first.
func (r *Runner) LoadProgram(p *Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Running || r.state == Paused {
		return hosterr.New(hosterr.KindHost, "cannot load a program while one is running")
	}
	r.program = p
	r.state = Loaded
	r.failCode = 0
	r.currentLine = 0
	r.inFlight = make(map[*queue.QueuedCommand]uint32)
	r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	return nil
}

// Run enqueues every block from currentLine onward and transitions
// Loaded -> Running. The streamer's own flow control paces the actual
// sends; Run just submits everything in order up front. A program
// with no executable lines has nothing for an ack to ever complete,
// so it transitions straight to Completed instead.
func (r *Runner) Run() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Loaded {
		return hosterr.New(hosterr.KindHost, "program is not Loaded")
	}
	if r.program.TotalLines == 0 {
		r.state = Completed
		r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
		return nil
	}
	r.streamer.SetFrozen(false)
	r.state = Running
	r.startedAt = time.Now()
	r.pausedTotal = 0

	for i := r.currentLine; i < uint32(len(r.program.Blocks)); i++ {
		line, err := encodeBlock(r.program.Blocks[i])
		if err != nil {
			continue // unencodable block was already flagged by the parser/preprocessor
		}
		qc := r.streamer.Enqueue(protocol.GCode(line), false)
		r.inFlight[qc] = i
	}

	r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	return nil
}

// Pause sends feed-hold and transitions Running -> Paused.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Running {
		return hosterr.New(hosterr.KindHost, "program is not Running")
	}
	if err := r.sendRealtime(protocol.RTFeedHold); err != nil {
		return err
	}
	r.state = Paused
	r.pausedSince = time.Now()
	r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	return nil
}

// Resume sends cycle-start and transitions Paused -> Running.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Paused {
		return hosterr.New(hosterr.KindHost, "program is not Paused")
	}
	if err := r.sendRealtime(protocol.RTCycleStartResume); err != nil {
		return err
	}
	r.pausedTotal += time.Since(r.pausedSince)
	r.state = Running
	r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	return nil
}

// Stop sends a soft reset, clears the queue, and transitions back to
// Loaded with the program retained but position/progress reset — the
// machine's own position is invalidated by the reset, so resuming
// partway through would send motion relative to a position the host
// can no longer vouch for.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.state != Running && r.state != Paused {
		r.mu.Unlock()
		return hosterr.New(hosterr.KindHost, "program is not Running or Paused")
	}
	r.mu.Unlock()
	// The soft reset fails in-flight commands through onAck, which takes
	// r.mu itself, so it runs without the lock held.
	if err := r.sendRealtime(protocol.RTSoftReset); err != nil {
		return err
	}
	r.streamer.SoftReset()
	r.streamer.SetFrozen(false)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Loaded
	r.currentLine = 0
	r.inFlight = make(map[*queue.QueuedCommand]uint32)
	r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	return nil
}

// Resolve lets the host decide what happens to the remaining Pending
// commands after a Failed ack froze the streamer: resume continues
// sending them, abandon discards them and returns to Loaded.
func (r *Runner) Resolve(resume bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Failed {
		return hosterr.New(hosterr.KindHost, "program is not in a Failed state")
	}
	if resume {
		r.streamer.SetFrozen(false)
		r.state = Running
	} else {
		r.streamer.DrainPending()
		r.state = Loaded
	}
	r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	return nil
}

// onAck is the streamer's callback, invoked outside the streamer's own
// lock whenever a command transitions Sent -> Acked/Failed.
func (r *Runner) onAck(cmd *queue.QueuedCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, isProgramLine := r.inFlight[cmd]
	if !isProgramLine {
		return // an interactive command unrelated to the loaded program
	}
	delete(r.inFlight, cmd)

	if cmd.State == queue.Failed {
		r.failCode = 0
		if derr, ok := cmd.FailReason.(*hosterr.Error); ok {
			r.failCode = derr.Code
		}
		r.state = Failed
		r.streamer.SetFrozen(true)
		r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged, Code: r.failCode})
		return
	}

	if idx+1 > r.currentLine {
		r.currentLine = idx + 1
	}
	r.publish(eventbus.Event{Type: eventbus.ProgressChanged})

	if r.state == Running && r.currentLine >= r.program.TotalLines {
		r.state = Completed
		r.publish(eventbus.Event{Type: eventbus.ProgramStateChanged})
	}
}

// Progress returns the current run progress, including an advisory
// time-remaining estimate: elapsed time (excluding paused intervals)
// divided by the completed-line ratio.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := Progress{State: r.state, FailCode: r.failCode, CurrentLine: r.currentLine}
	if r.program != nil {
		p.TotalLines = r.program.TotalLines
	}
	if !r.startedAt.IsZero() {
		paused := r.pausedTotal
		if r.state == Paused {
			paused += time.Since(r.pausedSince)
		}
		p.Elapsed = time.Since(r.startedAt) - paused
		if p.TotalLines > 0 && r.currentLine > 0 {
			ratio := float64(r.currentLine) / float64(p.TotalLines)
			p.TimeRemaining = time.Duration(float64(p.Elapsed)/ratio) - p.Elapsed
		}
	}
	return p
}

// encodeBlock renders a parsed ProgramBlock back to a G-code line, for
// re-streaming to the device exactly as the words were parsed.
func encodeBlock(b gcode.ProgramBlock) (string, error) {
	line := ""
	for i, w := range b.Words {
		if i > 0 {
			line += " "
		}
		line += string(rune(w.Letter)) + formatValue(w.Value)
	}
	return line, nil
}

// formatValue matches the common G-code convention of dropping a
// trailing ".0" for whole numbers while preserving precision otherwise.
func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
