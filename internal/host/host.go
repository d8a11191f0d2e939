// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package host glues transport, protocol, queue, state, preprocess,
// program and eventbus together behind the single surface the
// GUI/script layer consumes: connect/disconnect, send_command,
// send_realtime, jog, load_program, run/pause/resume/stop/reset,
// set_step_mode, subscribe_* and read_state.
//
// Host is pulled out into its own type so cmd/grblhostd/main.go can
// stay a thin cobra entry point and internal/httpapi can sit in front
// of it without reaching into per-package internals itself.
package host

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grblhost/internal/config"
	"grblhost/internal/eventbus"
	"grblhost/internal/hosterr"
	"grblhost/internal/preprocess"
	"grblhost/internal/program"
	"grblhost/internal/protocol"
	"grblhost/internal/queue"
	"grblhost/internal/state"
	"grblhost/internal/telemetry"
	"grblhost/internal/transport"
)

// QueueID identifies one command submitted through SendCommand/Jog, so
// a caller can correlate it with a later ProgramStateChanged/ack event.
type QueueID = uint64

// Host is process-wide, single-connection state: exactly one
// Transport is owned at a time.
type Host struct {
	cfg   *config.Config
	cfgMu sync.RWMutex

	bus *eventbus.Bus

	mu       sync.Mutex
	tran     transport.Transport
	engine   *protocol.Engine
	ms       *state.MachineState
	streamer *queue.Streamer
	runner   *program.Runner
	pp       *preprocess.Preprocessor
	poller   *statusPoller
	wire     *wireLog
	connected bool

	// lines and ts survive across Connect/Disconnect cycles: a console
	// replaying "what happened" or charting a session shouldn't lose
	// history just because the device was briefly unplugged.
	lines *lineStore
	ts    *telemetry.Series
}

// New constructs a Host bound to cfg. Call Connect to open a device.
func New(cfg *config.Config) *Host {
	bus := eventbus.New()
	h := &Host{
		cfg:   cfg,
		bus:   bus,
		ms:    state.New(bus),
		lines: newLineStore(),
		ts:    telemetry.New(),
	}
	return h
}

// Config returns the configuration currently in effect. Safe for
// concurrent use with ApplyConfig (e.g. from a config.Watch callback).
func (h *Host) Config() *config.Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// ApplyConfig swaps in a reloaded configuration. The arc-flattening
// angular step is pushed to the active preprocessor; connection and
// streaming fields only take effect on the next Connect.
func (h *Host) ApplyConfig(cfg *config.Config) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pp != nil {
		h.pp.AngularStepDegrees = cfg.ArcFlattening.AngularStepDegrees
	}
}

// ListPorts enumerates candidate serial endpoints, filtered on Unix per
// the configured Discovery.UnixUSBFilter.
func (h *Host) ListPorts() ([]transport.PortInfo, error) {
	return transport.ListPorts(h.Config().Discovery.UnixUSBFilter)
}

// IsConnected reports whether a Transport is currently open.
func (h *Host) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Connect opens endpoint with the configured transport kind, starts
// the protocol engine's Reader task and the command Streamer, resets
// the state model for the new connection, runs any configured startup
// macro, and (if AutoStatusQuery is set) starts the status poller.
func (h *Host) Connect(endpoint string) error {
	cfg := h.Config()
	tran, err := transport.New(transport.Options{
		Kind:     transport.Kind(cfg.Connection.TransportKind),
		Endpoint: endpoint,
		BaudRate: cfg.Connection.BaudRate,
	})
	if err != nil {
		return hosterr.Wrap(hosterr.KindHost, "construct transport", err)
	}
	return h.connectTransport(tran)
}

// connectTransport does the actual wiring once a Transport exists,
// split out from Connect so tests can inject a fake Transport without
// a real serial/TCP/WebSocket endpoint.
func (h *Host) connectTransport(tran transport.Transport) error {
	h.mu.Lock()
	if h.connected {
		h.mu.Unlock()
		return hosterr.Wrap(hosterr.KindHost, "connect", hosterr.ErrAlreadyOpen)
	}
	cfg := h.Config()

	connectTimeout := time.Duration(cfg.Connection.ConnectTimeoutMS) * time.Millisecond
	if err := tran.Connect(connectTimeout); err != nil {
		h.mu.Unlock()
		return err
	}

	wire, err := newWireLog(cfg.Logging.Dir)
	if err != nil {
		slog.Warn("wire traffic session log disabled", "error", err)
	}

	readTimeout := time.Duration(cfg.Connection.ReadTimeoutMS) * time.Millisecond
	h.tran = tran
	h.wire = wire
	h.ms.ResetConnection()
	h.pp = preprocess.New()
	h.pp.AngularStepDegrees = cfg.ArcFlattening.AngularStepDegrees

	h.streamer = queue.NewStreamer(queue.Mode(cfg.Streaming.Mode), cfg.Streaming.BufferedHighWaterBytes, h.sendLine)
	h.runner = program.NewRunner(h.streamer, h.sendRealtime, h.bus)
	h.engine = protocol.NewEngine(tran, readTimeout, h.onResponse)
	h.engine.Start()
	go h.streamer.Run()

	if cfg.Connection.AutoStatusQuery {
		h.poller = newStatusPoller(time.Duration(cfg.Connection.StatusQueryIntervalMS)*time.Millisecond, h.sendRealtime)
		h.poller.start()
	}

	h.connected = true
	h.mu.Unlock()

	h.bus.Publish(eventbus.Event{Type: eventbus.ConnectionChanged, Connected: true})

	for _, line := range cfg.Startup.MacroLines {
		h.streamer.Enqueue(protocol.GCode(line), false)
	}
	return nil
}

// Disconnect tears down the current connection. Idempotent.
func (h *Host) Disconnect() error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return nil
	}
	tran, engine, streamer, poller, wire := h.tran, h.engine, h.streamer, h.poller, h.wire
	h.connected = false
	h.poller = nil
	h.mu.Unlock()

	if poller != nil {
		poller.stop()
	}
	if streamer != nil {
		streamer.Stop()
	}
	if engine != nil {
		engine.Stop()
	}
	var err error
	if tran != nil {
		err = tran.Disconnect()
	}
	if wire != nil {
		wire.Close()
	}
	h.ms.ResetConnection()
	h.bus.Publish(eventbus.Event{Type: eventbus.ConnectionChanged, Connected: false})
	return err
}

// sendLine is the Streamer's configured send function: it logs the
// outgoing line to the wire-traffic session log, then writes it
// through the protocol engine.
func (h *Host) sendLine(cmd protocol.Command) error {
	line, err := cmd.Encode()
	if err == nil {
		if h.wire != nil {
			h.wire.AddLine("down", line)
		}
		h.lines.add("down", line)
	}
	return h.engine.SendLine(cmd)
}

// sendRealtime is shared by the Host's own SendRealtime and the
// program Runner/status poller's internal calls.
func (h *Host) sendRealtime(code protocol.RealTimeCode) error {
	rtLine := fmt.Sprintf("<realtime 0x%02X>", byte(code))
	if h.wire != nil {
		h.wire.AddLine("down", rtLine)
	}
	h.lines.add("down", rtLine)
	if code.IsSoftReset() {
		h.streamer.SoftReset()
	}
	if code.IsJogCancel() {
		h.streamer.CancelJog()
	}
	return h.engine.SendRealtime(code)
}

// SendRealtime writes a real-time byte immediately, bypassing the queue.
func (h *Host) SendRealtime(code protocol.RealTimeCode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return hosterr.ErrNotConnected
	}
	return h.sendRealtime(code)
}

// SendCommand enqueues cmd for sending under the configured streaming
// discipline and returns its queue id.
func (h *Host) SendCommand(cmd protocol.Command) (QueueID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return 0, hosterr.ErrNotConnected
	}
	qc := h.streamer.Enqueue(cmd, false)
	return qc.ID, nil
}

// Jog is a convenience wrapper around SendCommand for CmdJog.
func (h *Host) Jog(axes map[byte]float64, feed float64, relative bool) (QueueID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return 0, hosterr.ErrNotConnected
	}
	qc := h.streamer.Enqueue(protocol.Jog(axes, feed, relative), true)
	return qc.ID, nil
}

// SetStepMode toggles the streamer's at-most-one-block-outstanding mode.
func (h *Host) SetStepMode(on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return hosterr.ErrNotConnected
	}
	h.streamer.SetStepMode(on)
	return nil
}

// LoadProgram parses and preprocesses source using the current
// configuration's units/arc-flattening settings.
func (h *Host) LoadProgram(source string) (*program.Program, error) {
	h.mu.Lock()
	pp := h.pp
	runner := h.runner
	h.mu.Unlock()
	if pp == nil || runner == nil {
		return nil, hosterr.ErrNotConnected
	}
	prog := program.Load(source, pp)
	if err := runner.LoadProgram(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

func (h *Host) Run() error {
	runner, err := h.activeRunner()
	if err != nil {
		return err
	}
	return runner.Run()
}

func (h *Host) Pause() error {
	runner, err := h.activeRunner()
	if err != nil {
		return err
	}
	return runner.Pause()
}

func (h *Host) Resume() error {
	runner, err := h.activeRunner()
	if err != nil {
		return err
	}
	return runner.Resume()
}

func (h *Host) Stop() error {
	runner, err := h.activeRunner()
	if err != nil {
		return err
	}
	return runner.Stop()
}

// Resolve lets the host decide what happens to the remaining queued
// program lines after a Failed ack: resume continues, !resume abandons.
func (h *Host) Resolve(resume bool) error {
	runner, err := h.activeRunner()
	if err != nil {
		return err
	}
	return runner.Resolve(resume)
}

// Reset sends a soft reset (a real-time byte) and then queues $X to
// clear any alarm lock, which together return the device to a ready
// Idle state.
func (h *Host) Reset() error {
	if err := h.SendRealtime(protocol.RTSoftReset); err != nil {
		return err
	}
	_, err := h.SendCommand(protocol.KillAlarmLock())
	return err
}

// SetFeedOverride clamps targetPercent to the firmware's 10..=200 range
// and emits the minimal sequence of +-10%/+-1% real-time bytes needed
// to move the feed override from its last known value to the target.
func (h *Host) SetFeedOverride(targetPercent int) error {
	target := state.ClampFeedOrSpindle(targetPercent)
	current := h.ms.Snapshot().Overrides.Feed
	return h.sendOverrideSteps(current, target,
		protocol.RTFeedOverridePlus10, protocol.RTFeedOverrideMinus10,
		protocol.RTFeedOverridePlus1, protocol.RTFeedOverrideMinus1)
}

// SetSpindleOverride clamps targetPercent to the firmware's 10..=200
// range and emits the minimal sequence of +-10%/+-1% real-time bytes
// needed to move the spindle override from its last known value to
// the target.
func (h *Host) SetSpindleOverride(targetPercent int) error {
	target := state.ClampFeedOrSpindle(targetPercent)
	current := h.ms.Snapshot().Overrides.Spindle
	return h.sendOverrideSteps(current, target,
		protocol.RTSpindleOverridePlus10, protocol.RTSpindleOverrideMinus10,
		protocol.RTSpindleOverridePlus1, protocol.RTSpindleOverrideMinus1)
}

// SetRapidOverride snaps targetPercent to the nearest firmware-supported
// value (25, 50 or 100) and sends the one real-time byte that selects
// it directly; rapid override has no incremental steps.
func (h *Host) SetRapidOverride(targetPercent int) error {
	switch state.ClampRapid(targetPercent) {
	case 25:
		return h.SendRealtime(protocol.RTRapidOverride25)
	case 50:
		return h.SendRealtime(protocol.RTRapidOverride50)
	default:
		return h.SendRealtime(protocol.RTRapidOverride100)
	}
}

// sendOverrideSteps walks current toward target using the largest step
// (plus10/minus10) first and the smallest (plus1/minus1) for the
// remainder, sending each real-time byte in turn. The whole sequence is
// computed up front from current rather than recomputed after each
// byte, since real-time bytes are never individually acked.
func (h *Host) sendOverrideSteps(current, target uint8, plus10, minus10, plus1, minus1 protocol.RealTimeCode) error {
	cur := int(current)
	tgt := int(target)
	for cur+10 <= tgt {
		if err := h.SendRealtime(plus10); err != nil {
			return err
		}
		cur += 10
	}
	for cur-10 >= tgt {
		if err := h.SendRealtime(minus10); err != nil {
			return err
		}
		cur -= 10
	}
	for cur < tgt {
		if err := h.SendRealtime(plus1); err != nil {
			return err
		}
		cur++
	}
	for cur > tgt {
		if err := h.SendRealtime(minus1); err != nil {
			return err
		}
		cur--
	}
	return nil
}

func (h *Host) activeRunner() (*program.Runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected || h.runner == nil {
		return nil, hosterr.ErrNotConnected
	}
	return h.runner, nil
}

// Progress returns the loaded program's run progress.
func (h *Host) Progress() (program.Progress, error) {
	runner, err := h.activeRunner()
	if err != nil {
		return program.Progress{}, err
	}
	return runner.Progress(), nil
}

// ReadState returns a point-in-time snapshot of the machine state model.
func (h *Host) ReadState() state.Snapshot {
	return h.ms.Snapshot()
}

// SubscribeEvents returns a channel of deduplicated eventbus.Event.
func (h *Host) SubscribeEvents() chan any { return h.bus.Subscribe() }

func (h *Host) UnsubscribeEvents(ch chan any) { h.bus.Unsubscribe(ch) }

// SubscribeStatus returns a channel of every raw state.StatusReport.
func (h *Host) SubscribeStatus() chan any { return h.bus.SubscribeStatusReport() }

func (h *Host) UnsubscribeStatus(ch chan any) { h.bus.UnsubscribeStatusReport(ch) }

// SubscribeResponses returns a channel of every raw protocol.Response.
func (h *Host) SubscribeResponses() chan any { return h.bus.SubscribeResponse() }

func (h *Host) UnsubscribeResponses(ch chan any) { h.bus.UnsubscribeResponse(ch) }

// onResponse is the protocol engine's ResponseHandler: it logs the
// raw line, feeds status reports into the state model, correlates
// ok/error acks with the Streamer, and republishes everything on the
// raw response bus for consoles.
func (h *Host) onResponse(resp protocol.Response, _ string) {
	if h.wire != nil {
		h.wire.AddLine("up", resp.Raw)
	}
	h.lines.add("up", resp.Raw)
	h.bus.PublishResponse(resp)

	switch resp.Kind {
	case protocol.RespOk:
		h.streamer.Ack(nil)
	case protocol.RespError:
		code := resp.ErrorCode
		h.streamer.Ack(&code)
	case protocol.RespAlarm:
		h.bus.Publish(eventbus.Event{Type: eventbus.ErrorOccurred, Kind: "alarm", Code: resp.AlarmCode, Message: hosterr.AlarmMessage(resp.AlarmCode)})
	case protocol.RespStatus:
		h.bus.PublishStatusReport(*resp.Status)
		h.ms.Apply(*resp.Status)
		h.sampleTelemetry(*resp.Status)
	}
}

// sampleTelemetry records every field present on a status report into
// the telemetry series, keyed by the shared telemetry.Key* constants.
func (h *Host) sampleTelemetry(r state.StatusReport) {
	now := time.Now()
	h.ts.Insert(telemetry.KeyStatus, now, string(r.State))
	if r.MPos != nil {
		h.ts.Insert(telemetry.KeyMPosX, now, r.MPos.X)
		h.ts.Insert(telemetry.KeyMPosY, now, r.MPos.Y)
		h.ts.Insert(telemetry.KeyMPosZ, now, r.MPos.Z)
	}
	if r.WPos != nil {
		h.ts.Insert(telemetry.KeyWPosX, now, r.WPos.X)
		h.ts.Insert(telemetry.KeyWPosY, now, r.WPos.Y)
		h.ts.Insert(telemetry.KeyWPosZ, now, r.WPos.Z)
	}
	if r.Feed != nil {
		h.ts.Insert(telemetry.KeyFeed, now, *r.Feed)
	}
	if r.Spindle != nil {
		h.ts.Insert(telemetry.KeySpindle, now, *r.Spindle)
	}
	if r.Overrides != nil {
		h.ts.Insert(telemetry.KeyFeedOv, now, r.Overrides.Feed)
		h.ts.Insert(telemetry.KeyRapidOv, now, r.Overrides.Rapid)
		h.ts.Insert(telemetry.KeySpindOv, now, r.Overrides.Spindle)
	}
}

// QueryLines returns wire-traffic lines matching opts. See lineStore.
func (h *Host) QueryLines(opts QueryOptions) []lineRecord {
	return h.lines.Query(opts)
}

// QueryTelemetry samples keys (telemetry.Key* constants) over
// [start, end] at step intervals. See telemetry.Series.QueryRanges.
func (h *Host) QueryTelemetry(keys []string, start, end time.Time, step time.Duration) ([]time.Time, map[string][]telemetry.Value) {
	return h.ts.QueryRanges(keys, start, end, step)
}

// Close tears down the connection (if any) and releases the event bus.
func (h *Host) Close() error {
	err := h.Disconnect()
	h.bus.Close()
	return err
}
