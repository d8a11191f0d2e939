// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package host

import (
	"sync"
	"testing"
	"time"

	"grblhost/internal/config"
	"grblhost/internal/eventbus"
	"grblhost/internal/hosterr"
	"grblhost/internal/protocol"
	"grblhost/internal/telemetry"
)

// fakeTransport is an in-memory Transport: lines written via SendLine
// are captured, and test code feeds simulated device responses in via
// push() for ReceiveLine to return.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []string
	realtime  []byte
	incoming  chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan string, 64)}
}

func (f *fakeTransport) Connect(time.Duration) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendBytes(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, b...)
	return nil
}

func (f *fakeTransport) SendLine(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeTransport) ReceiveLine(timeout time.Duration) (string, error) {
	select {
	case line := <-f.incoming:
		return line, nil
	case <-time.After(timeout):
		return "", hosterr.ErrTimeout
	}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Description() string { return "fake" }

func (f *fakeTransport) push(line string) { f.incoming <- line }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Connection.AutoStatusQuery = false
	cfg.Logging.Dir = t.TempDir()
	return cfg
}

func newTestHost(t *testing.T) (*Host, *fakeTransport) {
	t.Helper()
	h := New(testConfig(t))
	tran := newFakeTransport()
	if err := h.connectTransport(tran); err != nil {
		t.Fatalf("connectTransport: %v", err)
	}
	t.Cleanup(func() { h.Disconnect() })
	return h, tran
}

func TestConnectDisconnectPublishesConnectionChanged(t *testing.T) {
	h := New(testConfig(t))
	tran := newFakeTransport()

	events := h.SubscribeEvents()
	defer h.UnsubscribeEvents(events)

	if err := h.connectTransport(tran); err != nil {
		t.Fatalf("connectTransport: %v", err)
	}
	if !h.IsConnected() {
		t.Fatal("expected IsConnected true after connect")
	}

	waitForEvent(t, events, func(ev eventbus.Event) bool {
		return ev.Type == eventbus.ConnectionChanged && ev.Connected
	})

	if err := h.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if h.IsConnected() {
		t.Fatal("expected IsConnected false after disconnect")
	}
}

func TestSendCommandAndAckAdvancesStreamer(t *testing.T) {
	h, tran := newTestHost(t)

	if _, err := h.SendCommand(protocol.GCode("G0 X1")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	waitUntil(t, func() bool {
		tran.mu.Lock()
		defer tran.mu.Unlock()
		return len(tran.sent) == 1 && tran.sent[0] == "G0 X1"
	})

	tran.push("ok")
	waitUntil(t, func() bool { return h.streamer.InFlightCount() == 0 })
}

func TestLoadAndRunProgramSendsEncodedLines(t *testing.T) {
	h, tran := newTestHost(t)

	if _, err := h.LoadProgram("G0 X1\nG0 X2"); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	waitUntil(t, func() bool {
		tran.mu.Lock()
		defer tran.mu.Unlock()
		return len(tran.sent) == 1
	})
	tran.push("ok")

	waitUntil(t, func() bool {
		tran.mu.Lock()
		defer tran.mu.Unlock()
		return len(tran.sent) == 2
	})
	tran.push("ok")

	waitUntil(t, func() bool {
		p, err := h.Progress()
		return err == nil && p.CurrentLine == 2
	})
}

func TestStatusReportUpdatesReadState(t *testing.T) {
	h, tran := newTestHost(t)
	tran.push("<Idle|MPos:1.000,2.000,3.000>")

	waitUntil(t, func() bool {
		return h.ReadState().MPos.X == 1
	})
	snap := h.ReadState()
	if snap.MPos.Y != 2 || snap.MPos.Z != 3 {
		t.Fatalf("unexpected MPos: %+v", snap.MPos)
	}
}

func TestJogSendsRealtimeJogCancel(t *testing.T) {
	h, tran := newTestHost(t)
	if _, err := h.Jog(map[byte]float64{'X': 1}, 500, true); err != nil {
		t.Fatalf("Jog: %v", err)
	}
	if err := h.SendRealtime(protocol.RTJogCancel); err != nil {
		t.Fatalf("SendRealtime: %v", err)
	}
	tran.mu.Lock()
	defer tran.mu.Unlock()
	if len(tran.realtime) != 1 || tran.realtime[0] != byte(protocol.RTJogCancel) {
		t.Fatalf("expected jog-cancel byte written, got %v", tran.realtime)
	}
}

func TestQueryLinesAndTelemetryRecordWireTraffic(t *testing.T) {
	h, tran := newTestHost(t)

	if _, err := h.SendCommand(protocol.GCode("G0 X1")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	waitUntil(t, func() bool {
		tran.mu.Lock()
		defer tran.mu.Unlock()
		return len(tran.sent) == 1
	})
	tran.push("ok")
	tran.push("<Idle|MPos:1.000,2.000,3.000>")
	waitUntil(t, func() bool { return h.ReadState().MPos.X == 1 })

	lines := h.QueryLines(QueryOptions{})
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 recorded lines (down G0 X1, up ok, up status), got %d: %+v", len(lines), lines)
	}

	start := time.Now().Add(-time.Minute)
	end := time.Now().Add(time.Minute)
	_, vals := h.QueryTelemetry([]string{telemetry.KeyMPosX}, start, end, time.Second)
	found := false
	for _, v := range vals[telemetry.KeyMPosX] {
		if v != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one non-nil mpos_x sample, got %v", vals[telemetry.KeyMPosX])
	}
}

func TestSetFeedOverrideClampsAndSendsMinimalSteps(t *testing.T) {
	h, tran := newTestHost(t)

	if err := h.SetFeedOverride(205); err != nil {
		t.Fatalf("SetFeedOverride: %v", err)
	}

	tran.mu.Lock()
	realtime := append([]byte(nil), tran.realtime...)
	tran.mu.Unlock()

	if len(realtime) > 10 {
		t.Fatalf("expected at most 10 real-time bytes, got %d: %v", len(realtime), realtime)
	}
	for _, b := range realtime {
		if b != byte(protocol.RTFeedOverridePlus10) {
			t.Fatalf("expected only +10%% override bytes (0x91), got %#x in %v", b, realtime)
		}
	}

	// Starting from the firmware default of 100%, reaching 200% (the
	// clamp of 205) takes exactly 10 +10% steps.
	if len(realtime) != 10 {
		t.Fatalf("expected exactly 10 steps from 100 to 200, got %d", len(realtime))
	}

	final := 100 + 10*len(realtime)
	if final != 200 {
		t.Fatalf("expected tracked feed override to reach 200, got %d", final)
	}
}

func TestSetRapidOverrideSnapsToNearestValue(t *testing.T) {
	h, tran := newTestHost(t)

	if err := h.SetRapidOverride(40); err != nil {
		t.Fatalf("SetRapidOverride: %v", err)
	}

	tran.mu.Lock()
	defer tran.mu.Unlock()
	if len(tran.realtime) != 1 || tran.realtime[0] != byte(protocol.RTRapidOverride50) {
		t.Fatalf("expected single rapid-override-50 byte, got %v", tran.realtime)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func waitForEvent(t *testing.T, ch chan any, match func(eventbus.Event) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if ev, ok := v.(eventbus.Event); ok && match(ev) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching event")
		}
	}
}
