// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package state

import (
	"testing"
	"time"

	"grblhost/internal/eventbus"
)

func TestApplyDerivesWPosFromMPosAndWCO(t *testing.T) {
	ms := New(nil)
	mpos := Position{X: 10, Y: 5, Z: 0}
	wco := Position{X: 1, Y: 1, Z: 0}
	ms.Apply(StatusReport{State: Idle, MPos: &mpos, WCO: &wco})

	snap := ms.Snapshot()
	if !snap.WPos.WithinEpsilon(Position{X: 9, Y: 4, Z: 0}, 1e-6) {
		t.Fatalf("expected derived WPos (9,4,0), got %+v", snap.WPos)
	}
	if !snap.HaveWCO {
		t.Fatal("expected HaveWCO true after a report carrying WCO")
	}
}

func TestApplyDerivesMPosFromWPosAndPriorWCO(t *testing.T) {
	ms := New(nil)
	wco := Position{X: 1, Y: 1, Z: 0}
	mpos := Position{X: 1, Y: 1, Z: 0}
	ms.Apply(StatusReport{State: Idle, MPos: &mpos, WCO: &wco})

	wpos := Position{X: 5, Y: 5, Z: 0}
	ms.Apply(StatusReport{State: Idle, WPos: &wpos})

	snap := ms.Snapshot()
	if !snap.MPos.WithinEpsilon(Position{X: 6, Y: 6, Z: 0}, 1e-6) {
		t.Fatalf("expected derived MPos (6,6,0), got %+v", snap.MPos)
	}
}

func TestApplyWPosWithoutPriorWCOLeavesMPosAlone(t *testing.T) {
	ms := New(nil)
	wpos := Position{X: 5, Y: 5, Z: 0}
	ms.Apply(StatusReport{State: Idle, WPos: &wpos})

	snap := ms.Snapshot()
	if snap.WPos != wpos {
		t.Fatalf("expected WPos authoritative, got %+v", snap.WPos)
	}
	if snap.MPos != (Position{}) {
		t.Fatalf("expected MPos left unchanged (zero), got %+v", snap.MPos)
	}
}

func TestApplyOnlyEmitsEventsForChangedFields(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	ms := New(bus)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	feed := 100.0
	ms.Apply(StatusReport{State: Run, Feed: &feed})
	waitForEventType(t, ch, eventbus.FeedChanged)

	// Re-applying the same feed should not emit another FeedChanged.
	ms.Apply(StatusReport{State: Run, Feed: &feed})
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra event for unchanged feed: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForEventType(t *testing.T, ch chan any, want eventbus.EventType) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case v := <-ch:
			if ev, ok := v.(eventbus.Event); ok && ev.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %v", want)
		}
	}
}

func TestResetConnectionClearsHaveWCO(t *testing.T) {
	ms := New(nil)
	wco := Position{X: 1, Y: 1, Z: 0}
	mpos := Position{X: 1, Y: 1, Z: 0}
	ms.Apply(StatusReport{State: Idle, MPos: &mpos, WCO: &wco})
	if !ms.Snapshot().HaveWCO {
		t.Fatal("expected HaveWCO true before reset")
	}

	ms.ResetConnection()
	if ms.Snapshot().HaveWCO {
		t.Fatal("expected HaveWCO false after ResetConnection")
	}
	if ms.Snapshot().Status != Unknown {
		t.Fatalf("expected Unknown status after reset, got %v", ms.Snapshot().Status)
	}
}

func TestClampHelpers(t *testing.T) {
	if ClampFeedOrSpindle(5) != 10 || ClampFeedOrSpindle(250) != 200 || ClampFeedOrSpindle(150) != 150 {
		t.Fatal("ClampFeedOrSpindle out of expected bounds")
	}
	if ClampRapid(10) != 25 || ClampRapid(60) != 50 || ClampRapid(99) != 100 {
		t.Fatal("ClampRapid snapping to wrong bucket")
	}
}
