// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package state holds the single-writer, many-reader machine/program
// state model fed by parsed status reports: dual position systems,
// overrides, buffer, coordinate system, plus the reconciliation rule
// between MPos/WPos/WCO.
package state

import (
	"math"
	"sync"

	"grblhost/internal/eventbus"
)

// MachineStatus mirrors GRBL's <...> status state names.
type MachineStatus string

const (
	Unknown MachineStatus = "Unknown"
	Idle    MachineStatus = "Idle"
	Run     MachineStatus = "Run"
	Hold    MachineStatus = "Hold"
	Jog     MachineStatus = "Jog"
	Alarm   MachineStatus = "Alarm"
	Door    MachineStatus = "Door"
	Check   MachineStatus = "Check"
	Home    MachineStatus = "Home"
	Sleep   MachineStatus = "Sleep"
)

// IsAlarm reports whether the status represents the firmware alarm state.
func (s MachineStatus) IsAlarm() bool { return s == Alarm }

// Position is a 3-axis (plus optional ABC) coordinate tuple, in mm.
type Position struct {
	X, Y, Z float64
	A, B, C float64
	HasABC  bool
}

func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// WithinEpsilon reports whether every component of p and o differ by less than eps.
func (p Position) WithinEpsilon(o Position, eps float64) bool {
	return math.Abs(p.X-o.X) < eps && math.Abs(p.Y-o.Y) < eps && math.Abs(p.Z-o.Z) < eps
}

// Overrides are firmware-bounded percentages.
type Overrides struct {
	Feed    uint8 // 10..=200
	Rapid   uint8 // one of {25,50,100}
	Spindle uint8 // 10..=200
}

// ClampFeedOrSpindle clamps a requested feed/spindle override percent to firmware bounds.
func ClampFeedOrSpindle(v int) uint8 {
	if v < 10 {
		return 10
	}
	if v > 200 {
		return 200
	}
	return uint8(v)
}

// ClampRapid snaps a requested rapid override percent to the nearest valid value.
func ClampRapid(v int) uint8 {
	switch {
	case v <= 25:
		return 25
	case v <= 75:
		return 50
	default:
		return 100
	}
}

// Buffer reflects the firmware's Bf: planner-blocks,rx-bytes status field.
type Buffer struct {
	PlannerBlocks uint16
	RxBytes       uint16
}

// CoordSystem is the active work coordinate system, G54..G59.
type CoordSystem string

const (
	G54 CoordSystem = "G54"
	G55 CoordSystem = "G55"
	G56 CoordSystem = "G56"
	G57 CoordSystem = "G57"
	G58 CoordSystem = "G58"
	G59 CoordSystem = "G59"
)

// Snapshot is an immutable, by-value copy of MachineState for readers.
type Snapshot struct {
	Status      MachineStatus
	MPos        Position
	WPos        Position
	WCO         Position
	Feed        float64
	Spindle     float64
	SpindleOn   bool
	Overrides   Overrides
	Buffer      Buffer
	CoordSystem CoordSystem
	HaveWCO     bool // whether WCO has ever been received this connection
}

// MachineState is the exclusive-writer, many-reader model.
// Only the protocol engine's response handler calls the Apply* methods;
// everyone else calls Snapshot().
type MachineState struct {
	mu   sync.RWMutex
	snap Snapshot
	bus  *eventbus.Bus
}

func New(bus *eventbus.Bus) *MachineState {
	return &MachineState{
		snap: Snapshot{Status: Unknown, Overrides: Overrides{Feed: 100, Rapid: 100, Spindle: 100}},
		bus:  bus,
	}
}

// Snapshot returns a point-in-time copy, safe for concurrent readers.
func (ms *MachineState) Snapshot() Snapshot {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.snap
}

// ResetConnection clears volatile, connection-scoped fields (WCO
// freshness, status) on disconnect/reconnect, because G92/WCO offsets
// are not guaranteed to survive across a new connection (whether G92
// offsets survive a soft reset is firmware-version-dependent, so a
// fresh connection starts from a clean slate rather than guessing).
func (ms *MachineState) ResetConnection() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.snap = Snapshot{Status: Unknown, Overrides: Overrides{Feed: 100, Rapid: 100, Spindle: 100}}
	ms.publish(eventbus.Event{Type: eventbus.StatusChanged})
}

func (ms *MachineState) publish(ev eventbus.Event) {
	if ms.bus != nil {
		ms.bus.Publish(ev)
	}
}

// StatusReport is the parsed form of a GRBL <...> line, as produced by
// internal/protocol. Fields are pointers so "absent from this report"
// is distinguishable from "zero".
type StatusReport struct {
	State       MachineStatus
	MPos        *Position
	WPos        *Position
	WCO         *Position
	Feed        *float64
	Spindle     *float64
	Overrides   *Overrides
	Buffer      *Buffer
	CoordSystem *CoordSystem
}

// Apply reconciles a freshly parsed status report into the state
// model: derive the missing one of {MPos,WPos,WCO} from the other
// two, check consistency within 1e-4mm when all three are present, and
// emit exactly the events whose backing field actually changed.
func (ms *MachineState) Apply(r StatusReport) {
	const epsilon = 1e-4

	ms.mu.Lock()
	prev := ms.snap
	next := prev
	next.Status = r.State

	switch {
	case r.MPos != nil && r.WPos != nil && r.WCO != nil:
		next.MPos, next.WPos, next.WCO = *r.MPos, *r.WPos, *r.WCO
		next.HaveWCO = true
		if !next.MPos.WithinEpsilon(next.WPos.Add(next.WCO), epsilon) {
			ms.mu.Unlock()
			ms.publish(eventbus.Event{
				Type:    eventbus.ErrorOccurred,
				Message: "parse: MPos/WPos/WCO inconsistent beyond epsilon",
			})
			ms.mu.Lock()
		}
	case r.WCO != nil:
		next.WCO = *r.WCO
		next.HaveWCO = true
		if r.MPos != nil {
			next.MPos = *r.MPos
			next.WPos = next.MPos.Sub(next.WCO)
		} else if r.WPos != nil {
			next.WPos = *r.WPos
			next.MPos = next.WPos.Add(next.WCO)
		}
	case r.MPos != nil:
		next.MPos = *r.MPos
		if next.HaveWCO {
			next.WPos = next.MPos.Sub(next.WCO)
		}
	case r.WPos != nil:
		// No WCO in this report. If we have never seen a WCO, WPos is
		// left authoritative and MPos is left unchanged. Otherwise
		// reconcile with the last known WCO.
		next.WPos = *r.WPos
		if next.HaveWCO {
			next.MPos = next.WPos.Add(next.WCO)
		}
	}

	if r.Feed != nil {
		next.Feed = *r.Feed
	}
	if r.Spindle != nil {
		next.Spindle = *r.Spindle
		next.SpindleOn = *r.Spindle > 0
	}
	if r.Overrides != nil {
		next.Overrides = *r.Overrides
	}
	if r.Buffer != nil {
		next.Buffer = *r.Buffer
	}
	if r.CoordSystem != nil {
		next.CoordSystem = *r.CoordSystem
	}

	ms.snap = next
	ms.mu.Unlock()

	ms.emitDiffEvents(prev, next)
}

func (ms *MachineState) emitDiffEvents(prev, next Snapshot) {
	if prev.Status != next.Status {
		ms.publish(eventbus.Event{Type: eventbus.StatusChanged})
	}
	if prev.MPos != next.MPos || prev.WPos != next.WPos || prev.WCO != next.WCO {
		ms.publish(eventbus.Event{Type: eventbus.PositionChanged})
	}
	if prev.SpindleOn != next.SpindleOn || prev.Spindle != next.Spindle {
		ms.publish(eventbus.Event{Type: eventbus.SpindleChanged})
	}
	if prev.Feed != next.Feed {
		ms.publish(eventbus.Event{Type: eventbus.FeedChanged})
	}
	if prev.Overrides != next.Overrides {
		ms.publish(eventbus.Event{Type: eventbus.OverridesChanged})
	}
	if prev.CoordSystem != next.CoordSystem {
		ms.publish(eventbus.Event{Type: eventbus.CoordinateSystemChanged})
	}
}
