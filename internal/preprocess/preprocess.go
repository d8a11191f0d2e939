// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package preprocess turns parsed G-code blocks into executable
// Segments: it tracks modal state across blocks, resolves absolute vs
// relative motion, flattens arcs to chords, converts everything to
// millimetres, and applies work-coordinate offsets where known.
//
// The arc math follows common GRBL-family conventions: IJK as an
// offset from the start point by default (G91.1), R selecting the
// short arc for a positive radius and the long way around for a
// negative one.
package preprocess

import (
	"math"

	"grblhost/internal/gcode"
	"grblhost/internal/state"
)

type SegmentKind string

const (
	Rapid  SegmentKind = "Rapid"
	Linear SegmentKind = "Linear"
	ArcCW  SegmentKind = "ArcCW"
	ArcCCW SegmentKind = "ArcCCW"
)

// Segment is one executable move, derived from a ProgramBlock.
type Segment struct {
	Kind        SegmentKind
	Start       state.Position
	End         state.Position
	Center      *state.Position // set for ArcCW/ArcCCW
	Feed        float64         // mm/min
	SourceLine  uint32
	Provisional bool        // true when emitted before a work offset was known
	Chords      []state.Position // flattened arc approximation, ArcCW/ArcCCW only
}

type plane int

const (
	planeXY plane = iota
	planeXZ
	planeYZ
)

// DefaultAngularStepDegrees is the default arc-flattening resolution.
const DefaultAngularStepDegrees = 1.0

// modal holds the preprocessor's cross-block state: the active plane,
// distance/unit/feed modes as flags, and the current motion mode as its
// G-code number.
type modal struct {
	plane        plane
	absolute     bool // G90 (true) / G91 (false)
	arcAbsolute  bool // G90.1 (true) / G91.1 (false), default false
	mm           bool // G21 (true) / G20 (false), default true
	inverseTime  bool // G93 (true) / G94 (false), default false
	coordSystem  state.CoordSystem
	motion       float64 // last seen motion G-code: 0,1,2,3,...
	feed         float64 // last programmed feed rate, mm/min, persists across blocks
	spindleOn    bool
	coolantMist  bool
	coolantFlood bool
}

func defaultModal() modal {
	return modal{
		plane:       planeXY,
		absolute:    true,
		arcAbsolute: false,
		mm:          true,
		coordSystem: state.G54,
		motion:      0,
	}
}

// Preprocessor converts a parsed program into Segments, maintaining
// modal state and current position the way the firmware's motion
// planner does.
type Preprocessor struct {
	AngularStepDegrees float64

	m   modal
	pos state.Position // current position, in the programmed (pre-offset) frame

	haveOffset bool
	offset     state.Position // work coordinate system offset + G92, when known
}

func New() *Preprocessor {
	return &Preprocessor{AngularStepDegrees: DefaultAngularStepDegrees, m: defaultModal()}
}

// SetWorkOffset records the offset between the programmed frame and
// machine coordinates (work coordinate system + any active G92), so
// subsequent segments are emitted in machine coordinates instead of
// being tagged provisional.
func (p *Preprocessor) SetWorkOffset(offset state.Position) {
	p.offset = offset
	p.haveOffset = true
}

// Process converts every block into zero or one Segment, in order.
// Blocks that carry no motion (spindle/coolant-only, pure modal
// changes) produce no Segment. A block whose motion cannot be
// resolved (e.g. an arc missing IJK/R) produces a zero-length Segment
// at the current position plus a Diagnostic, and position does not
// advance, mirroring what the firmware itself would reject.
func (p *Preprocessor) Process(blocks []gcode.ProgramBlock) ([]Segment, []gcode.Diagnostic) {
	var segs []Segment
	var diags []gcode.Diagnostic

	for _, b := range blocks {
		p.applyNonMotionModal(b)

		seg, diag, moved := p.blockSegment(b)
		if diag != nil {
			diags = append(diags, *diag)
		}
		if moved {
			segs = append(segs, seg)
		}
	}

	return segs, diags
}

func (p *Preprocessor) applyNonMotionModal(b gcode.ProgramBlock) {
	for _, w := range b.Words {
		switch w.Letter {
		case 'G':
			switch w.Value {
			case 17:
				p.m.plane = planeXY
			case 18:
				p.m.plane = planeXZ
			case 19:
				p.m.plane = planeYZ
			case 90:
				p.m.absolute = true
			case 91:
				p.m.absolute = false
			case 90.1:
				p.m.arcAbsolute = true
			case 91.1:
				p.m.arcAbsolute = false
			case 20:
				p.m.mm = false
			case 21:
				p.m.mm = true
			case 93:
				p.m.inverseTime = true
			case 94:
				p.m.inverseTime = false
			case 54:
				p.m.coordSystem = state.G54
			case 55:
				p.m.coordSystem = state.G55
			case 56:
				p.m.coordSystem = state.G56
			case 57:
				p.m.coordSystem = state.G57
			case 58:
				p.m.coordSystem = state.G58
			case 59:
				p.m.coordSystem = state.G59
			case 0, 1, 2, 3:
				p.m.motion = w.Value
			}
		case 'M':
			switch w.Value {
			case 3, 4:
				p.m.spindleOn = true
			case 5:
				p.m.spindleOn = false
			case 7:
				p.m.coolantMist = true
			case 8:
				p.m.coolantFlood = true
			case 9:
				p.m.coolantMist, p.m.coolantFlood = false, false
			}
		}
	}
}

// blockSegment resolves the motion (if any) implied by one block.
func (p *Preprocessor) blockSegment(b gcode.ProgramBlock) (Segment, *gcode.Diagnostic, bool) {
	target := p.pos
	hasTarget := false
	for _, axis := range []byte{'X', 'Y', 'Z'} {
		w, ok := b.Find(axis)
		if !ok {
			continue
		}
		hasTarget = true
		v := p.toMM(w.Value)
		if p.m.absolute {
			setAxis(&target, axis, v)
		} else {
			setAxis(&target, axis, getAxis(p.pos, axis)+v)
		}
	}

	isArc := p.m.motion == 2 || p.m.motion == 3
	if !hasTarget && !isArc {
		return Segment{}, nil, false
	}

	feed := p.currentFeed(b)

	switch p.m.motion {
	case 0:
		seg := p.finish(Rapid, p.pos, target, nil, feed, b.SourceLine)
		p.pos = target
		return seg, nil, true
	case 1:
		seg := p.finish(Linear, p.pos, target, nil, feed, b.SourceLine)
		p.pos = target
		return seg, nil, true
	case 2, 3:
		return p.arcSegment(b, target, feed)
	default:
		return Segment{}, nil, false
	}
}

// currentFeed returns the feed rate in effect for this block: a
// programmed F word updates the modal feed rate, which otherwise
// persists from the previous block.
func (p *Preprocessor) currentFeed(b gcode.ProgramBlock) float64 {
	if w, ok := b.Find('F'); ok {
		p.m.feed = p.toMM(w.Value) // F is already mm/min or in/min, same linear conversion as a length
	}
	return p.m.feed
}

func (p *Preprocessor) arcSegment(b gcode.ProgramBlock, target state.Position, feed float64) (Segment, *gcode.Diagnostic, bool) {
	kind := ArcCW
	if p.m.motion == 3 {
		kind = ArcCCW
	}

	a1, a2 := planeAxes(p.m.plane)
	start := p.pos

	var center state.Position
	haveCenter := false

	iw, iok := b.Find(arcOffsetLetter(a1))
	jw, jok := b.Find(arcOffsetLetter(a2))
	if iok || jok {
		i, j := 0.0, 0.0
		if iok {
			i = p.toMM(iw.Value)
		}
		if jok {
			j = p.toMM(jw.Value)
		}
		center = start
		if p.m.arcAbsolute {
			setAxis(&center, a1, i)
			setAxis(&center, a2, j)
		} else {
			setAxis(&center, a1, getAxis(start, a1)+i)
			setAxis(&center, a2, getAxis(start, a2)+j)
		}
		haveCenter = true
	} else if rw, ok := b.Find('R'); ok {
		r := p.toMM(rw.Value)
		c, ok := arcCenterFromRadius(start, target, r, a1, a2, kind == ArcCW)
		if !ok {
			diag := &gcode.Diagnostic{Line: b.SourceLine, Column: 1, Message: "arc radius geometry has no solution"}
			return p.finish(kind, start, start, nil, feed, b.SourceLine), diag, true
		}
		center = c
		haveCenter = true
	}

	if !haveCenter {
		diag := &gcode.Diagnostic{Line: b.SourceLine, Column: 1, Message: "arc missing IJK offsets and R radius"}
		return p.finish(kind, start, start, nil, feed, b.SourceLine), diag, true
	}

	chords := flattenArc(start, target, center, a1, a2, kind == ArcCW, p.angularStep())
	seg := p.finish(kind, start, target, &center, feed, b.SourceLine)
	seg.Chords = chords
	p.pos = target
	return seg, nil, true
}

func (p *Preprocessor) angularStep() float64 {
	if p.AngularStepDegrees <= 0 {
		return DefaultAngularStepDegrees
	}
	return p.AngularStepDegrees
}

// finish applies the work offset (or tags the segment provisional)
// and fills in the common fields.
func (p *Preprocessor) finish(kind SegmentKind, start, end state.Position, center *state.Position, feed float64, sourceLine uint32) Segment {
	seg := Segment{Kind: kind, Feed: feed, SourceLine: sourceLine}
	if p.haveOffset {
		seg.Start = start.Add(p.offset)
		seg.End = end.Add(p.offset)
		if center != nil {
			c := center.Add(p.offset)
			seg.Center = &c
		}
	} else {
		seg.Start = start
		seg.End = end
		seg.Center = center
		seg.Provisional = true
	}
	return seg
}

// toMM converts a programmed length/feed value into millimetres.
func (p *Preprocessor) toMM(v float64) float64 {
	if p.m.mm {
		return v
	}
	return v * 25.4
}

func setAxis(pos *state.Position, axis byte, v float64) {
	switch axis {
	case 'X':
		pos.X = v
	case 'Y':
		pos.Y = v
	case 'Z':
		pos.Z = v
	}
}

func getAxis(pos state.Position, axis byte) float64 {
	switch axis {
	case 'X':
		return pos.X
	case 'Y':
		return pos.Y
	case 'Z':
		return pos.Z
	}
	return 0
}

func planeAxes(pl plane) (byte, byte) {
	switch pl {
	case planeXZ:
		return 'X', 'Z'
	case planeYZ:
		return 'Y', 'Z'
	default:
		return 'X', 'Y'
	}
}

func arcOffsetLetter(axis byte) byte {
	switch axis {
	case 'X':
		return 'I'
	case 'Y':
		return 'J'
	case 'Z':
		return 'K'
	}
	return 0
}

// arcCenterFromRadius computes the arc center from start, end and a
// signed radius and the arc direction: a positive radius selects the
// arc spanning 180° or less, a negative radius the arc spanning more
// than 180°.
func arcCenterFromRadius(start, end state.Position, r float64, a1, a2 byte, clockwise bool) (state.Position, bool) {
	x1, y1 := getAxis(start, a1), getAxis(start, a2)
	x2, y2 := getAxis(end, a1), getAxis(end, a2)

	dx, dy := x2-x1, y2-y1
	d := math.Hypot(dx, dy)
	if d == 0 {
		return state.Position{}, false
	}
	absR := math.Abs(r)
	if d/2 > absR {
		return state.Position{}, false // endpoints too far apart for this radius
	}

	mx, my := (x1+x2)/2, (y1+y2)/2
	h := math.Sqrt(absR*absR - (d/2)*(d/2))

	// Perpendicular unit vector to the chord.
	ux, uy := -dy/d, dx/d

	// Positive radius: center on the side giving the short (<=180°) arc.
	// Negative radius: the other side, giving the long (>180°) arc.
	// The left-hand side of the chord gives the short arc for a
	// counter-clockwise move; a clockwise move needs the other side.
	sign := 1.0
	if r < 0 {
		sign = -1.0
	}
	if clockwise {
		sign = -sign
	}
	cx := mx + sign*h*ux
	cy := my + sign*h*uy

	center := start
	setAxis(&center, a1, cx)
	setAxis(&center, a2, cy)
	return center, true
}

// flattenArc produces intermediate chord points at the given angular
// resolution, from start to end around center, in the plane spanned
// by a1/a2. The off-plane axis is interpolated linearly (helical moves).
func flattenArc(start, end, center state.Position, a1, a2 byte, clockwise bool, stepDegrees float64) []state.Position {
	sx, sy := getAxis(start, a1)-getAxis(center, a1), getAxis(start, a2)-getAxis(center, a2)
	ex, ey := getAxis(end, a1)-getAxis(center, a1), getAxis(end, a2)-getAxis(center, a2)

	startAngle := math.Atan2(sy, sx)
	endAngle := math.Atan2(ey, ex)
	radius := math.Hypot(sx, sy)

	sweep := endAngle - startAngle
	if clockwise {
		for sweep >= 0 {
			sweep -= 2 * math.Pi
		}
	} else {
		for sweep <= 0 {
			sweep += 2 * math.Pi
		}
	}

	step := stepDegrees * math.Pi / 180
	if step <= 0 {
		step = DefaultAngularStepDegrees * math.Pi / 180
	}
	steps := int(math.Abs(sweep) / step)

	var chords []state.Position
	for i := 1; i < steps; i++ {
		angle := startAngle + sweep*float64(i)/float64(steps)
		pt := center
		setAxis(&pt, a1, getAxis(center, a1)+radius*math.Cos(angle))
		setAxis(&pt, a2, getAxis(center, a2)+radius*math.Sin(angle))
		chords = append(chords, pt)
	}
	return chords
}
