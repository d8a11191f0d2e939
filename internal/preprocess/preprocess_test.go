// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package preprocess

import (
	"math"
	"testing"

	"grblhost/internal/gcode"
	"grblhost/internal/state"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestRapidAndLinearSegments(t *testing.T) {
	blocks, _ := gcode.Parse("G0 X10 Y0\nG1 X10 Y10 F300")
	p := New()
	segs, diags := p.Process(blocks)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Kind != Rapid || !almostEqual(segs[0].End.X, 10) {
		t.Fatalf("unexpected first segment: %+v", segs[0])
	}
	if segs[1].Kind != Linear || !almostEqual(segs[1].End.Y, 10) || segs[1].Feed != 300 {
		t.Fatalf("unexpected second segment: %+v", segs[1])
	}
	if !segs[0].Provisional {
		t.Fatal("expected segment to be provisional before a work offset is known")
	}
}

func TestRelativeDistanceMode(t *testing.T) {
	blocks, _ := gcode.Parse("G91 G1 X5\nG1 X5")
	p := New()
	segs, _ := p.Process(blocks)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if !almostEqual(segs[0].End.X, 5) || !almostEqual(segs[1].End.X, 10) {
		t.Fatalf("expected cumulative relative motion 5 then 10, got %v %v", segs[0].End, segs[1].End)
	}
}

func TestArcFlatteningMatchesSpecExample(t *testing.T) {
	blocks, diags := gcode.Parse("G2 X10 Y0 I5 J0")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	p := New()
	p.AngularStepDegrees = 90
	segs, diags := p.Process(blocks)
	if len(diags) != 0 {
		t.Fatalf("unexpected preprocessor diagnostics: %v", diags)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	seg := segs[0]
	if seg.Kind != ArcCW {
		t.Fatalf("expected ArcCW, got %v", seg.Kind)
	}
	if !almostEqual(seg.End.X, 10) || !almostEqual(seg.End.Y, 0) {
		t.Fatalf("unexpected end point: %+v", seg.End)
	}
	if seg.Center == nil || !almostEqual(seg.Center.X, 5) || !almostEqual(seg.Center.Y, 0) {
		t.Fatalf("unexpected center: %+v", seg.Center)
	}
	if len(seg.Chords) != 1 {
		t.Fatalf("expected exactly 1 intermediate chord point at 90deg resolution, got %d", len(seg.Chords))
	}
	if !almostEqual(seg.Chords[0].X, 5) || !almostEqual(seg.Chords[0].Y, 5) {
		t.Fatalf("expected intermediate chord at (5,5), got %+v", seg.Chords[0])
	}
}

func TestUnitConversionInchesToMM(t *testing.T) {
	blocks, _ := gcode.Parse("G20 G1 X1")
	p := New()
	segs, _ := p.Process(blocks)
	if !almostEqual(segs[0].End.X, 25.4) {
		t.Fatalf("expected 1 inch converted to 25.4mm, got %v", segs[0].End.X)
	}
}

func TestWorkOffsetAppliedWhenKnown(t *testing.T) {
	blocks, _ := gcode.Parse("G1 X5 Y5")
	p := New()
	p.SetWorkOffset(state.Position{X: 100, Y: 100})
	segs, _ := p.Process(blocks)
	if segs[0].Provisional {
		t.Fatal("segment should not be provisional once a work offset is set")
	}
	if !almostEqual(segs[0].End.X, 105) || !almostEqual(segs[0].End.Y, 105) {
		t.Fatalf("expected offset applied to end point, got %+v", segs[0].End)
	}
}

func TestArcMissingOffsetsProducesZeroLengthErrorSegment(t *testing.T) {
	blocks, _ := gcode.Parse("G2 X10 Y0")
	p := New()
	segs, diags := p.Process(blocks)
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic for missing arc data, got %d", len(diags))
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 zero-length segment to keep indices aligned, got %d", len(segs))
	}
	if segs[0].Start != segs[0].End {
		t.Fatalf("expected zero-length segment, got start=%+v end=%+v", segs[0].Start, segs[0].End)
	}
}
