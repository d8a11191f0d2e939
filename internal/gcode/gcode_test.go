// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package gcode

import "testing"

func TestParseSimpleMotionBlock(t *testing.T) {
	blocks, diags := Parse("G1 X10.5 Y-3 F500")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if w, ok := b.Find('G'); !ok || w.Value != 1 {
		t.Fatalf("expected G1, got %+v ok=%v", w, ok)
	}
	if w, ok := b.Find('X'); !ok || w.Value != 10.5 {
		t.Fatalf("expected X10.5, got %+v ok=%v", w, ok)
	}
	if w, ok := b.Find('Y'); !ok || w.Value != -3 {
		t.Fatalf("expected Y-3, got %+v ok=%v", w, ok)
	}
}

func TestParseLineNumberExtracted(t *testing.T) {
	blocks, diags := Parse("N10 G0 X0 Y0")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if blocks[0].LineNumber == nil || *blocks[0].LineNumber != 10 {
		t.Fatalf("expected line number 10, got %v", blocks[0].LineNumber)
	}
	if _, ok := blocks[0].Find('N'); ok {
		t.Fatal("N word should not also appear among Words")
	}
}

func TestParseComments(t *testing.T) {
	blocks, diags := Parse("G1 X1 (move right) ; trailing note")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if blocks[0].Comment != "move right trailing note" {
		t.Fatalf("unexpected comment merge: %q", blocks[0].Comment)
	}
	if _, ok := blocks[0].Find('X'); !ok {
		t.Fatal("expected X word to survive comment stripping")
	}
}

func TestParseBlankLinesPreserveSourceLineNumbers(t *testing.T) {
	blocks, _ := Parse("G0 X0\n\nG0 X1")
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].SourceLine != 1 || blocks[1].SourceLine != 3 {
		t.Fatalf("expected source lines 1 and 3, got %d and %d", blocks[0].SourceLine, blocks[1].SourceLine)
	}
}

func TestParseCaseInsensitiveLetters(t *testing.T) {
	blocks, diags := Parse("g1 x5 y5")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if _, ok := blocks[0].Find('G'); !ok {
		t.Fatal("expected lowercase g to normalize to G")
	}
	if _, ok := blocks[0].Find('X'); !ok {
		t.Fatal("expected lowercase x to normalize to X")
	}
}

func TestParseMalformedNumberDoesNotAbortProgram(t *testing.T) {
	blocks, diags := Parse("G1 X1\nG1 X1.2.3\nG1 X2")
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks despite one malformed word, got %d", len(blocks))
	}
	if len(diags) == 0 {
		t.Fatal("expected a diagnostic for the malformed number")
	}
	if diags[0].Line != 2 {
		t.Fatalf("expected diagnostic on line 2, got %d", diags[0].Line)
	}
}

func TestFindAllReturnsOnlyMatchingLetter(t *testing.T) {
	blocks, _ := Parse("G2 X10 Y0 I5 J0")
	all := blocks[0].FindAll('G')
	if len(all) != 1 || all[0].Value != 2 {
		t.Fatalf("expected single G2 word, got %v", all)
	}
}
