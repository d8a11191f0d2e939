// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gcode tokenizes G-code source into an ordered sequence of
// blocks, one per source line, without resolving modal state (that is
// internal/preprocess's job).
//
// Malformed words are reported as diagnostics, returned alongside the
// blocks, rather than aborting the whole parse, so one bad line doesn't
// lose the rest of the program.
package gcode

import (
	"strconv"
	"strings"
)

// Word is a single letter+value pair, e.g. X12.5 or G1.
type Word struct {
	Letter byte
	Value  float64
}

// ProgramBlock is one parsed source line.
type ProgramBlock struct {
	LineNumber *uint32 // from an "N..." word, if present
	Words      []Word
	Comment    string
	SourceLine uint32 // 1-based source line, always set
}

// Diagnostic reports a parse problem that did not abort the program.
type Diagnostic struct {
	Line    uint32
	Column  int
	Message string
}

// Parse tokenizes program source into ProgramBlocks, one per
// non-blank line; blank lines are skipped but the source line counter
// still advances so SourceLine stays aligned with the input. Parse
// never aborts on a bad line: a malformed word is dropped from its
// block, the rest of the block is kept, and a Diagnostic is appended.
func Parse(source string) ([]ProgramBlock, []Diagnostic) {
	var blocks []ProgramBlock
	var diags []Diagnostic

	lines := strings.Split(source, "\n")
	for i, raw := range lines {
		sourceLine := uint32(i + 1)
		stripped, comment := stripComment(raw)
		stripped = strings.TrimSpace(stripped)
		if stripped == "" {
			continue
		}

		block, lineDiags := parseLine(stripped, sourceLine)
		block.Comment = comment
		block.SourceLine = sourceLine
		diags = append(diags, lineDiags...)
		blocks = append(blocks, block)
	}

	return blocks, diags
}

// stripComment removes a trailing ";..." comment and any "(...)"
// comments anywhere in the line, concatenating their text.
func stripComment(line string) (code string, comment string) {
	var b strings.Builder
	var comments []string

	i := 0
	for i < len(line) {
		switch line[i] {
		case ';':
			comments = append(comments, strings.TrimSpace(line[i+1:]))
			i = len(line)
		case '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				comments = append(comments, strings.TrimSpace(line[i+1:]))
				i = len(line)
				continue
			}
			comments = append(comments, strings.TrimSpace(line[i+1:i+end]))
			i += end + 1
		default:
			b.WriteByte(line[i])
			i++
		}
	}
	return b.String(), strings.Join(comments, " ")
}

// parseLine tokenizes the comment-stripped remainder of one line into
// letter/value words, pulling out a leading "N..." as the line number.
func parseLine(code string, sourceLine uint32) (ProgramBlock, []Diagnostic) {
	var block ProgramBlock
	var diags []Diagnostic

	col := 0
	for col < len(code) {
		if code[col] == ' ' || code[col] == '\t' {
			col++
			continue
		}
		letter := code[col]
		if !isAlpha(letter) {
			diags = append(diags, Diagnostic{Line: sourceLine, Column: col + 1, Message: "expected a letter, found " + string(letter)})
			col++
			continue
		}
		letter = upper(letter)
		start := col
		col++
		valStart := col
		for col < len(code) && isValueByte(code[col]) {
			col++
		}
		valStr := code[valStart:col]
		if valStr == "" {
			diags = append(diags, Diagnostic{Line: sourceLine, Column: start + 1, Message: "letter " + string(letter) + " missing a value"})
			continue
		}
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			diags = append(diags, Diagnostic{Line: sourceLine, Column: valStart + 1, Message: "malformed number " + valStr})
			continue
		}

		if letter == 'N' && block.LineNumber == nil && len(block.Words) == 0 {
			n := uint32(val)
			block.LineNumber = &n
			continue
		}
		block.Words = append(block.Words, Word{Letter: letter, Value: val})
	}

	return block, diags
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

func isValueByte(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.' || b == '-' || b == '+'
}

// Find returns the first Word with the given letter and whether it was present.
func (b ProgramBlock) Find(letter byte) (Word, bool) {
	for _, w := range b.Words {
		if w.Letter == letter {
			return w, true
		}
	}
	return Word{}, false
}

// FindAll returns every Word with the given letter, in block order.
func (b ProgramBlock) FindAll(letter byte) []Word {
	var out []Word
	for _, w := range b.Words {
		if w.Letter == letter {
			out = append(out, w)
		}
	}
	return out
}
