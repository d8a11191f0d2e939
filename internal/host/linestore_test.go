// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package host

import (
	"regexp"
	"testing"
)

func TestLineStoreRangeAndTailScan(t *testing.T) {
	ls := newLineStore()
	ls.add("down", "G0 X1")
	ls.add("up", "ok")
	ls.add("down", "G0 X2")
	ls.add("up", "ok")

	from, to := 2, 4
	got := ls.Query(QueryOptions{Scan: RangeScan{FromLine: &from, ToLine: &to}})
	if len(got) != 2 || got[0].Content != "ok" || got[1].Content != "G0 X2" {
		t.Fatalf("unexpected range scan result: %+v", got)
	}

	tail := ls.Query(QueryOptions{Scan: TailScan{N: 1}})
	if len(tail) != 1 || tail[0].Content != "ok" {
		t.Fatalf("unexpected tail scan result: %+v", tail)
	}
}

func TestLineStoreDirAndRegexFilter(t *testing.T) {
	ls := newLineStore()
	ls.add("down", "G0 X1")
	ls.add("up", "ok")
	ls.add("down", "G1 X2 F100")
	ls.add("up", "error:1")

	got := ls.Query(QueryOptions{FilterDir: "down"})
	if len(got) != 2 {
		t.Fatalf("expected 2 down lines, got %d", len(got))
	}

	re := regexp.MustCompile(`^error:`)
	got = ls.Query(QueryOptions{FilterRegex: re})
	if len(got) != 1 || got[0].Content != "error:1" {
		t.Fatalf("unexpected regex filter result: %+v", got)
	}
}

func TestLineStoreNumbersAreStableAfterTrim(t *testing.T) {
	ls := newLineStore()
	for i := 0; i < lineStoreCapacity+5; i++ {
		ls.add("down", "x")
	}
	all := ls.Query(QueryOptions{})
	if len(all) != lineStoreCapacity {
		t.Fatalf("expected capacity-bounded history of %d, got %d", lineStoreCapacity, len(all))
	}
	if all[0].Num != 6 {
		t.Fatalf("expected oldest retained line numbered 6, got %d", all[0].Num)
	}
}
