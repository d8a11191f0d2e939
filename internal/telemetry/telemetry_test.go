// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package telemetry

import (
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genDate(t *rapid.T, label string) time.Time {
	min := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	max := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	return time.Unix(0, rapid.Int64Range(min, max).Draw(t, label))
}

func TestQueryShapeOnEmptySeries(t *testing.T) {
	s := New()
	rapid.Check(t, func(t *rapid.T) {
		start := genDate(t, "start")
		dur := time.Duration(rapid.Int64Range(0, time.Hour.Nanoseconds()).Draw(t, "dur"))
		keys := rapid.SliceOf(rapid.String()).Draw(t, "keys")
		end := start.Add(dur)
		step := time.Minute

		tms, vals := s.QueryRanges(keys, start, end, step)
		if len(tms) == 0 {
			t.Fatalf("expected at least one sample timestamp")
		}
		if !slices.IsSortedFunc(tms, func(a, b time.Time) int { return a.Compare(b) }) {
			t.Fatalf("sample timestamps not increasing: %v", tms)
		}
		for _, key := range keys {
			vs, ok := vals[key]
			if !ok || len(vs) != len(tms) {
				t.Fatalf("key %q: expected %d nil values, got %v", key, len(tms), vs)
			}
			for _, v := range vs {
				if v != nil {
					t.Fatalf("expected nil values on an empty series, got %v", v)
				}
			}
		}
	})
}

func TestQuerySamplesLatestInWindow(t *testing.T) {
	s := New()
	s.Insert("a", time.Date(2000, 1, 1, 0, 0, 1, 0, time.UTC), Value(1))
	s.Insert("a", time.Date(2000, 1, 1, 0, 0, 4, 0, time.UTC), Value("v"))

	_, vals := s.QueryRanges([]string{"a"},
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 1, 1, 0, 0, 5, 0, time.UTC),
		time.Second)
	want := []Value{nil, Value(1), Value(1), nil, Value("v"), Value("v")}
	got := vals["a"]
	if len(got) != len(want) {
		t.Fatalf("length mismatch: want %d got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample[%d]: want %v got %v", i, want[i], got[i])
		}
	}
}

func TestInsertOutOfOrderStillSortsCorrectly(t *testing.T) {
	s := New()
	rapid.Check(t, func(t *rapid.T) {
		data := []int{0, 1, 2, 3, 4, 5}
		order := rapid.Permutation(data).Draw(t, "order")
		for _, v := range order {
			s.Insert("a", time.Unix(int64(v), 0), Value(v))
		}
		_, vals := s.QueryRanges([]string{"a"}, time.Unix(0, 0), time.Unix(5, 0), time.Second)
		for i, v := range vals["a"] {
			if i != v {
				t.Fatalf("sample[%d]: want %v got %v", i, i, v)
			}
		}
	})
}

func TestInsertOverwritesExactTimestamp(t *testing.T) {
	s := New()
	at := time.Unix(100, 0)
	s.Insert("a", at, Value("first"))
	s.Insert("a", at, Value("second"))

	_, vals := s.QueryRanges([]string{"a"}, at, at, time.Second)
	if len(vals["a"]) != 1 || vals["a"][0] != Value("second") {
		t.Fatalf("expected overwrite to 'second', got %v", vals["a"])
	}
}
