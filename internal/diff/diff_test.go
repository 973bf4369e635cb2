package diff

import (
	"fmt"
	"strings"
	"testing"
)

func TestLinesMarksAddedAndRemoved(t *testing.T) {
	lines := Lines("alpha\nbeta\n", "alpha\ngamma\n")
	foundAdded := false
	foundRemoved := false
	for _, line := range lines {
		if line.Type == LineAdded && line.Text == "gamma" {
			foundAdded = true
		}
		if line.Type == LineRemoved && line.Text == "beta" {
			foundRemoved = true
		}
	}
	if !foundAdded || !foundRemoved {
		t.Fatalf("expected added and removed lines, got %+v", lines)
	}
}

func TestComputeCollapsesUnchangedRegions(t *testing.T) {
	var before []string
	for i := 1; i <= 30; i++ {
		before = append(before, fmt.Sprintf("line %d", i))
	}
	after := append([]string(nil), before...)
	after[2] = "first change"
	after[25] = "second change"

	res := Compute(strings.Join(before, "\n")+"\n", strings.Join(after, "\n")+"\n", 2)
	if res.Added != 2 || res.Removed != 2 {
		t.Fatalf("unexpected stats: +%d -%d", res.Added, res.Removed)
	}
	if len(res.Hunks) != 2 {
		t.Fatalf("expected 2 hunks, got %d", len(res.Hunks))
	}
	if res.Hunks[0].OldStart != 1 {
		t.Fatalf("expected first hunk to start at line 1, got %d", res.Hunks[0].OldStart)
	}
	for _, hunk := range res.Hunks {
		if len(hunk.Lines) > 6 {
			t.Fatalf("expected context to be limited, got %d lines", len(hunk.Lines))
		}
	}
}

func TestComputeNoChange(t *testing.T) {
	res := Compute("same\n", "same\n", DefaultContextLines)
	if res.Changed() || len(res.Hunks) != 0 {
		t.Fatalf("expected empty diff, got %+v", res)
	}
}

func TestComputeFromEmptySnapshot(t *testing.T) {
	res := Compute("", "new notes\n", DefaultContextLines)
	if res.Added != 1 || res.Removed != 0 || len(res.Hunks) != 1 {
		t.Fatalf("unexpected diff: %+v", res)
	}
	if res.Hunks[0].NewStart != 1 {
		t.Fatalf("expected hunk at new line 1, got %d", res.Hunks[0].NewStart)
	}
}

func TestComputeTruncatesLargeInputs(t *testing.T) {
	big := strings.Repeat("x\n", MaxDiffLines)
	res := Compute(big, big+"y\n", DefaultContextLines)
	if !res.Truncated || len(res.Hunks) != 0 {
		t.Fatalf("expected truncated diff")
	}
}

func TestLinesTracksEditsInLongDocument(t *testing.T) {
	var before []string
	for i := 1; i <= 30; i++ {
		before = append(before, fmt.Sprintf("line %d", i))
	}
	after := append([]string(nil), before...)
	after[2] = "first change"
	after[25] = "second change"

	var changed []Line
	for _, line := range Lines(strings.Join(before, "\n")+"\n", strings.Join(after, "\n")+"\n") {
		if line.Type != LineContext {
			changed = append(changed, line)
		}
	}
	want := []Line{
		{Type: LineRemoved, Text: "line 3", OldLine: 3},
		{Type: LineAdded, Text: "first change", NewLine: 3},
		{Type: LineRemoved, Text: "line 26", OldLine: 26},
		{Type: LineAdded, Text: "second change", NewLine: 26},
	}
	if len(changed) != len(want) {
		t.Fatalf("expected %d changed lines, got %+v", len(want), changed)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("line %d: expected %+v, got %+v", i, want[i], changed[i])
		}
	}
}

func TestLinesWithoutTrailingNewline(t *testing.T) {
	lines := Lines("a\nb", "a\nb\nc")
	var added []string
	for _, line := range lines {
		if line.Type == LineAdded {
			added = append(added, line.Text)
		}
		if line.Type == LineRemoved && line.Text != "b" {
			t.Fatalf("unexpected removal %+v", line)
		}
	}
	if len(added) == 0 || added[len(added)-1] != "c" {
		t.Fatalf("expected c to be added, got %+v", lines)
	}
}
