package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

type Hunk struct {
	OldStart int    `json:"old_start"`
	NewStart int    `json:"new_start"`
	Lines    []Line `json:"lines"`
}

// Result is a line diff between a document snapshot and its current content.
type Result struct {
	Hunks     []Hunk `json:"hunks"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (r Result) Changed() bool {
	return r.Added > 0 || r.Removed > 0
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

const (
	MaxDiffLines        = 5000
	DefaultContextLines = 3
)

// Lines returns every line of the diff, unchanged lines included.
func Lines(before, after string) []Line {
	table := newLineTable()
	oldRunes := table.encode(before)
	newRunes := table.encode(after)
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(oldRunes, newRunes, false)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, d := range diffs {
		for _, r := range []rune(d.Text) {
			line := table.line(r)
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// lineTable maps each distinct line to one rune so the character diff
// works line by line. Runes start at 1 and skip the surrogate range, which
// would not survive the string round trip inside diffmatchpatch.
type lineTable struct {
	index map[string]rune
	lines map[rune]string
	next  rune
}

func newLineTable() *lineTable {
	return &lineTable{index: map[string]rune{}, lines: map[rune]string{}, next: 1}
}

func (t *lineTable) encode(text string) []rune {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	out := make([]rune, 0, len(parts))
	for _, part := range parts {
		r, ok := t.index[part]
		if !ok {
			r = t.next
			t.next++
			if t.next >= 0xD800 && t.next <= 0xDFFF {
				t.next = 0xE000
			}
			t.index[part] = r
			t.lines[r] = part
		}
		out = append(out, r)
	}
	return out
}

func (t *lineTable) line(r rune) string {
	return strings.TrimSuffix(t.lines[r], "\n")
}

// Compute groups changed lines into hunks with up to contextLines unchanged
// lines around each change. Inputs above MaxDiffLines combined lines are
// reported as Truncated without hunks.
func Compute(before, after string, contextLines int) Result {
	if contextLines < 0 {
		contextLines = DefaultContextLines
	}
	if lineCount(before)+lineCount(after) > MaxDiffLines {
		return Result{Truncated: true, Added: lineCount(after), Removed: lineCount(before)}
	}
	lines := Lines(before, after)
	var res Result
	for _, line := range lines {
		switch line.Type {
		case LineAdded:
			res.Added++
		case LineRemoved:
			res.Removed++
		}
	}
	if !res.Changed() {
		return res
	}

	keep := make([]bool, len(lines))
	for i, line := range lines {
		if line.Type == LineContext {
			continue
		}
		lo := max(0, i-contextLines)
		hi := min(len(lines)-1, i+contextLines)
		for j := lo; j <= hi; j++ {
			keep[j] = true
		}
	}
	var current *Hunk
	for i, line := range lines {
		if !keep[i] {
			if current != nil {
				res.Hunks = append(res.Hunks, *current)
				current = nil
			}
			continue
		}
		if current == nil {
			current = &Hunk{OldStart: startLine(lines, i, true), NewStart: startLine(lines, i, false)}
		}
		current.Lines = append(current.Lines, line)
	}
	if current != nil {
		res.Hunks = append(res.Hunks, *current)
	}
	return res
}

// startLine finds the old or new line number a hunk beginning at i starts
// from. Added lines carry no old number (and removed no new one), so it
// scans forward to the first line that does.
func startLine(lines []Line, i int, old bool) int {
	for j := i; j < len(lines); j++ {
		if old && lines[j].OldLine > 0 {
			return lines[j].OldLine
		}
		if !old && lines[j].NewLine > 0 {
			return lines[j].NewLine
		}
	}
	if old {
		return lastNumber(lines, true) + 1
	}
	return lastNumber(lines, false) + 1
}

func lastNumber(lines []Line, old bool) int {
	n := 0
	for _, line := range lines {
		if old && line.OldLine > n {
			n = line.OldLine
		}
		if !old && line.NewLine > n {
			n = line.NewLine
		}
	}
	return n
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
