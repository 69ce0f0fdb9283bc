// Package diff compares two document snapshots line by line.
package diff

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/docvs/internal/types"
)

// Kind classifies a line of diff output.
type Kind string

const (
	Unchanged Kind = "unchanged"
	Added     Kind = "added"
	Removed   Kind = "removed"
)

// Line is one aligned line of a diff.
type Line struct {
	Text string `json:"text"`
	Kind Kind   `json:"kind"`
}

// Summary counts lines by kind.
type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Canonicalize renders content with sorted keys and two-space indentation so
// that key order never shows up as a change. Empty and null content render as
// the empty string; anything that is not JSON is returned as-is.
func Canonicalize(content types.Content) string {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return ""
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return string(content)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return string(content)
	}
	if value == nil {
		return ""
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return string(content)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Diff aligns the canonical forms of from and to. Within each changed hunk
// removed lines precede added ones.
func Diff(from, to types.Content) []Line {
	return diffLines(splitLines(Canonicalize(from)), splitLines(Canonicalize(to)))
}

// Stats summarizes a diff.
func Stats(lines []Line) Summary {
	var s Summary
	for _, l := range lines {
		switch l.Kind {
		case Added:
			s.Added++
		case Removed:
			s.Removed++
		default:
			s.Unchanged++
		}
	}
	return s
}

// Unified renders a unified patch between the canonical forms. It returns
// the empty string when they are identical.
func Unified(from, to types.Content, context int) (string, error) {
	previous, current := Canonicalize(from), Canonicalize(to)
	if previous == current {
		return "", nil
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: "previous",
		ToFile:   "current",
		Context:  context,
	}
	if previous == "" {
		d.A = nil
	}
	if current == "" {
		d.B = nil
	}

	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return "", err
	}
	return res, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

type op int

const (
	opEqual op = iota
	opDelete
	opInsert
)

// diffLines always runs the alignment on the same ordering of the pair and
// mirrors the result, so Diff(a, b) and Diff(b, a) agree on every anchor.
func diffLines(a, b []string) []Line {
	flipped := compareLines(a, b) > 0
	if flipped {
		a, b = b, a
	}

	ops := align(a, b)
	if flipped {
		for i := range ops {
			switch ops[i].kind {
			case opDelete:
				ops[i].kind = opInsert
			case opInsert:
				ops[i].kind = opDelete
			}
		}
	}

	out := make([]Line, 0, len(ops))
	var removed, added []Line
	flush := func() {
		out = append(out, removed...)
		out = append(out, added...)
		removed, added = removed[:0], added[:0]
	}
	for _, o := range ops {
		switch o.kind {
		case opEqual:
			flush()
			out = append(out, Line{Text: o.text, Kind: Unchanged})
		case opDelete:
			removed = append(removed, Line{Text: o.text, Kind: Removed})
		case opInsert:
			added = append(added, Line{Text: o.text, Kind: Added})
		}
	}
	flush()
	return out
}

type edit struct {
	kind op
	text string
}

// align produces a longest-common-subsequence edit script from a to b.
func align(a, b []string) []edit {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	edits := make([]edit, 0, len(a)+len(b))
	for _, line := range a[:prefix] {
		edits = append(edits, edit{kind: opEqual, text: line})
	}

	edits = hirschberg(a[prefix:len(a)-suffix], b[prefix:len(b)-suffix], edits)

	for _, line := range a[len(a)-suffix:] {
		edits = append(edits, edit{kind: opEqual, text: line})
	}
	return edits
}

// hirschberg appends an optimal edit script from a to b using memory linear
// in len(b).
func hirschberg(a, b []string, edits []edit) []edit {
	switch {
	case len(a) == 0:
		for _, line := range b {
			edits = append(edits, edit{kind: opInsert, text: line})
		}
		return edits
	case len(b) == 0:
		for _, line := range a {
			edits = append(edits, edit{kind: opDelete, text: line})
		}
		return edits
	case len(a) == 1:
		for j, line := range b {
			if line != a[0] {
				continue
			}
			for _, ins := range b[:j] {
				edits = append(edits, edit{kind: opInsert, text: ins})
			}
			edits = append(edits, edit{kind: opEqual, text: line})
			for _, ins := range b[j+1:] {
				edits = append(edits, edit{kind: opInsert, text: ins})
			}
			return edits
		}
		edits = append(edits, edit{kind: opDelete, text: a[0]})
		for _, ins := range b {
			edits = append(edits, edit{kind: opInsert, text: ins})
		}
		return edits
	}

	mid := len(a) / 2
	head := lcsPrefixRow(a[:mid], b)
	tail := lcsSuffixRow(a[mid:], b)

	split, best := 0, -1
	for k := 0; k <= len(b); k++ {
		if total := head[k] + tail[k]; total > best {
			split, best = k, total
		}
	}

	edits = hirschberg(a[:mid], b[:split], edits)
	return hirschberg(a[mid:], b[split:], edits)
}

// lcsPrefixRow returns row[j] = LCS length of a and b[:j].
func lcsPrefixRow(a, b []string) []int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for _, x := range a {
		for j, y := range b {
			if x == y {
				cur[j+1] = prev[j] + 1
			} else {
				cur[j+1] = max(prev[j+1], cur[j])
			}
		}
		prev, cur = cur, prev
	}
	return prev
}

// lcsSuffixRow returns row[j] = LCS length of a and b[j:].
func lcsSuffixRow(a, b []string) []int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				cur[j] = prev[j+1] + 1
			} else {
				cur[j] = max(prev[j], cur[j+1])
			}
		}
		prev, cur = cur, prev
	}
	return prev
}

func compareLines(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
