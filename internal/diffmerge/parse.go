// Package diffmerge implements the Diff Merge Service (C8): parsing,
// conflict detection and merging of per-lane unified diff patches.
package diffmerge

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// Hunk is one `@@ ... @@` block of a unified diff, in original-file
// coordinates.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Body     string // the hunk header line plus every context/+/- line, newline-joined
}

// FileDiff is every hunk touching one file path, in patch order.
type FileDiff struct {
	FilePath string
	Hunks    []Hunk
}

var (
	fileHeaderRe = regexp.MustCompile(`^\+\+\+ (?:b/)?(.+)$`)
	hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@.*$`)
)

// ParsePatch splits a unified diff into per-file hunks. It recognises the
// conventional `--- a/path` / `+++ b/path` file headers and `@@ -o,oc +n,nc @@`
// hunk headers; everything else is treated as hunk body until the next
// header line.
func ParsePatch(patch string) ([]FileDiff, error) {
	var files []FileDiff
	var current *FileDiff
	var hunk *Hunk
	var body []string

	flushHunk := func() {
		if hunk == nil {
			return
		}
		hunk.Body = strings.Join(body, "\n")
		current.Hunks = append(current.Hunks, *hunk)
		hunk = nil
		body = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			files = append(files, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(patch))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "--- "):
			flushFile()
			continue
		case fileHeaderRe.MatchString(line):
			m := fileHeaderRe.FindStringSubmatch(line)
			flushHunk()
			if current == nil || current.FilePath != m[1] {
				if current != nil {
					files = append(files, *current)
				}
				current = &FileDiff{FilePath: m[1]}
			}
			continue
		case hunkHeaderRe.MatchString(line):
			if current == nil {
				return nil, fmt.Errorf("diffmerge: hunk header before file header: %q", line)
			}
			flushHunk()
			m := hunkHeaderRe.FindStringSubmatch(line)
			h := Hunk{
				OldStart: atoiOr(m[1], 0),
				OldCount: atoiOr(m[2], 1),
				NewStart: atoiOr(m[3], 0),
				NewCount: atoiOr(m[4], 1),
			}
			hunk = &h
			body = []string{line}
			continue
		default:
			if hunk != nil {
				body = append(body, line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("diffmerge: scan patch: %w", err)
	}
	flushFile()
	return files, nil
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// countLines reports the number of `+` and `-` lines in a hunk body,
// excluding the `@@ ... @@` header itself.
func countLines(body string) (additions, deletions int) {
	for i, line := range strings.Split(body, "\n") {
		if i == 0 {
			continue // header
		}
		switch {
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return
}
