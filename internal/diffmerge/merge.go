package diffmerge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// LaneInput is one lane's contribution to a merge: a label for
// diagnostics/conflict reporting and its raw unified diff patch text.
type LaneInput struct {
	Label string
	Patch string
}

// Conflict describes two (or more) lanes whose hunks overlap in a file's
// original line ranges.
type Conflict struct {
	FilePath   string
	Reason     string
	LaneLabels []string
}

// LaneFileResult annotates one lane's touch of one file with whether that
// file matches a declared artifact pattern for the task.
type LaneFileResult struct {
	Label           string
	FilePath        string
	TouchesArtifact bool
}

// MergeResult is the full outcome of merging a set of lane patches.
type MergeResult struct {
	MergedPatch  string
	MergedFiles  int
	Conflicts    []Conflict
	ConflictCount int
	Additions    int
	Deletions    int
	LaneDiffs    []LaneFileResult
}

type laneHunk struct {
	label string
	hunk  Hunk
}

// Merge parses every lane's patch, detects conflicts per §4.8's overlap
// rule, and — if none exist — assembles a combined patch with each file's
// hunks ordered by OldStart. artifactPatterns matches LaneDiffs entries
// against task.artifact_patterns via doublestar glob semantics.
func Merge(lanes []LaneInput, artifactPatterns []string) (*MergeResult, error) {
	result := &MergeResult{}

	fileLaneHunks := map[string][]laneHunk{}
	fileOrder := []string{}

	for _, lane := range lanes {
		files, err := ParsePatch(lane.Patch)
		if err != nil {
			return nil, fmt.Errorf("diffmerge: parse lane %s: %w", lane.Label, err)
		}
		for _, f := range files {
			if _, seen := fileLaneHunks[f.FilePath]; !seen {
				fileOrder = append(fileOrder, f.FilePath)
			}
			touches := matchesAnyArtifact(f.FilePath, artifactPatterns)
			result.LaneDiffs = append(result.LaneDiffs, LaneFileResult{
				Label: lane.Label, FilePath: f.FilePath, TouchesArtifact: touches,
			})
			for _, h := range f.Hunks {
				fileLaneHunks[f.FilePath] = append(fileLaneHunks[f.FilePath], laneHunk{label: lane.Label, hunk: h})
			}
		}
	}

	for _, path := range fileOrder {
		hunks := fileLaneHunks[path]
		conflicts := detectConflicts(path, hunks)
		result.Conflicts = append(result.Conflicts, conflicts...)
	}
	result.ConflictCount = len(result.Conflicts)

	if result.ConflictCount > 0 {
		result.MergedPatch = ""
		result.MergedFiles = 0
		return result, nil
	}

	var sb strings.Builder
	for _, path := range fileOrder {
		hunks := fileLaneHunks[path]
		sort.SliceStable(hunks, func(i, j int) bool { return hunks[i].hunk.OldStart < hunks[j].hunk.OldStart })

		sb.WriteString("--- a/" + path + "\n")
		sb.WriteString("+++ b/" + path + "\n")
		for _, lh := range hunks {
			sb.WriteString(lh.hunk.Body)
			if !strings.HasSuffix(lh.hunk.Body, "\n") {
				sb.WriteString("\n")
			}
			a, d := countLines(lh.hunk.Body)
			result.Additions += a
			result.Deletions += d
		}
	}
	result.MergedPatch = sb.String()
	result.MergedFiles = len(fileOrder)
	return result, nil
}

// detectConflicts applies §4.8's conflict rule: two hunks on the same file,
// contributed by different lanes, conflict iff their original-file line
// ranges [OldStart, OldStart+OldCount) intersect. A file touched by only
// one lane (even with multiple hunks from that lane) never conflicts.
func detectConflicts(path string, hunks []laneHunk) []Conflict {
	labels := map[string]bool{}
	for _, h := range hunks {
		labels[h.label] = true
	}
	if len(labels) < 2 {
		return nil
	}

	var conflicting []string
	conflictSet := map[string]bool{}
	for i := 0; i < len(hunks); i++ {
		for j := i + 1; j < len(hunks); j++ {
			a, b := hunks[i], hunks[j]
			if a.label == b.label {
				continue
			}
			if rangesOverlap(a.hunk.OldStart, a.hunk.OldCount, b.hunk.OldStart, b.hunk.OldCount) {
				if !conflictSet[a.label] {
					conflictSet[a.label] = true
					conflicting = append(conflicting, a.label)
				}
				if !conflictSet[b.label] {
					conflictSet[b.label] = true
					conflicting = append(conflicting, b.label)
				}
			}
		}
	}
	if len(conflicting) == 0 {
		return nil
	}
	sort.Strings(conflicting)
	return []Conflict{{
		FilePath:   path,
		Reason:     "overlapping hunks",
		LaneLabels: conflicting,
	}}
}

func rangesOverlap(startA, countA, startB, countB int) bool {
	endA := startA + countA
	endB := startB + countB
	return startA < endB && startB < endA
}

func matchesAnyArtifact(path string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}
