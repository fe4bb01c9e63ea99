package diffengine

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/models"
)

// MergeStrategy selects how two revisions are combined.
type MergeStrategy string

const (
	// MergeOurs keeps the target revision's content outright.
	MergeOurs MergeStrategy = "ours"
	// MergeTheirs keeps the source revision's content outright.
	MergeTheirs MergeStrategy = "theirs"
	// MergeAuto compares line positions: matching lines are kept, a
	// line present on only one side is kept, and a line differing on
	// both sides becomes an inline conflict.
	MergeAuto MergeStrategy = "auto"
)

// Conflict records one line position where both sides changed.
type Conflict struct {
	Line   int    `json:"line"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// MergeResult is the outcome of a merge: the new revision plus any
// conflicts that were marked inline.
type MergeResult struct {
	Revision  *models.ArtifactRevision `json:"revision"`
	Conflicts []Conflict               `json:"conflicts,omitempty"`
}

// Merge combines sourceRevision and targetRevision and commits a merge
// revision recording both as parents.
func (e *Engine) Merge(artifactID, sourceRevision, targetRevision string, strategy MergeStrategy, author string) (*MergeResult, error) {
	art, err := e.artifacts.Get(artifactID)
	if err != nil {
		return nil, err
	}
	source, err := e.artifacts.RevisionContent(sourceRevision)
	if err != nil {
		return nil, fmt.Errorf("load source revision: %w", err)
	}
	target, err := e.artifacts.RevisionContent(targetRevision)
	if err != nil {
		return nil, fmt.Errorf("load target revision: %w", err)
	}

	var merged string
	var conflicts []Conflict
	switch strategy {
	case MergeOurs:
		merged = string(target)
	case MergeTheirs:
		merged = string(source)
	case MergeAuto, "":
		merged, conflicts = autoMerge(string(source), string(target))
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	hash, err := e.cas.Store([]byte(merged), art.MimeType)
	if err != nil {
		return nil, fmt.Errorf("store merged content: %w", err)
	}

	message := fmt.Sprintf("Merged %s into %s (%s)", shortRev(sourceRevision), shortRev(targetRevision), strategyName(strategy))
	if len(conflicts) > 0 {
		message = fmt.Sprintf("%s, %d conflicts", message, len(conflicts))
	}
	rev, err := e.artifacts.Commit(artifactID, hash, message, author, []string{sourceRevision, targetRevision})
	if err != nil {
		return nil, err
	}
	return &MergeResult{Revision: rev, Conflicts: conflicts}, nil
}

// autoMerge walks both sides line by line. There is no common-ancestor
// diff: equality is judged purely by line position.
func autoMerge(source, target string) (string, []Conflict) {
	srcLines, srcTrailing := splitKeepTrailing(source)
	tgtLines, tgtTrailing := splitKeepTrailing(target)

	var out []string
	var conflicts []Conflict
	max := len(srcLines)
	if len(tgtLines) > max {
		max = len(tgtLines)
	}
	for i := 0; i < max; i++ {
		switch {
		case i >= len(srcLines):
			out = append(out, tgtLines[i])
		case i >= len(tgtLines):
			out = append(out, srcLines[i])
		case srcLines[i] == tgtLines[i]:
			out = append(out, srcLines[i])
		default:
			out = append(out,
				"<<<<<<< source",
				srcLines[i],
				"=======",
				tgtLines[i],
				">>>>>>> target",
			)
			conflicts = append(conflicts, Conflict{Line: i + 1, Source: srcLines[i], Target: tgtLines[i]})
		}
	}

	merged := strings.Join(out, "\n")
	if (srcTrailing || tgtTrailing) && merged != "" {
		merged += "\n"
	}
	return merged, conflicts
}

func shortRev(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func strategyName(s MergeStrategy) string {
	if s == "" {
		return string(MergeAuto)
	}
	return string(s)
}
