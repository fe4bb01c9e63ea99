package diffengine

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/models"
)

// EditOp names a structural edit operation.
type EditOp string

const (
	EditFindReplace EditOp = "find_replace"
	EditLineRange   EditOp = "line_range"
	EditAppend      EditOp = "append"
	EditPrepend     EditOp = "prepend"
)

// Edit is one structural edit. The fields used depend on Op:
// find_replace uses Find, Replace and Occurrence (1-based, default 1);
// line_range replaces the inclusive 1-based span [StartLine, EndLine]
// with Text; append and prepend use Text.
type Edit struct {
	Op         EditOp `json:"op"`
	Find       string `json:"find,omitempty"`
	Replace    string `json:"replace,omitempty"`
	Occurrence int    `json:"occurrence,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
	Text       string `json:"text,omitempty"`
}

// ApplyEdits sequentially applies the ordered edits to the artifact's
// current content and commits exactly one revision for the whole
// batch. Any failing edit aborts the batch with no commit.
func (e *Engine) ApplyEdits(artifactID string, edits []Edit, author string) (*models.ArtifactRevision, error) {
	if len(edits) == 0 {
		return nil, fmt.Errorf("no edits given")
	}

	art, err := e.artifacts.Get(artifactID)
	if err != nil {
		return nil, err
	}
	content, err := e.artifacts.RevisionContent(art.CurrentRevision)
	if err != nil {
		return nil, fmt.Errorf("load current content: %w", err)
	}

	text := string(content)
	ops := make([]string, 0, len(edits))
	for i, edit := range edits {
		text, err = applyEdit(text, edit)
		if err != nil {
			return nil, fmt.Errorf("edit %d (%s): %w", i+1, edit.Op, err)
		}
		ops = append(ops, string(edit.Op))
	}

	hash, err := e.cas.Store([]byte(text), art.MimeType)
	if err != nil {
		return nil, fmt.Errorf("store edited content: %w", err)
	}
	message := fmt.Sprintf("Applied %d edits (%s)", len(edits), strings.Join(ops, ", "))
	return e.artifacts.Commit(artifactID, hash, message, author, nil)
}

func applyEdit(content string, edit Edit) (string, error) {
	switch edit.Op {
	case EditFindReplace:
		return applyFindReplace(content, edit)
	case EditLineRange:
		return applyLineRange(content, edit)
	case EditAppend:
		return content + edit.Text, nil
	case EditPrepend:
		return edit.Text + content, nil
	default:
		return "", fmt.Errorf("unknown edit op %q", edit.Op)
	}
}

// applyFindReplace replaces the nth literal occurrence of Find.
func applyFindReplace(content string, edit Edit) (string, error) {
	if edit.Find == "" {
		return "", fmt.Errorf("find text is required")
	}
	n := edit.Occurrence
	if n <= 0 {
		n = 1
	}

	offset := 0
	for i := 0; i < n; i++ {
		idx := strings.Index(content[offset:], edit.Find)
		if idx < 0 {
			return "", fmt.Errorf("occurrence %d of %q not found", n, edit.Find)
		}
		offset += idx
		if i < n-1 {
			offset += len(edit.Find)
		}
	}
	return content[:offset] + edit.Replace + content[offset+len(edit.Find):], nil
}

// applyLineRange replaces the inclusive 1-based span with Text.
func applyLineRange(content string, edit Edit) (string, error) {
	lines, trailing := splitKeepTrailing(content)
	if edit.StartLine < 1 || edit.EndLine < edit.StartLine || edit.EndLine > len(lines) {
		return "", fmt.Errorf("line range %d-%d is out of bounds (1-%d)", edit.StartLine, edit.EndLine, len(lines))
	}

	replacement, _ := splitKeepTrailing(edit.Text)
	var out []string
	out = append(out, lines[:edit.StartLine-1]...)
	out = append(out, replacement...)
	out = append(out, lines[edit.EndLine:]...)

	result := strings.Join(out, "\n")
	if trailing && result != "" {
		result += "\n"
	}
	return result, nil
}

// splitKeepTrailing splits content into lines without terminators and
// reports whether the content ended with a newline.
func splitKeepTrailing(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(content, "\n")
	if trailing {
		content = strings.TrimSuffix(content, "\n")
	}
	return strings.Split(content, "\n"), trailing
}
