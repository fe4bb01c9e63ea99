package diffengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/loomhq/loom/internal/models"
)

// Patch applies patchText to baseRevision's content and commits the
// result with baseRevision as sole parent. A unified-diff context
// mismatch is a hard failure: no revision is committed and nothing is
// partially applied.
func (e *Engine) Patch(artifactID, baseRevision, patchText string, format Format, author string) (*models.ArtifactRevision, error) {
	art, err := e.artifacts.Get(artifactID)
	if err != nil {
		return nil, err
	}
	base, err := e.artifacts.RevisionContent(baseRevision)
	if err != nil {
		return nil, fmt.Errorf("load base revision: %w", err)
	}

	var patched string
	switch format {
	case FormatUnified, "":
		patched, err = applyUnified(string(base), patchText)
		if err != nil {
			return nil, err
		}
	case FormatJSONPatch:
		if !json.Valid(base) {
			return nil, fmt.Errorf("base revision %s is not JSON", baseRevision)
		}
		out, merr := jsonpatch.MergePatch(base, []byte(patchText))
		if merr != nil {
			return nil, fmt.Errorf("apply merge patch: %w", merr)
		}
		patched = string(out)
	default:
		return nil, fmt.Errorf("unknown patch format %q", format)
	}

	hash, err := e.cas.Store([]byte(patched), art.MimeType)
	if err != nil {
		return nil, fmt.Errorf("store patched content: %w", err)
	}
	return e.artifacts.Commit(artifactID, hash, fmt.Sprintf("Applied %s patch", formatName(format)), author, []string{baseRevision})
}

func createMergePatch(from, to []byte) ([]byte, error) {
	return jsonpatch.CreateMergePatch(from, to)
}

func formatName(f Format) string {
	if f == "" {
		return string(FormatUnified)
	}
	return string(f)
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// applyUnified applies a unified diff to base. The base is split the
// same way the diff side splits it, so newline-terminated content
// carries a final empty line that hunks may reference as context.
// Every context and deletion line must match the base exactly at its
// position; any mismatch aborts the whole application.
func applyUnified(base, patch string) (string, error) {
	baseLines := strings.Split(base, "\n")
	patchLines := strings.Split(patch, "\n")

	var out []string
	cursor := 0 // 0-based index into baseLines

	i := 0
	for i < len(patchLines) {
		line := patchLines[i]
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") || line == "" {
			i++
			continue
		}
		m := hunkHeaderRe.FindStringSubmatch(line)
		if m == nil {
			return "", fmt.Errorf("unexpected line outside hunk: %q", line)
		}

		fromStart, _ := strconv.Atoi(m[1])
		fromCount := 1
		if m[2] != "" {
			fromCount, _ = strconv.Atoi(m[2])
		}
		hunkStart := fromStart - 1
		if fromCount == 0 {
			// Pure-insertion hunk addresses the line before the insert
			hunkStart = fromStart
		}
		if hunkStart < cursor || hunkStart > len(baseLines) {
			return "", fmt.Errorf("hunk at line %d is out of order or beyond input", fromStart)
		}

		// Copy unchanged region preceding the hunk
		out = append(out, baseLines[cursor:hunkStart]...)
		cursor = hunkStart

		i++
		consumed := 0
		for i < len(patchLines) && consumed < fromCount || (i < len(patchLines) && isAddition(patchLines[i])) {
			body := patchLines[i]
			if body == "" && i == len(patchLines)-1 {
				break
			}
			if hunkHeaderRe.MatchString(body) {
				break
			}
			if body == `\ No newline at end of file` {
				i++
				continue
			}
			if len(body) == 0 {
				// Blank patch line stands for an empty context line
				body = " "
			}
			marker, text := body[0], body[1:]
			switch marker {
			case ' ':
				if cursor >= len(baseLines) || baseLines[cursor] != text {
					return "", contextMismatch(cursor, text, baseLines)
				}
				out = append(out, text)
				cursor++
				consumed++
			case '-':
				if cursor >= len(baseLines) || baseLines[cursor] != text {
					return "", contextMismatch(cursor, text, baseLines)
				}
				cursor++
				consumed++
			case '+':
				out = append(out, text)
			default:
				return "", fmt.Errorf("unexpected patch line %q", body)
			}
			i++
		}
	}

	// Copy the remainder of the base; a surviving final empty line
	// restores the trailing newline on join.
	out = append(out, baseLines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

func isAddition(line string) bool {
	return len(line) > 0 && line[0] == '+' && !strings.HasPrefix(line, "+++")
}

func contextMismatch(cursor int, want string, baseLines []string) error {
	have := "<end of input>"
	if cursor < len(baseLines) {
		have = baseLines[cursor]
	}
	return fmt.Errorf("patch context mismatch at line %d: patch expects %q, input has %q", cursor+1, want, have)
}
