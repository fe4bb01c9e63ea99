// Package diffengine computes and applies differences between artifact
// revisions: unified and structural diffs, strict patch application,
// ordered edit batches, and two-revision merges.
package diffengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/loomhq/loom/internal/artifact"
	"github.com/loomhq/loom/internal/cas"
)

// Format selects the diff representation.
type Format string

const (
	// FormatUnified is a line-based diff with +/- hunks.
	FormatUnified Format = "unified"
	// FormatJSONPatch is an RFC 7386 merge patch, produced only when
	// both revisions parse as JSON; otherwise diffing falls back to
	// unified.
	FormatJSONPatch Format = "json_patch"
	// FormatStructured is a hunk list plus addition/deletion counts.
	FormatStructured Format = "structured"
)

// Hunk is one contiguous region of change in a structured diff.
type Hunk struct {
	FromStart int      `json:"from_start"`
	FromCount int      `json:"from_count"`
	ToStart   int      `json:"to_start"`
	ToCount   int      `json:"to_count"`
	Lines     []string `json:"lines"`
}

// DiffResult is the outcome of comparing two revisions.
type DiffResult struct {
	Format    Format `json:"format"`
	Text      string `json:"text,omitempty"`
	Hunks     []Hunk `json:"hunks,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Engine operates on artifact revisions through the manager and CAS.
type Engine struct {
	artifacts *artifact.Manager
	cas       *cas.CAS
}

// New creates a diff engine over the given artifact manager and CAS.
func New(m *artifact.Manager, c *cas.CAS) *Engine {
	return &Engine{artifacts: m, cas: c}
}

// Diff compares two revisions in the requested format.
func (e *Engine) Diff(fromRevision, toRevision string, format Format) (*DiffResult, error) {
	from, err := e.artifacts.RevisionContent(fromRevision)
	if err != nil {
		return nil, fmt.Errorf("load from revision: %w", err)
	}
	to, err := e.artifacts.RevisionContent(toRevision)
	if err != nil {
		return nil, fmt.Errorf("load to revision: %w", err)
	}

	switch format {
	case FormatUnified, "":
		return e.unifiedDiff(from, to, fromRevision, toRevision)
	case FormatJSONPatch:
		if patch, ok := mergePatch(from, to); ok {
			adds, dels := lineCounts(string(from), string(to))
			return &DiffResult{Format: FormatJSONPatch, Text: patch, Additions: adds, Deletions: dels}, nil
		}
		// Not JSON on both sides; fall back to unified.
		return e.unifiedDiff(from, to, fromRevision, toRevision)
	case FormatStructured:
		return structuredDiff(string(from), string(to))
	default:
		return nil, fmt.Errorf("unknown diff format %q", format)
	}
}

func (e *Engine) unifiedDiff(from, to []byte, fromLabel, toLabel string) (*DiffResult, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(from)),
		B:        difflib.SplitLines(string(to)),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return nil, fmt.Errorf("compute unified diff: %w", err)
	}
	adds, dels := lineCounts(string(from), string(to))
	return &DiffResult{Format: FormatUnified, Text: text, Additions: adds, Deletions: dels}, nil
}

func structuredDiff(from, to string) (*DiffResult, error) {
	a := difflib.SplitLines(from)
	b := difflib.SplitLines(to)
	matcher := difflib.NewMatcher(a, b)

	result := &DiffResult{Format: FormatStructured}
	for _, group := range matcher.GetGroupedOpCodes(3) {
		hunk := Hunk{
			FromStart: group[0].I1 + 1,
			FromCount: group[len(group)-1].I2 - group[0].I1,
			ToStart:   group[0].J1 + 1,
			ToCount:   group[len(group)-1].J2 - group[0].J1,
		}
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, line := range a[op.I1:op.I2] {
					hunk.Lines = append(hunk.Lines, " "+strings.TrimSuffix(line, "\n"))
				}
			case 'd', 'r':
				for _, line := range a[op.I1:op.I2] {
					hunk.Lines = append(hunk.Lines, "-"+strings.TrimSuffix(line, "\n"))
					result.Deletions++
				}
				if op.Tag == 'r' {
					for _, line := range b[op.J1:op.J2] {
						hunk.Lines = append(hunk.Lines, "+"+strings.TrimSuffix(line, "\n"))
						result.Additions++
					}
				}
			case 'i':
				for _, line := range b[op.J1:op.J2] {
					hunk.Lines = append(hunk.Lines, "+"+strings.TrimSuffix(line, "\n"))
					result.Additions++
				}
			}
		}
		result.Hunks = append(result.Hunks, hunk)
	}
	return result, nil
}

// mergePatch returns an RFC 7386 merge patch when both documents parse
// as JSON. Empty content is not JSON, so diffing against a fresh
// initial revision falls back to unified.
func mergePatch(from, to []byte) (string, bool) {
	if !json.Valid(from) || !json.Valid(to) {
		return "", false
	}
	patch, err := createMergePatch(from, to)
	if err != nil {
		return "", false
	}
	return string(patch), true
}

func lineCounts(from, to string) (adds, dels int) {
	a := difflib.SplitLines(from)
	b := difflib.SplitLines(to)
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'd':
			dels += op.I2 - op.I1
		case 'i':
			adds += op.J2 - op.J1
		case 'r':
			dels += op.I2 - op.I1
			adds += op.J2 - op.J1
		}
	}
	return adds, dels
}
