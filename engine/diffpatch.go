// ABOUTME: DiffPatch handler and a unified-diff applier supporting normal,
// ABOUTME: force, dry_run, and reverse modes over the FileStore port.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// DiffPatchHandler applies a unified diff to a file. The diff may come from
// the node config or the default input.
type DiffPatchHandler struct {
	BaseHandler
}

func (h *DiffPatchHandler) Execute(ctx context.Context, prepared any, ec *ExecutionContext) (*envelope.Envelope, error) {
	node := ec.Node.(*diagram.DiffPatchNode)
	inputs := prepared.(Inputs)

	if ec.Ports.Files == nil {
		return nil, Permanentf(node.ID, "no file store configured")
	}

	diffText := node.Diff
	if diffText == "" {
		if env, ok := inputs[diagram.LabelDefault]; ok {
			if s, isStr := env.Body.(string); isStr {
				diffText = s
			}
		}
	}
	if diffText == "" {
		return nil, Permanentf(node.ID, "no diff to apply")
	}

	hunks, err := parseUnifiedDiff(diffText)
	if err != nil {
		return nil, Permanentf(node.ID, "parsing diff: %v", err)
	}
	if node.Mode == diagram.PatchReverse {
		hunks = reverseHunks(hunks)
	}

	original, err := ec.Ports.Files.Read(ctx, node.TargetPath)
	if err != nil {
		return nil, Transientf(node.ID, "reading %s: %v", node.TargetPath, err)
	}

	patched, applied, failed := applyHunks(string(original), hunks)
	if failed > 0 && node.Mode != diagram.PatchForce {
		return nil, Permanentf(node.ID, "%d of %d hunks did not apply to %s", failed, len(hunks), node.TargetPath)
	}

	written := false
	if node.Mode != diagram.PatchDryRun {
		if err := ec.Ports.Files.Write(ctx, node.TargetPath, []byte(patched)); err != nil {
			return nil, Transientf(node.ID, "writing %s: %v", node.TargetPath, err)
		}
		written = true
	}

	return envelope.FromObject(map[string]any{
		"target_path":   node.TargetPath,
		"mode":          string(node.Mode),
		"hunks_applied": applied,
		"hunks_failed":  failed,
		"written":       written,
	}, string(node.ID)), nil
}

// diffHunk is one @@ block: the expected original start line and the
// context/removal/addition lines in order.
type diffHunk struct {
	oldStart int
	lines    []diffLine
}

type diffLine struct {
	kind byte // ' ', '-', '+'
	text string
}

// parseUnifiedDiff extracts the hunks of a single-file unified diff. File
// headers (---/+++) and index lines are skipped.
func parseUnifiedDiff(diff string) ([]diffHunk, error) {
	var hunks []diffHunk
	var current *diffHunk

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			oldStart, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunks = append(hunks, diffHunk{oldStart: oldStart})
			current = &hunks[len(hunks)-1]
		case current == nil:
			// header material before the first hunk
		case len(line) == 0:
			current.lines = append(current.lines, diffLine{kind: ' ', text: ""})
		case line[0] == ' ' || line[0] == '-' || line[0] == '+':
			current.lines = append(current.lines, diffLine{kind: line[0], text: line[1:]})
		case line == `\ No newline at end of file`:
			// ignored
		}
	}
	if len(hunks) == 0 {
		return nil, fmt.Errorf("no hunks found")
	}
	return hunks, nil
}

// parseHunkHeader reads the old-file start line out of "@@ -l,s +l,s @@".
func parseHunkHeader(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, fmt.Errorf("malformed hunk header %q", line)
	}
	spec := strings.TrimPrefix(fields[1], "-")
	if idx := strings.Index(spec, ","); idx >= 0 {
		spec = spec[:idx]
	}
	start, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("malformed hunk header %q: %v", line, err)
	}
	return start, nil
}

// reverseHunks swaps additions and removals so the diff un-applies.
func reverseHunks(hunks []diffHunk) []diffHunk {
	out := make([]diffHunk, len(hunks))
	for i, h := range hunks {
		rev := diffHunk{oldStart: h.oldStart, lines: make([]diffLine, len(h.lines))}
		for j, l := range h.lines {
			switch l.kind {
			case '-':
				rev.lines[j] = diffLine{kind: '+', text: l.text}
			case '+':
				rev.lines[j] = diffLine{kind: '-', text: l.text}
			default:
				rev.lines[j] = l
			}
		}
		out[i] = rev
	}
	return out
}

// applyHunks applies each hunk at its stated position, searching nearby when
// the context does not match exactly. Hunks that cannot be placed are
// counted as failed; the caller decides whether that aborts.
func applyHunks(content string, hunks []diffHunk) (string, int, int) {
	lines := strings.Split(content, "\n")
	applied, failed := 0, 0
	offset := 0

	for _, h := range hunks {
		pos, ok := locateHunk(lines, h, h.oldStart-1+offset)
		if !ok {
			failed++
			continue
		}
		var replaced []string
		consumed := 0
		for _, l := range h.lines {
			switch l.kind {
			case ' ':
				replaced = append(replaced, l.text)
				consumed++
			case '-':
				consumed++
			case '+':
				replaced = append(replaced, l.text)
			}
		}
		next := make([]string, 0, len(lines)-consumed+len(replaced))
		next = append(next, lines[:pos]...)
		next = append(next, replaced...)
		next = append(next, lines[pos+consumed:]...)
		offset += len(replaced) - consumed
		lines = next
		applied++
	}
	return strings.Join(lines, "\n"), applied, failed
}

// locateHunk finds where the hunk's original lines (context + removals)
// match, starting at the expected position and fanning out.
func locateHunk(lines []string, h diffHunk, expected int) (int, bool) {
	var original []string
	for _, l := range h.lines {
		if l.kind == ' ' || l.kind == '-' {
			original = append(original, l.text)
		}
	}
	matches := func(at int) bool {
		if at < 0 || at+len(original) > len(lines) {
			return false
		}
		for i, want := range original {
			if lines[at+i] != want {
				return false
			}
		}
		return true
	}
	const fuzz = 50
	for delta := 0; delta <= fuzz; delta++ {
		if matches(expected + delta) {
			return expected + delta, true
		}
		if delta > 0 && matches(expected-delta) {
			return expected - delta, true
		}
	}
	return 0, false
}
