package verify

import (
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/types"
)

// DefaultProportionThreshold flags code diffs more than this many
// weighted lines per spec line changed
const DefaultProportionThreshold = 50.0

// DefaultFileWeight is the per-file term in the weighted diff size
const DefaultFileWeight = 10.0

// ProportionChecker compares the magnitude of a session's code diff
// against the spec diff that triggered it
type ProportionChecker struct {
	Threshold  float64
	FileWeight float64
}

// NewProportionChecker creates a checker with the given threshold;
// zero values fall back to the defaults
func NewProportionChecker(threshold, fileWeight float64) *ProportionChecker {
	if threshold <= 0 {
		threshold = DefaultProportionThreshold
	}
	if fileWeight <= 0 {
		fileWeight = DefaultFileWeight
	}
	return &ProportionChecker{Threshold: threshold, FileWeight: fileWeight}
}

// CheckSpec computes the flag from a spec snapshot pair and a code
// snapshot pair. Advisory: a non-nil flag marks the session for review
// but never blocks it on its own.
//
//	ratio = (code_lines_changed + w*files_touched) / max(1, spec_lines_changed)
func (p *ProportionChecker) CheckSpec(specBefore, specAfter *corpus.SpecSnapshot, codeBefore, codeAfter *corpus.CodeSnapshot) *types.ProportionalityFlag {
	specLines := SpecDiffLines(specBefore, specAfter)
	codeLines, filesTouched := CodeDiff(codeBefore, codeAfter)
	return p.evaluate(specLines, codeLines, filesTouched)
}

// Check evaluates pre-computed diff magnitudes. Callers with their own
// notion of the spec delta (e.g. changed node text against an older
// baseline) use this instead of CheckSpec.
func (p *ProportionChecker) Check(specLines, codeLines, filesTouched int) *types.ProportionalityFlag {
	return p.evaluate(specLines, codeLines, filesTouched)
}

// SpecDiffLines counts changed lines between two spec snapshots
func SpecDiffLines(before, after *corpus.SpecSnapshot) int {
	return diffLines(specFileSet(before), specFileSet(after))
}

func (p *ProportionChecker) evaluate(specLines, codeLines, filesTouched int) *types.ProportionalityFlag {
	denom := specLines
	if denom < 1 {
		denom = 1
	}
	ratio := (float64(codeLines) + p.FileWeight*float64(filesTouched)) / float64(denom)
	if ratio <= p.Threshold {
		return nil
	}
	return &types.ProportionalityFlag{
		SpecLinesChanged: specLines,
		CodeLinesChanged: codeLines,
		FilesTouched:     filesTouched,
		Ratio:            ratio,
		Threshold:        p.Threshold,
	}
}

type fileSet map[string]string

func specFileSet(s *corpus.SpecSnapshot) fileSet {
	out := make(fileSet, len(s.Files))
	for _, f := range s.Files {
		out[f.Path] = string(f.Content)
	}
	return out
}

func codeFileSet(c *corpus.CodeSnapshot) fileSet {
	out := make(fileSet, len(c.Units))
	for _, u := range c.Units {
		content, _ := c.Content(u.Path)
		out[u.Path] = string(content)
	}
	return out
}

// CodeDiff returns changed line count and touched file count between
// two code snapshots
func CodeDiff(before, after *corpus.CodeSnapshot) (lines, files int) {
	b, a := codeFileSet(before), codeFileSet(after)
	for path, afterContent := range a {
		beforeContent, existed := b[path]
		if !existed || beforeContent != afterContent {
			files++
		}
	}
	for path := range b {
		if _, still := a[path]; !still {
			files++
		}
	}
	return diffLines(b, a), files
}

// diffLines sums inserted and deleted lines across every file in
// either set, using a minimal edit script per file
func diffLines(before, after fileSet) int {
	total := 0
	count := func(path, b, a string) {
		edits := myers.ComputeEdits(span.URIFromPath(path), b, a)
		unified := gotextdiff.ToUnified(path, path, b, edits)
		for _, hunk := range unified.Hunks {
			for _, line := range hunk.Lines {
				if line.Kind != gotextdiff.Equal {
					total++
				}
			}
		}
	}
	for path, a := range after {
		count(path, before[path], a)
	}
	for path, b := range before {
		if _, still := after[path]; !still {
			count(path, b, "")
		}
	}
	return total
}
