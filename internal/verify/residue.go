package verify

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/types"
)

// ResidueAnalyzer finds code units no spec node accounts for
type ResidueAnalyzer struct {
	oracle oracle.Oracle // Optional; without it every hint is unknown
}

// NewResidueAnalyzer creates a residue analyzer
func NewResidueAnalyzer(o oracle.Oracle) *ResidueAnalyzer {
	return &ResidueAnalyzer{oracle: o}
}

// Analyze computes the residue set: every unit in the snapshot minus
// the image of the link set minus exclusion matches. Each finding gets
// a best-effort classification hint; a failed hint call degrades to
// unknown rather than dropping the finding.
func (r *ResidueAnalyzer) Analyze(ctx context.Context, code *corpus.CodeSnapshot, links []types.TraceLink, excluded *corpus.ExclusionList) []types.ResidueFinding {
	traced := make(map[string]bool, len(links))
	for _, l := range links {
		traced[l.Unit] = true
	}

	var findings []types.ResidueFinding
	for _, unit := range code.Units {
		if traced[unit.Path] {
			continue
		}
		if excluded != nil && excluded.Match(unit.Path) {
			continue
		}
		findings = append(findings, types.ResidueFinding{
			Unit: unit.Path,
			Hint: r.hint(ctx, code, unit.Path),
		})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Unit < findings[j].Unit })
	return findings
}

// hint classifies one residue unit with a single cheap call
func (r *ResidueAnalyzer) hint(ctx context.Context, code *corpus.CodeSnapshot, path string) types.ResidueHint {
	if r.oracle == nil {
		return types.ResidueUnknown
	}
	content, ok := code.Content(path)
	if !ok {
		return types.ResidueUnknown
	}

	resp, err := r.oracle.Analyze(ctx, &oracle.Request{
		Role:  oracle.RoleAnalyze,
		Cheap: true,
		Instruction: "Classify why this file exists in a codebase where no specification mentions it. " +
			"Answer with exactly one issue of kind \"gap\" whose explanation is one of: dead-code, needs-spec, hallucinated, unknown.",
		Context: []oracle.ContextItem{
			{Label: "unaccounted file " + path, Text: string(content)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: residue hint for %s failed: %v\n", path, err)
		return types.ResidueUnknown
	}

	for _, issue := range resp.Issues {
		switch types.ResidueHint(issue.Explanation) {
		case types.ResidueDeadCode, types.ResidueNeedsSpec, types.ResidueHallucinated:
			return types.ResidueHint(issue.Explanation)
		}
	}
	return types.ResidueUnknown
}
