// Package checker produces the unified issue report for a spec graph
// snapshot: deterministic structural checks computed offline on every
// run, plus semantic checks delegated to the oracle one call per
// (category, target node set), memoized by content hash.
package checker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/types"
)

// Version participates in every semantic cache key, so upgrading the
// checker invalidates cached verdicts without touching the corpus.
const Version = "1"

// Category is a semantic check category. Each category pairs with a
// target node set to form one oracle call.
type Category string

const (
	CategoryContradiction    Category = "contradiction"
	CategoryGap              Category = "gap"
	CategoryAmbiguity        Category = "ambiguity"
	CategoryScopeCreep       Category = "scope-creep"
	CategoryImplementability Category = "implementability"
	CategoryCompleteness     Category = "completeness"
)

// Cache memoizes semantic verdicts keyed by (node content hashes,
// category, checker version). The cache is an optimization, never an
// authority: a nil cache gives identical results, just slower.
type Cache interface {
	GetIssues(ctx context.Context, key string) ([]types.Issue, bool, error)
	PutIssues(ctx context.Context, key string, issues []types.Issue) error
}

// Config holds checker configuration
type Config struct {
	Oracle oracle.Oracle
	Cache  Cache // Optional
}

// Checker runs consistency checks against one graph snapshot
type Checker struct {
	oracle oracle.Oracle
	cache  Cache
}

// New creates a consistency checker
func New(cfg *Config) (*Checker, error) {
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	return &Checker{oracle: cfg.Oracle, cache: cfg.Cache}, nil
}

// Check produces the unified issue report: builder output reused
// directly, the remaining structural checks, then semantic checks via
// the oracle. The report is deduplicated and sorted by severity then
// location; running Check twice on an unchanged snapshot yields a
// byte-identical report.
func (c *Checker) Check(ctx context.Context, g *types.SpecGraph, buildIssues []types.Issue) ([]types.Issue, error) {
	issues := make([]types.Issue, 0, len(buildIssues))
	issues = append(issues, buildIssues...)
	issues = append(issues, checkDescriptions(g)...)

	semantic, err := c.semanticIssues(ctx, g)
	if err != nil {
		return nil, err
	}
	issues = append(issues, semantic...)

	issues = dedupe(issues)
	types.SortIssues(issues)
	return issues, nil
}

// StructuralOnly runs just the offline checks, for fast interactive
// iterations before the oracle is consulted
func (c *Checker) StructuralOnly(g *types.SpecGraph, buildIssues []types.Issue) []types.Issue {
	return Structural(g, buildIssues)
}

// Structural is the oracle-free subset of Check; it needs no Checker
// and therefore no credentials
func Structural(g *types.SpecGraph, buildIssues []types.Issue) []types.Issue {
	issues := make([]types.Issue, 0, len(buildIssues))
	issues = append(issues, buildIssues...)
	issues = append(issues, checkDescriptions(g)...)
	issues = dedupe(issues)
	types.SortIssues(issues)
	return issues
}

// checkDescriptions flags nodes whose heading carries no body text; a
// bare heading specifies nothing checkable
func checkDescriptions(g *types.SpecGraph) []types.Issue {
	var issues []types.Issue
	for _, id := range g.SortedIDs() {
		if strings.TrimSpace(g.Nodes[id].Text) == "" {
			issues = append(issues, types.Issue{
				Kind:        types.IssueMissingDesc,
				Severity:    types.SeverityWarning,
				Nodes:       []types.NodeID{id},
				Explanation: fmt.Sprintf("node %s has a heading but no description text", id),
				Confidence:  types.ConfidenceHigh,
			})
		}
	}
	return issues
}

// semanticIssues runs every (category, target set) pair. Oracle
// failures surface as oracle-failure issues on the targets they were
// checking, never as dropped checks.
func (c *Checker) semanticIssues(ctx context.Context, g *types.SpecGraph) ([]types.Issue, error) {
	var issues []types.Issue
	for _, call := range c.planCalls(g) {
		result, err := c.runCall(ctx, g, call)
		if err != nil {
			if oracle.IsFailure(err) {
				issues = append(issues, types.Issue{
					Kind:     types.IssueOracleFailure,
					Severity: types.SeverityWarning,
					Nodes:    call.targets,
					Explanation: fmt.Sprintf("%s check could not complete: %v",
						call.category, err),
					Confidence: types.ConfidenceLow,
				})
				continue
			}
			return nil, err
		}
		issues = append(issues, result...)
	}
	return issues, nil
}

// semanticCall is one planned (category, target node set) oracle call
type semanticCall struct {
	category Category
	targets  []types.NodeID
}

// planCalls enumerates the semantic work for a snapshot in
// deterministic order:
//   - contradiction: every parent/child pair, and every sibling pair
//     sharing a parent
//   - gap, completeness: every parent with its full child set
//   - ambiguity, implementability, scope-creep: every node alone
func (c *Checker) planCalls(g *types.SpecGraph) []semanticCall {
	var calls []semanticCall

	ids := g.SortedIDs()
	for _, id := range ids {
		calls = append(calls,
			semanticCall{CategoryAmbiguity, []types.NodeID{id}},
			semanticCall{CategoryImplementability, []types.NodeID{id}},
			semanticCall{CategoryScopeCreep, []types.NodeID{id}},
		)
	}

	for _, parent := range ids {
		children := sortedIDs(g.Incoming(parent))
		if len(children) == 0 {
			continue
		}
		withParent := append([]types.NodeID{parent}, children...)
		calls = append(calls,
			semanticCall{CategoryGap, withParent},
			semanticCall{CategoryCompleteness, withParent},
		)
		for _, child := range children {
			calls = append(calls, semanticCall{CategoryContradiction, []types.NodeID{parent, child}})
		}
		for i := 0; i < len(children); i++ {
			for j := i + 1; j < len(children); j++ {
				calls = append(calls, semanticCall{CategoryContradiction, []types.NodeID{children[i], children[j]}})
			}
		}
	}
	return calls
}

// runCall executes one semantic call, consulting the cache first
func (c *Checker) runCall(ctx context.Context, g *types.SpecGraph, call semanticCall) ([]types.Issue, error) {
	key := c.cacheKey(g, call)
	if c.cache != nil {
		cached, ok, err := c.cache.GetIssues(ctx, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: checker cache read failed: %v\n", err)
		} else if ok {
			return cached, nil
		}
	}

	req := c.buildRequest(g, call)
	resp, err := c.oracle.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	issues := clampVerdicts(call, resp.Issues)
	if c.cache != nil {
		if err := c.cache.PutIssues(ctx, key, issues); err != nil {
			fmt.Fprintf(os.Stderr, "warning: checker cache write failed: %v\n", err)
		}
	}
	return issues, nil
}

// cacheKey builds the memoization key from the target node content
// hashes, the category, and the checker version. Unchanged subgraphs
// therefore skip re-analysis entirely.
func (c *Checker) cacheKey(g *types.SpecGraph, call semanticCall) string {
	hashes := make([]string, 0, len(call.targets))
	for _, id := range call.targets {
		if n, ok := g.Nodes[id]; ok {
			hashes = append(hashes, n.Hash)
		}
	}
	sort.Strings(hashes)
	return string(call.category) + "|v" + Version + "|" + strings.Join(hashes, ",")
}

// buildRequest assembles the bounded context for a call: the targets
// plus their direct graph neighborhood (parents, siblings sharing a
// parent, children), never the whole corpus.
func (c *Checker) buildRequest(g *types.SpecGraph, call semanticCall) *oracle.Request {
	req := &oracle.Request{
		Role:        oracle.RoleAnalyze,
		Instruction: instructionFor(call.category),
		Constraints: []string{
			"Report only issues of kind " + string(issueKindFor(call.category)),
			"Cite node references exactly as given in the context labels",
			"Refinement that adds compatible detail is not a contradiction; only a change of meaning is",
			"If the verdict is ambiguous, report it at confidence medium or low; never silently resolve ambiguity",
		},
	}

	inTargets := make(map[types.NodeID]bool, len(call.targets))
	for _, id := range call.targets {
		inTargets[id] = true
		if n, ok := g.Nodes[id]; ok {
			req.Context = append(req.Context, oracle.ContextItem{
				Label: "node under review " + id.String(),
				Text:  n.Title + "\n" + n.Text,
			})
		}
	}

	seen := make(map[types.NodeID]bool)
	addNeighbor := func(id types.NodeID) {
		if inTargets[id] || seen[id] {
			return
		}
		seen[id] = true
		if n, ok := g.Nodes[id]; ok {
			req.Context = append(req.Context, oracle.ContextItem{
				Label: "neighborhood " + id.String(),
				Text:  n.Title + "\n" + n.Text,
			})
		}
	}
	for _, id := range call.targets {
		for _, parent := range sortedIDs(g.Outgoing(id)) {
			addNeighbor(parent)
			for _, sibling := range sortedIDs(g.Incoming(parent)) {
				addNeighbor(sibling)
			}
		}
		for _, child := range sortedIDs(g.Incoming(id)) {
			addNeighbor(child)
		}
	}
	return req
}

// clampVerdicts keeps a semantic call's output inside its own lane:
// issues come back with the category's kind and cite at least one
// target. Confidence is the oracle's to report; the instruction text
// asks for medium or lower on ambiguous contradiction verdicts.
func clampVerdicts(call semanticCall, raw []types.Issue) []types.Issue {
	want := issueKindFor(call.category)
	var out []types.Issue
	for _, issue := range raw {
		if issue.Kind != want {
			continue
		}
		if len(issue.Nodes) == 0 {
			issue.Nodes = call.targets
		}
		out = append(out, issue)
	}
	return out
}

func issueKindFor(cat Category) types.IssueKind {
	switch cat {
	case CategoryContradiction:
		return types.IssueContradiction
	case CategoryGap:
		return types.IssueGap
	case CategoryAmbiguity:
		return types.IssueAmbiguity
	case CategoryScopeCreep:
		return types.IssueScopeCreep
	case CategoryImplementability:
		return types.IssueImplementability
	case CategoryCompleteness:
		return types.IssueCompleteness
	default:
		return types.IssueKind(cat)
	}
}

func instructionFor(cat Category) string {
	switch cat {
	case CategoryContradiction:
		return "You are reviewing specification nodes for contradictions. Compare the nodes under review and decide whether either changes the meaning of the other. Refinement (adding compatible detail) is NOT a contradiction. Report kind \"contradiction\" at severity \"error\" only when the texts cannot both be true."
	case CategoryGap:
		return "You are reviewing a parent specification node and its refinements. Identify meaningful behavior the parent promises that no child specifies. Report each as kind \"gap\"."
	case CategoryAmbiguity:
		return "You are reviewing a specification node for ambiguity: wording with more than one reasonable implementation-relevant reading. Report each as kind \"ambiguity\"."
	case CategoryScopeCreep:
		return "You are reviewing a specification node against its parents in the neighborhood context. Identify requirements it introduces that none of its parents ask for. Report each as kind \"scope-creep\"."
	case CategoryImplementability:
		return "You are reviewing a specification node for implementability: requirements that are untestable, unbounded, or not realizable as stated. Report each as kind \"implementability\"."
	case CategoryCompleteness:
		return "You are reviewing a parent specification node and its refinements for completeness: required sections or behaviors that remain unspecified across the whole set. Report each as kind \"completeness\"."
	default:
		return "Review the specification nodes under review for consistency issues."
	}
}

// dedupe drops issues with identical keys, keeping the first
// (highest-sorted after the final sort)
func dedupe(issues []types.Issue) []types.Issue {
	types.SortIssues(issues)
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, issue := range issues {
		k := issue.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, issue)
	}
	return out
}

func sortedIDs(ids []types.NodeID) []types.NodeID {
	out := make([]types.NodeID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Heading < out[j].Heading
	})
	return out
}
