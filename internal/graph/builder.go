package graph

import (
	"fmt"
	"strings"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/types"
)

// Build parses a spec snapshot into an immutable graph and reports
// every structural defect it finds along the way. Defects never abort
// the build: a malformed file still contributes its parseable nodes.
func Build(snap *corpus.SpecSnapshot) (*types.SpecGraph, []types.Issue) {
	var issues []types.Issue
	nodes := make(map[types.NodeID]*types.SpecNode)
	var edges []types.SpecEdge

	type pendingEdge struct {
		from   types.NodeID
		target string
		line   int
	}
	var pending []pendingEdge

	for _, f := range snap.Files {
		for _, sec := range parseFile(f) {
			if existing, dup := nodes[sec.node.ID]; dup {
				// The slugger disambiguates within a file, so a
				// collision here means two files produced the same
				// (path, heading) pair, which cannot happen; guard
				// anyway for corrupted snapshots.
				issues = append(issues, types.Issue{
					Kind:        types.IssueMalformedDecl,
					Severity:    types.SeverityError,
					Nodes:       []types.NodeID{existing.ID},
					Explanation: fmt.Sprintf("duplicate node id %s", sec.node.ID),
					Confidence:  types.ConfidenceHigh,
				})
				continue
			}
			nodes[sec.node.ID] = sec.node

			for _, m := range sec.malformed {
				issues = append(issues, types.Issue{
					Kind:     types.IssueMalformedDecl,
					Severity: types.SeverityError,
					Nodes:    []types.NodeID{sec.node.ID},
					Explanation: fmt.Sprintf("%s:%d: malformed declaration %q",
						f.Path, m.line, m.text),
					Confidence: types.ConfidenceHigh,
				})
			}
			for i, target := range sec.targets {
				pending = append(pending, pendingEdge{
					from:   sec.node.ID,
					target: target,
					line:   sec.targetLns[i],
				})
			}
		}
	}

	// Resolve targets now that every node is known
	for _, pe := range pending {
		to, err := types.ParseNodeID(pe.target)
		if err != nil {
			issues = append(issues, types.Issue{
				Kind:     types.IssueMalformedDecl,
				Severity: types.SeverityError,
				Nodes:    []types.NodeID{pe.from},
				Explanation: fmt.Sprintf("%s:%d: %v",
					pe.from.Path, pe.line, err),
				Confidence: types.ConfidenceHigh,
			})
			continue
		}

		edge := types.SpecEdge{From: pe.from, To: to, Line: pe.line}
		edges = append(edges, edge)

		if !strings.HasSuffix(to.Path, ".md") {
			issues = append(issues, types.Issue{
				Kind:     types.IssueNonSpecTarget,
				Severity: types.SeverityError,
				Edges:    []types.SpecEdge{edge},
				Explanation: fmt.Sprintf("%s:%d: specifies target %q is not a spec file",
					pe.from.Path, pe.line, pe.target),
				Confidence: types.ConfidenceHigh,
			})
			continue
		}
		if _, ok := nodes[to]; !ok {
			issues = append(issues, types.Issue{
				Kind:     types.IssueBrokenLink,
				Severity: types.SeverityError,
				Edges:    []types.SpecEdge{edge},
				Explanation: fmt.Sprintf("%s:%d: specifies target %q does not resolve to any node",
					pe.from.Path, pe.line, pe.target),
				Confidence: types.ConfidenceHigh,
			})
		}
	}

	g := types.NewSpecGraph(snap.TreeHash, nodes, edges)
	inferKinds(g)

	issues = append(issues, detectCycles(g)...)
	issues = append(issues, detectOrphans(g)...)

	types.SortIssues(issues)
	return g, issues
}

// inferKinds assigns a kind to nodes that did not declare one: a node
// nothing refines further and which refines nothing is treated as
// intent only when it is a root (incoming edges, no outgoing);
// everything else defaults to behavioral.
func inferKinds(g *types.SpecGraph) {
	for id, n := range g.Nodes {
		if n.Kind != "" {
			continue
		}
		if len(g.Outgoing(id)) == 0 && len(g.Incoming(id)) > 0 {
			n.Kind = types.KindIntent
		} else {
			n.Kind = types.KindBehavioral
		}
	}
}

// detectOrphans flags nodes with no edges in either direction. A node
// with only outgoing edges is a leaf refinement and fine; a node with
// only incoming edges is a root intent and fine.
func detectOrphans(g *types.SpecGraph) []types.Issue {
	var issues []types.Issue
	for _, id := range g.SortedIDs() {
		if len(g.Outgoing(id)) == 0 && len(g.Incoming(id)) == 0 {
			issues = append(issues, types.Issue{
				Kind:        types.IssueOrphan,
				Severity:    types.SeverityWarning,
				Nodes:       []types.NodeID{id},
				Explanation: fmt.Sprintf("node %s has no specifies relations in either direction", id),
				Confidence:  types.ConfidenceHigh,
			})
		}
	}
	return issues
}
