package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/specsync/specsync/internal/types"
)

// Three-color DFS marks for cycle detection
type color int

const (
	white color = iota // Unvisited
	gray               // On the current DFS stack
	black              // Fully explored
)

// detectCycles runs a three-color depth-first search over the
// specifies edges and reports the minimal node set forming each cycle
// found, not just that one exists. The acyclicity invariant is what
// the CONSISTENT gate ultimately protects.
func detectCycles(g *types.SpecGraph) []types.Issue {
	colors := make(map[types.NodeID]color, len(g.Nodes))
	var stack []types.NodeID
	var cycles [][]types.NodeID

	var visit func(id types.NodeID)
	visit = func(id types.NodeID) {
		colors[id] = gray
		stack = append(stack, id)

		for _, next := range sortedTargets(g, id) {
			switch colors[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: the cycle is the stack slice from the
				// reoccurring node to the top.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := make([]types.NodeID, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range g.SortedIDs() {
		if colors[id] == white {
			visit(id)
		}
	}

	issues := make([]types.Issue, 0, len(cycles))
	for _, cycle := range dedupeCycles(cycles) {
		names := make([]string, len(cycle))
		for i, id := range cycle {
			names[i] = id.String()
		}
		issues = append(issues, types.Issue{
			Kind:        types.IssueCycle,
			Severity:    types.SeverityError,
			Nodes:       cycle,
			Explanation: fmt.Sprintf("specifies cycle: %s", strings.Join(names, " -> ")),
			Confidence:  types.ConfidenceHigh,
		})
	}
	return issues
}

// sortedTargets returns outgoing neighbors in deterministic order so
// repeated runs report byte-identical cycles
func sortedTargets(g *types.SpecGraph, id types.NodeID) []types.NodeID {
	out := g.Outgoing(id)
	targets := make([]types.NodeID, len(out))
	copy(targets, out)
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].String() < targets[j].String()
	})
	return targets
}

// dedupeCycles drops rotations of the same cycle discovered from
// different entry points, keeping one canonical form each
func dedupeCycles(cycles [][]types.NodeID) [][]types.NodeID {
	seen := make(map[string]bool)
	var out [][]types.NodeID
	for _, cycle := range cycles {
		key := canonicalCycleKey(cycle)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cycle)
	}
	return out
}

func canonicalCycleKey(cycle []types.NodeID) string {
	names := make([]string, len(cycle))
	for i, id := range cycle {
		names[i] = id.String()
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
