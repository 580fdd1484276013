package session

import (
	"fmt"
	"sort"

	"github.com/specsync/specsync/internal/types"
)

// changedNodes diffs the current graph against the node hashes of the
// last committed baseline. With no baseline every node is changed.
func changedNodes(g *types.SpecGraph, baseline map[string]string) []types.NodeID {
	var changed []types.NodeID
	for _, id := range g.SortedIDs() {
		if baseline == nil {
			changed = append(changed, id)
			continue
		}
		if baseline[id.String()] != g.Nodes[id].Hash {
			changed = append(changed, id)
		}
	}
	return changed
}

// nodeHashes captures every node's content hash for the commit record
func nodeHashes(g *types.SpecGraph) map[string]string {
	hashes := make(map[string]string, len(g.Nodes))
	for id, node := range g.Nodes {
		hashes[id.String()] = node.Hash
	}
	return hashes
}

// buildScopes groups changed nodes into scopes: two nodes share a
// scope when their traced unit sets overlap (transitively). A changed
// node with no traced units forms its own scope; its coder call will
// create the units.
func buildScopes(sessionID string, changed []types.NodeID, unitsByNode map[types.NodeID][]string) []*types.Scope {
	// Union-find over changed nodes keyed by shared units
	parent := make(map[int]int, len(changed))
	for i := range changed {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	unitOwner := make(map[string]int)
	for i, id := range changed {
		for _, unit := range unitsByNode[id] {
			if owner, ok := unitOwner[unit]; ok {
				union(i, owner)
			} else {
				unitOwner[unit] = i
			}
		}
	}

	groups := make(map[int][]int)
	for i := range changed {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	roots := make([]int, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(a, b int) bool {
		// Order groups by their first node for stable scope IDs
		return changed[groups[roots[a]][0]].String() < changed[groups[roots[b]][0]].String()
	})

	var scopes []*types.Scope
	for n, root := range roots {
		members := groups[root]
		sort.Ints(members)

		scope := &types.Scope{
			ID:     fmt.Sprintf("%s-scope-%d", sessionID, n+1),
			Status: types.ScopePending,
		}
		unitSet := make(map[string]bool)
		for _, i := range members {
			id := changed[i]
			scope.Nodes = append(scope.Nodes, id)
			for _, unit := range unitsByNode[id] {
				if !unitSet[unit] {
					unitSet[unit] = true
					scope.Units = append(scope.Units, unit)
				}
			}
		}
		sort.Strings(scope.Units)
		scopes = append(scopes, scope)
	}
	return scopes
}

// scheduleBatches partitions scopes into execution waves: scopes in
// one wave never share a code unit, so a wave can run concurrently.
// Waves run in order. Greedy first-fit keeps the assignment
// deterministic.
func scheduleBatches(scopes []*types.Scope) [][]*types.Scope {
	var batches [][]*types.Scope
	for _, scope := range scopes {
		placed := false
		for i, batch := range batches {
			conflict := false
			for _, other := range batch {
				if scope.SharesUnit(other) {
					conflict = true
					break
				}
			}
			if !conflict {
				batches[i] = append(batches[i], scope)
				placed = true
				break
			}
		}
		if !placed {
			batches = append(batches, []*types.Scope{scope})
		}
	}
	return batches
}
