// Package verify holds the independent verification machinery for the
// autonomous phase: spec-derived test cases, residue analysis over the
// trace image, and proportionality review of a session's diff.
package verify

import (
	"context"
	"fmt"

	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/types"
)

// TestDeriver turns behavioral spec nodes into executable test cases.
// Requests carry spec text only; generated code can never leak into
// its own acceptance criteria because no code unit is representable in
// the request.
type TestDeriver struct {
	oracle oracle.Oracle
}

// NewTestDeriver creates a test deriver
func NewTestDeriver(o oracle.Oracle) (*TestDeriver, error) {
	if o == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	return &TestDeriver{oracle: o}, nil
}

// Derive produces test cases for one node. A node with more than one
// parent widens to integration tests exercising the interaction of
// everything it refines. Derivation goes through the generation path,
// so results are logged and never cached.
func (d *TestDeriver) Derive(ctx context.Context, g *types.SpecGraph, id types.NodeID) ([]types.TestCase, error) {
	node, ok := g.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not in graph", id)
	}

	parents := g.Outgoing(id)
	req := &oracle.Request{
		Role: oracle.RoleDeriveTests,
		Context: []oracle.ContextItem{
			{Label: "node " + id.String(), Text: node.Title + "\n" + node.Text},
		},
		Constraints: []string{
			"Every test must use node \"" + id.String() + "\"",
			"Derive tests from the specification text alone",
		},
	}
	if len(parents) > 1 {
		req.Instruction = "Derive executable integration test cases for the specification node. " +
			"The node refines several parent requirements; include tests that exercise the interaction of those requirements together, not each in isolation."
		for _, pid := range parents {
			if p, ok := g.Nodes[pid]; ok {
				req.Context = append(req.Context, oracle.ContextItem{
					Label: "refined parent " + pid.String(),
					Text:  p.Title + "\n" + p.Text,
				})
			}
		}
	} else {
		req.Instruction = "Derive executable test cases for the specification node. " +
			"Each test asserts one observable behavior the node requires."
	}

	resp, err := d.oracle.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	tests := make([]types.TestCase, 0, len(resp.Tests))
	for _, tc := range resp.Tests {
		if tc.Node != id || tc.Name == "" || tc.Body == "" {
			continue
		}
		tc.Status = types.TestUnknown
		tests = append(tests, tc)
	}
	if len(tests) == 0 {
		return nil, oracle.NewFailure(oracle.RoleDeriveTests, "derive tests for "+id.String(), oracle.ErrEmptyResponse)
	}
	return tests, nil
}
