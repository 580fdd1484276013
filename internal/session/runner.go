package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/types"
	"github.com/specsync/specsync/internal/verify"
)

// scopeRunner executes one scope's coder/reviewer/test loop against
// the shared overlay
type scopeRunner struct {
	oracle      oracle.Oracle
	deriver     *verify.TestDeriver
	graph       *types.SpecGraph
	work        *overlay
	maxAttempts int
}

// run drives a scope to a settled status. Failures settle the scope;
// they never propagate as errors, so sibling scopes keep running.
func (r *scopeRunner) run(ctx context.Context, scope *types.Scope) {
	var feedback []string
	versionRetried := false

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		scope.Attempts = attempt
		if ctx.Err() != nil {
			scope.Status = types.ScopeCancelled
			scope.Error = ctx.Err().Error()
			return
		}

		captured := r.work.capture(scope.Units)

		changes, err := r.generate(ctx, scope, feedback)
		if err != nil {
			scope.Status = types.ScopeFailed
			scope.Error = err.Error()
			return
		}

		verdict, err := r.review(ctx, scope, changes)
		if err != nil {
			scope.Status = types.ScopeFailed
			scope.Error = err.Error()
			return
		}
		if !verdict.Agree {
			feedback = verdict.Reasons
			continue
		}

		tests, deriveErr := r.deriveTests(ctx, scope)
		if deriveErr == nil {
			passed, failed, reasons := r.adjudicate(ctx, scope, tests, changes)
			scope.TestsPassed = passed
			scope.TestsFailed = failed
			if failed > 0 {
				feedback = reasons
				continue
			}
		}

		if err := r.work.apply(changes, captured); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				// One fresh retry; a repeated race is a deterministic
				// conflict, not an infinite loop
				if versionRetried {
					scope.Status = types.ScopeConflicted
					scope.Error = err.Error()
					return
				}
				versionRetried = true
				feedback = nil
				attempt--
				continue
			}
			scope.Status = types.ScopeFailed
			scope.Error = err.Error()
			return
		}

		if deriveErr != nil {
			// Changes landed but could not be verified against
			// spec-derived tests
			scope.Status = types.ScopeIncomplete
			scope.Error = deriveErr.Error()
			return
		}
		scope.Status = types.ScopeCompleted
		return
	}

	scope.Status = types.ScopeFailed
	scope.Error = "attempts exhausted"
	if len(feedback) > 0 {
		scope.Error = fmt.Sprintf("attempts exhausted; last objections: %s", strings.Join(feedback, "; "))
	}
}

// generate asks the coder for a full-content change set covering the
// scope. Reviewer objections from the previous attempt ride along as
// labeled feedback.
func (r *scopeRunner) generate(ctx context.Context, scope *types.Scope, feedback []string) ([]oracle.CodeChange, error) {
	req := &oracle.Request{
		Role: oracle.RoleGenerate,
		Instruction: "Revise the code units so they implement the specification nodes exactly. " +
			"Return complete file contents for every unit you change or create. Change as little as the nodes require.",
		Context: r.specContext(scope),
		Constraints: []string{
			"Return full file contents, never fragments",
			"Touch only files needed to satisfy the given nodes",
		},
	}
	for _, path := range scope.Units {
		if content, ok := r.work.get(path); ok {
			req.Context = append(req.Context, oracle.ContextItem{
				Label: "unit " + path,
				Text:  string(content),
			})
		}
	}
	if len(feedback) > 0 {
		req.Context = append(req.Context, oracle.ContextItem{
			Label: "reviewer objections",
			Text:  strings.Join(feedback, "\n"),
		})
	}

	resp, err := r.oracle.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// review submits the proposed changes to an independent reviewer. The
// request carries spec text and change contents only; the coder's
// rationale is structurally absent, so the reviewer cannot be anchored
// by it.
func (r *scopeRunner) review(ctx context.Context, scope *types.Scope, changes []oracle.CodeChange) (*oracle.ReviewVerdict, error) {
	req := &oracle.Request{
		Role: oracle.RoleReview,
		Instruction: "Review the proposed file contents against the specification nodes. " +
			"Agree only if every node's behavior is implemented and nothing beyond the nodes was added.",
		Context: r.specContext(scope),
	}
	for _, ch := range changes {
		req.Context = append(req.Context, oracle.ContextItem{
			Label: "proposed " + ch.Path,
			Text:  ch.Content,
		})
	}

	resp, err := r.oracle.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Verdict == nil {
		return nil, oracle.NewFailure(oracle.RoleReview, "scope "+scope.ID, oracle.ErrMalformedResponse)
	}
	return resp.Verdict, nil
}

// deriveTests aggregates spec-derived test cases across the scope's
// nodes
func (r *scopeRunner) deriveTests(ctx context.Context, scope *types.Scope) ([]types.TestCase, error) {
	var tests []types.TestCase
	for _, id := range scope.Nodes {
		nodeTests, err := r.deriver.Derive(ctx, r.graph, id)
		if err != nil {
			return nil, err
		}
		tests = append(tests, nodeTests...)
	}
	return tests, nil
}

// adjudicate judges the proposed contents against the derived tests
// and stamps each test's status from the verdict. An adjudication
// failure leaves every test unknown and counts it as failed for the
// scope gate.
func (r *scopeRunner) adjudicate(ctx context.Context, scope *types.Scope, tests []types.TestCase, changes []oracle.CodeChange) (passed, failed int, reasons []string) {
	req := &oracle.Request{
		Role: oracle.RoleReview,
		Instruction: "Judge whether the file contents would pass every test case. " +
			"Agree only if all tests pass; otherwise list each failing test and why.",
	}
	for _, tc := range tests {
		req.Context = append(req.Context, oracle.ContextItem{
			Label: "test " + tc.Name,
			Text:  tc.Body,
		})
	}
	for _, ch := range changes {
		req.Context = append(req.Context, oracle.ContextItem{
			Label: "proposed " + ch.Path,
			Text:  ch.Content,
		})
	}

	resp, err := r.oracle.Generate(ctx, req)
	if err != nil || resp.Verdict == nil {
		for i := range tests {
			tests[i].Status = types.TestUnknown
		}
		return 0, len(tests), []string{"test adjudication failed"}
	}

	status := types.TestFail
	if resp.Verdict.Agree {
		status = types.TestPass
	}
	for i := range tests {
		tests[i].Status = status
	}
	if resp.Verdict.Agree {
		return len(tests), 0, nil
	}
	return 0, len(tests), resp.Verdict.Reasons
}

// specContext renders the scope's nodes as context items
func (r *scopeRunner) specContext(scope *types.Scope) []oracle.ContextItem {
	items := make([]oracle.ContextItem, 0, len(scope.Nodes))
	for _, id := range scope.Nodes {
		if node, ok := r.graph.Nodes[id]; ok {
			items = append(items, oracle.ContextItem{
				Label: "node " + id.String(),
				Text:  node.Title + "\n" + node.Text,
			})
		}
	}
	return items
}
