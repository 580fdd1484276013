package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NodeID
		wantErr bool
	}{
		{
			name:  "simple target",
			input: "specs/auth.md#login-flow",
			want:  NodeID{Path: "specs/auth.md", Heading: "login-flow"},
		},
		{
			name:  "nested path",
			input: "specs/sub/dir/file.md#heading",
			want:  NodeID{Path: "specs/sub/dir/file.md", Heading: "heading"},
		},
		{
			name:    "missing separator",
			input:   "specs/auth.md",
			wantErr: true,
		},
		{
			name:    "empty heading",
			input:   "specs/auth.md#",
			wantErr: true,
		},
		{
			name:    "empty path",
			input:   "#heading",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNodeID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionStateTransitions(t *testing.T) {
	// The happy path walks the full chain
	assert.True(t, StateSpecReconcile.CanTransitionTo(StateConsistent))
	assert.True(t, StateConsistent.CanTransitionTo(StateCodeReconcile))
	assert.True(t, StateCodeReconcile.CanTransitionTo(StateVerified))
	assert.True(t, StateCodeReconcile.CanTransitionTo(StateFlagged))
	assert.True(t, StateVerified.CanTransitionTo(StateCommitted))
	assert.True(t, StateFlagged.CanTransitionTo(StateCommitted))

	// No skipping the gate
	assert.False(t, StateSpecReconcile.CanTransitionTo(StateCodeReconcile))
	assert.False(t, StateSpecReconcile.CanTransitionTo(StateCommitted))
	assert.False(t, StateConsistent.CanTransitionTo(StateVerified))

	// Terminal states go nowhere
	assert.Empty(t, StateCommitted.ValidTransitions())
	assert.Empty(t, StateCancelled.ValidTransitions())

	// Cancellation is allowed from any non-terminal state
	for _, s := range []SessionState{StateSpecReconcile, StateConsistent, StateCodeReconcile, StateVerified, StateFlagged} {
		assert.True(t, s.CanTransitionTo(StateCancelled), "state %s should allow cancellation", s)
	}
}

func TestSortIssuesDeterministic(t *testing.T) {
	a := NodeID{Path: "a.md", Heading: "alpha"}
	b := NodeID{Path: "b.md", Heading: "beta"}

	issues := []Issue{
		{Kind: IssueOrphan, Severity: SeverityInfo, Nodes: []NodeID{b}},
		{Kind: IssueGap, Severity: SeverityWarning, Nodes: []NodeID{b}},
		{Kind: IssueCycle, Severity: SeverityError, Nodes: []NodeID{b}},
		{Kind: IssueBrokenLink, Severity: SeverityError, Nodes: []NodeID{a}},
	}

	SortIssues(issues)

	assert.Equal(t, IssueBrokenLink, issues[0].Kind) // error, a.md
	assert.Equal(t, IssueCycle, issues[1].Kind)      // error, b.md
	assert.Equal(t, IssueGap, issues[2].Kind)        // warning
	assert.Equal(t, IssueOrphan, issues[3].Kind)     // info
}

func TestScopeSharesUnit(t *testing.T) {
	s1 := &Scope{ID: "s1", Units: []string{"pkg/a.go", "pkg/b.go"}}
	s2 := &Scope{ID: "s2", Units: []string{"pkg/b.go", "pkg/c.go"}}
	s3 := &Scope{ID: "s3", Units: []string{"pkg/d.go"}}

	assert.True(t, s1.SharesUnit(s2))
	assert.True(t, s2.SharesUnit(s1))
	assert.False(t, s1.SharesUnit(s3))
	assert.False(t, s3.SharesUnit(s2))
}

func TestSessionReportExitCode(t *testing.T) {
	tests := []struct {
		name   string
		report SessionReport
		want   int
	}{
		{
			name: "clean verified session",
			report: SessionReport{
				FinalState:    StateVerified,
				ScopeOutcomes: []ScopeOutcome{{ScopeID: "s1", Status: ScopeCompleted}},
			},
			want: 0,
		},
		{
			name: "residue is a warning",
			report: SessionReport{
				FinalState: StateVerified,
				Residue:    []ResidueFinding{{Unit: "pkg/orphan.go", Hint: ResidueUnknown}},
			},
			want: 1,
		},
		{
			name: "proportionality flag is a warning",
			report: SessionReport{
				FinalState:           StateFlagged,
				ProportionalityFlags: []ProportionalityFlag{{Ratio: 50, Threshold: 10}},
			},
			want: 1,
		},
		{
			name: "failed scope is blocking",
			report: SessionReport{
				FinalState:    StateFlagged,
				ScopeOutcomes: []ScopeOutcome{{ScopeID: "s1", Status: ScopeFailed}},
			},
			want: 2,
		},
		{
			name: "conflicted scope is blocking",
			report: SessionReport{
				FinalState:    StateFlagged,
				ScopeOutcomes: []ScopeOutcome{{ScopeID: "s1", Status: ScopeConflicted}},
			},
			want: 2,
		},
		{
			name: "unresolved error-severity issue is blocking",
			report: SessionReport{
				FinalState:       StateFlagged,
				UnresolvedIssues: []Issue{{Kind: IssueOracleFailure, Severity: SeverityError}},
			},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.ExitCode())
		})
	}
}

func TestScopeValidate(t *testing.T) {
	valid := &Scope{
		ID:     "scope-1",
		Nodes:  []NodeID{{Path: "a.md", Heading: "h"}},
		Status: ScopePending,
	}
	require.NoError(t, valid.Validate())

	missing := &Scope{ID: "scope-2", Status: ScopePending}
	assert.Error(t, missing.Validate())

	badStatus := &Scope{
		ID:     "scope-3",
		Nodes:  []NodeID{{Path: "a.md", Heading: "h"}},
		Status: ScopeStatus("bogus"),
	}
	assert.Error(t, badStatus.Validate())
}
