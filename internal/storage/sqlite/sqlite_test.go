package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specsync/specsync/internal/storage"
	"github.com/specsync/specsync/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(id string) *types.ReconciliationSession {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.ReconciliationSession{
		ID:               id,
		State:            types.StateSpecReconcile,
		SpecSnapshotHash: "spec-hash",
		CodeSnapshotHash: "code-hash",
		ChangedNodes:     []types.NodeID{{Path: "auth.md", Heading: "login"}},
		Scopes: []*types.Scope{{
			ID:     "scope-1",
			Nodes:  []types.NodeID{{Path: "auth.md", Heading: "login"}},
			Units:  []string{"internal/auth/login.go"},
			Status: types.ScopePending,
		}},
		StartedAt: now,
		UpdatedAt: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := sampleSession("sess-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.State, got.State)
	assert.Equal(t, sess.ChangedNodes, got.ChangedNodes)
	require.Len(t, got.Scopes, 1)
	assert.Equal(t, "scope-1", got.Scopes[0].ID)
	assert.Equal(t, []string{"internal/auth/login.go"}, got.Scopes[0].Units)
}

func TestUpdateSessionRewritesScopes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := sampleSession("sess-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	sess.State = types.StateConsistent
	sess.Scopes[0].Status = types.ScopeCompleted
	sess.Scopes[0].TestsPassed = 4
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateConsistent, got.State)
	assert.Equal(t, types.ScopeCompleted, got.Scopes[0].Status)
	assert.Equal(t, 4, got.Scopes[0].TestsPassed)
}

func TestUpdateUnknownSessionFails(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSession(context.Background(), sampleSession("ghost"))
	assert.Error(t, err)
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := sampleSession("sess-old")
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, older))
	require.NoError(t, s.CreateSession(ctx, sampleSession("sess-new")))

	sessions, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-new", sessions[0].ID)
	assert.Equal(t, "sess-old", sessions[1].ID)
}

func TestReportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, sampleSession("sess-1")))

	report := &types.SessionReport{
		SessionID:    "sess-1",
		ChangedFiles: []string{"internal/auth/login.go"},
		ScopeOutcomes: []types.ScopeOutcome{
			{ScopeID: "scope-1", Status: types.ScopeCompleted, TestsPassed: 3},
		},
		Residue:    []types.ResidueFinding{{Unit: "internal/old/legacy.go", Hint: types.ResidueDeadCode}},
		FinalState: types.StateFlagged,
	}
	require.NoError(t, s.SaveReport(ctx, report))

	got, err := s.GetReport(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, report, got)

	// Saving again replaces
	report.FinalState = types.StateCommitted
	require.NoError(t, s.SaveReport(ctx, report))
	got, err = s.GetReport(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, got.FinalState)
}

func TestCommitBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	last, err := s.LastCommit(ctx)
	require.NoError(t, err)
	assert.Nil(t, last, "fresh store has no commits")

	require.NoError(t, s.CreateSession(ctx, sampleSession("sess-1")))
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordCommit(ctx, &storage.CommitRecord{
		SessionID: "sess-1", SpecHash: "spec-a", CodeHash: "code-a", CommittedAt: now.Add(-time.Hour),
	}))
	sess2 := sampleSession("sess-2")
	require.NoError(t, s.CreateSession(ctx, sess2))
	require.NoError(t, s.RecordCommit(ctx, &storage.CommitRecord{
		SessionID:   "sess-2",
		SpecHash:    "spec-b",
		CodeHash:    "code-b",
		NodeHashes:  map[string]string{"auth.md#login": "h1"},
		CommittedAt: now,
	}))

	last, err = s.LastCommit(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "sess-2", last.SessionID)
	assert.Equal(t, "code-b", last.CodeHash)
	assert.Equal(t, map[string]string{"auth.md#login": "h1"}, last.NodeHashes)
}

func TestAnalysisCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetIssues(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	issues := []types.Issue{{
		Kind:        types.IssueAmbiguity,
		Severity:    types.SeverityWarning,
		Nodes:       []types.NodeID{{Path: "auth.md", Heading: "login"}},
		Explanation: "token lifetime unspecified",
		Confidence:  types.ConfidenceMedium,
	}}
	require.NoError(t, s.PutIssues(ctx, "key-1", issues))

	got, found, err := s.GetIssues(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, issues, got)

	// Empty verdicts are cacheable and distinct from misses
	require.NoError(t, s.PutIssues(ctx, "key-2", nil))
	got, found, err = s.GetIssues(ctx, "key-2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, got)
}

func TestTraceCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, found, err := s.GetVerdict(ctx, "n1", "u1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutVerdict(ctx, "n1", "u1", true, types.ConfidenceHigh))
	require.NoError(t, s.PutVerdict(ctx, "n1", "u2", false, ""))

	conf, linked, found, err := s.GetVerdict(ctx, "n1", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, linked)
	assert.Equal(t, types.ConfidenceHigh, conf)

	_, linked, found, err = s.GetVerdict(ctx, "n1", "u2")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, linked, "negative verdicts persist too")
}

func TestCallLogAggregation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCall(ctx, "analyze", "model-a", 100, 50, time.Second))
	require.NoError(t, s.RecordCall(ctx, "analyze", "model-a", 200, 80, time.Second))
	require.NoError(t, s.RecordCall(ctx, "generate", "model-b", 500, 900, 2*time.Second))

	stats, err := s.CallStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, storage.CallStat{
		Role: "analyze", Model: "model-a", Calls: 2, InputTokens: 300, OutputTokens: 130,
	}, stats[0])
	assert.Equal(t, int64(1), stats[1].Calls)
}
