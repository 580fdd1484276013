package checker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/graph"
	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/types"
)

// stubOracle answers Analyze calls with canned issues chosen by
// inspecting the rendered context
type stubOracle struct {
	calls  []*oracle.Request
	answer func(req *oracle.Request) []types.Issue
	fail   error
}

func (s *stubOracle) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	s.calls = append(s.calls, req)
	if s.fail != nil {
		return nil, s.fail
	}
	var issues []types.Issue
	if s.answer != nil {
		issues = s.answer(req)
	}
	return &oracle.Response{Role: req.Role, Issues: issues}, nil
}

func (s *stubOracle) Generate(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	return nil, fmt.Errorf("checker must never call Generate")
}

func contextText(req *oracle.Request) string {
	var sb strings.Builder
	for _, item := range req.Context {
		sb.WriteString(item.Label)
		sb.WriteString("\n")
		sb.WriteString(item.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// memCache is an in-memory Cache for idempotence tests
type memCache struct {
	store map[string][]types.Issue
	gets  int
	hits  int
}

func newMemCache() *memCache {
	return &memCache{store: make(map[string][]types.Issue)}
}

func (m *memCache) GetIssues(ctx context.Context, key string) ([]types.Issue, bool, error) {
	m.gets++
	issues, ok := m.store[key]
	if ok {
		m.hits++
	}
	return issues, ok, nil
}

func (m *memCache) PutIssues(ctx context.Context, key string, issues []types.Issue) error {
	m.store[key] = issues
	return nil
}

func mdFile(path, content string) *corpus.File {
	return &corpus.File{Path: path, Content: []byte(content), Hash: corpus.HashContent([]byte(content))}
}

// chainSnapshot builds the three-level fixture: C refines B refines A
func chainSnapshot(cText string) *corpus.SpecSnapshot {
	a := "# Root Goal\n\nThe system stores records durably.\n"
	b := "# Storage Layer\n\nspecifies: a.md#root-goal\n\nRecords persist across restarts.\n"
	c := "# Write Path\n\nspecifies: b.md#storage-layer\n\n" + cText + "\n"
	return &corpus.SpecSnapshot{
		Root:     "spec",
		TreeHash: corpus.HashContent([]byte(a + b + c)),
		Files:    []*corpus.File{mdFile("a.md", a), mdFile("b.md", b), mdFile("c.md", c)},
	}
}

func TestConsistentChainYieldsZeroIssues(t *testing.T) {
	g, buildIssues := graph.Build(chainSnapshot("Writes are fsynced before acknowledgement."))
	require.Empty(t, buildIssues)

	stub := &stubOracle{}
	chk, err := New(&Config{Oracle: stub})
	require.NoError(t, err)

	issues, err := chk.Check(context.Background(), g, buildIssues)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.NotEmpty(t, stub.calls, "semantic checks should have run")
	for _, call := range stub.calls {
		assert.Equal(t, oracle.RoleAnalyze, call.Role)
	}
}

func TestContradictionDetectedAndCited(t *testing.T) {
	g, buildIssues := graph.Build(chainSnapshot("Records are held in memory only and lost on restart."))
	require.Empty(t, buildIssues)

	rootID := types.NodeID{Path: "a.md", Heading: "root-goal"}
	writeID := types.NodeID{Path: "c.md", Heading: "write-path"}

	stub := &stubOracle{
		answer: func(req *oracle.Request) []types.Issue {
			text := contextText(req)
			if strings.Contains(req.Instruction, "contradictions") &&
				strings.Contains(text, "lost on restart") &&
				strings.Contains(text, "durably") {
				return []types.Issue{{
					Kind:        types.IssueContradiction,
					Severity:    types.SeverityError,
					Nodes:       []types.NodeID{rootID, writeID},
					Explanation: "write path discards records the root requires to be durable",
					Confidence:  types.ConfidenceHigh,
				}}
			}
			return nil
		},
	}
	chk, err := New(&Config{Oracle: stub})
	require.NoError(t, err)

	issues, err := chk.Check(context.Background(), g, buildIssues)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueContradiction, issues[0].Kind)
	assert.Equal(t, types.ConfidenceHigh, issues[0].Confidence)
	assert.ElementsMatch(t, []types.NodeID{rootID, writeID}, issues[0].Nodes)
}

func TestPlanCallsCoverEveryCategoryDeterministically(t *testing.T) {
	g, _ := graph.Build(chainSnapshot("Writes are fsynced."))
	chk, err := New(&Config{Oracle: &stubOracle{}})
	require.NoError(t, err)

	first := chk.planCalls(g)
	second := chk.planCalls(g)
	require.Equal(t, first, second, "plan must be deterministic")

	byCategory := make(map[Category]int)
	for _, call := range first {
		byCategory[call.category]++
	}
	// Three nodes each get the per-node categories; two parents each
	// get the parent-with-children categories and one pair call.
	assert.Equal(t, 3, byCategory[CategoryAmbiguity])
	assert.Equal(t, 3, byCategory[CategoryImplementability])
	assert.Equal(t, 3, byCategory[CategoryScopeCreep])
	assert.Equal(t, 2, byCategory[CategoryGap])
	assert.Equal(t, 2, byCategory[CategoryCompleteness])
	assert.Equal(t, 2, byCategory[CategoryContradiction])
}

func TestCacheSkipsRepeatCalls(t *testing.T) {
	g, buildIssues := graph.Build(chainSnapshot("Writes are fsynced."))
	cache := newMemCache()
	stub := &stubOracle{}
	chk, err := New(&Config{Oracle: stub, Cache: cache})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := chk.Check(ctx, g, buildIssues)
	require.NoError(t, err)
	firstCalls := len(stub.calls)

	second, err := chk.Check(ctx, g, buildIssues)
	require.NoError(t, err)
	assert.Equal(t, firstCalls, len(stub.calls), "second run must come entirely from cache")
	assert.Equal(t, first, second, "cached report must be identical")
	assert.Equal(t, cache.hits, firstCalls)
}

func TestCacheKeyChangesWithNodeContent(t *testing.T) {
	chk, err := New(&Config{Oracle: &stubOracle{}})
	require.NoError(t, err)

	g1, _ := graph.Build(chainSnapshot("Writes are fsynced."))
	g2, _ := graph.Build(chainSnapshot("Writes are buffered."))

	call := semanticCall{CategoryAmbiguity, []types.NodeID{{Path: "c.md", Heading: "write-path"}}}
	assert.NotEqual(t, chk.cacheKey(g1, call), chk.cacheKey(g2, call))

	// Unchanged node, same key across snapshots
	same := semanticCall{CategoryAmbiguity, []types.NodeID{{Path: "a.md", Heading: "root-goal"}}}
	assert.Equal(t, chk.cacheKey(g1, same), chk.cacheKey(g2, same))
}

func TestOracleFailureSurfacesAsIssue(t *testing.T) {
	g, buildIssues := graph.Build(chainSnapshot("Writes are fsynced."))
	stub := &stubOracle{fail: oracle.NewFailure(oracle.RoleAnalyze, "analyze", oracle.ErrRetriesExhausted)}
	chk, err := New(&Config{Oracle: stub})
	require.NoError(t, err)

	issues, err := chk.Check(context.Background(), g, buildIssues)
	require.NoError(t, err, "oracle failure must not abort the report")
	require.NotEmpty(t, issues)
	for _, issue := range issues {
		assert.Equal(t, types.IssueOracleFailure, issue.Kind)
		assert.Equal(t, types.SeverityWarning, issue.Severity)
		assert.NotEmpty(t, issue.Nodes, "failure must cite the nodes it was checking")
	}
}

func TestMissingDescriptionFlagged(t *testing.T) {
	a := "# Root Goal\n\nThe system stores records.\n"
	b := "# Bare Heading\n\nspecifies: a.md#root-goal\n"
	snap := &corpus.SpecSnapshot{
		Root:     "spec",
		TreeHash: corpus.HashContent([]byte(a + b)),
		Files:    []*corpus.File{mdFile("a.md", a), mdFile("b.md", b)},
	}
	g, buildIssues := graph.Build(snap)

	chk, err := New(&Config{Oracle: &stubOracle{}})
	require.NoError(t, err)
	issues := chk.StructuralOnly(g, buildIssues)

	var found bool
	for _, issue := range issues {
		if issue.Kind == types.IssueMissingDesc {
			found = true
			assert.Equal(t, types.NodeID{Path: "b.md", Heading: "bare-heading"}, issue.Nodes[0])
		}
	}
	assert.True(t, found, "bare heading should be flagged")
}

func TestClampDropsOffCategoryVerdicts(t *testing.T) {
	call := semanticCall{CategoryAmbiguity, []types.NodeID{{Path: "a.md", Heading: "x"}}}
	raw := []types.Issue{
		{Kind: types.IssueAmbiguity, Severity: types.SeverityWarning, Confidence: types.ConfidenceMedium},
		{Kind: types.IssueContradiction, Severity: types.SeverityError, Confidence: types.ConfidenceHigh},
	}
	out := clampVerdicts(call, raw)
	require.Len(t, out, 1)
	assert.Equal(t, types.IssueAmbiguity, out[0].Kind)
	assert.Equal(t, call.targets, out[0].Nodes, "uncited verdicts inherit the call targets")
}

func TestReportIsByteIdenticalAcrossRuns(t *testing.T) {
	g, buildIssues := graph.Build(chainSnapshot("Writes are fsynced."))
	stub := &stubOracle{
		answer: func(req *oracle.Request) []types.Issue {
			if strings.Contains(req.Instruction, "ambiguity") &&
				strings.Contains(contextText(req), "fsynced") {
				return []types.Issue{{
					Kind:        types.IssueAmbiguity,
					Severity:    types.SeverityWarning,
					Nodes:       []types.NodeID{{Path: "c.md", Heading: "write-path"}},
					Explanation: "fsync cadence unspecified",
					Confidence:  types.ConfidenceMedium,
				}}
			}
			return nil
		},
	}
	chk, err := New(&Config{Oracle: stub})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := chk.Check(ctx, g, buildIssues)
	require.NoError(t, err)
	second, err := chk.Check(ctx, g, buildIssues)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
