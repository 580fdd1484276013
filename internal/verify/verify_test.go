package verify

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

// fakeOracle records requests and plays back canned responses
type fakeOracle struct {
	analyzeResp  *oracle.Response
	analyzeErr   error
	generateResp *oracle.Response
	generateErr  error
	requests     []*oracle.Request
}

func (f *fakeOracle) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	f.requests = append(f.requests, req)
	return f.analyzeResp, f.analyzeErr
}

func (f *fakeOracle) Generate(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	f.requests = append(f.requests, req)
	return f.generateResp, f.generateErr
}

func mustSnapshot(t *testing.T, paths map[string]string) *corpus.CodeSnapshot {
	t.Helper()
	var files []*corpus.File
	for path, content := range paths {
		files = append(files, &corpus.File{
			Path:    path,
			Content: []byte(content),
			Hash:    corpus.HashContent([]byte(content)),
		})
	}
	snap, err := corpus.NewCodeSnapshot("code", files)
	require.NoError(t, err)
	return snap
}

func buildGraph(t *testing.T, files map[string]string) *types.SpecGraph {
	t.Helper()
	var specFiles []*corpus.File
	var all strings.Builder
	for path, content := range files {
		specFiles = append(specFiles, &corpus.File{
			Path:    path,
			Content: []byte(content),
			Hash:    corpus.HashContent([]byte(content)),
		})
		all.WriteString(content)
	}
	g, issues := graph.Build(&corpus.SpecSnapshot{
		Root:     "spec",
		TreeHash: corpus.HashContent([]byte(all.String())),
		Files:    specFiles,
	})
	for _, issue := range issues {
		require.NotEqual(t, types.SeverityError, issue.Severity)
	}
	return g
}

func TestDeriveUsesSpecTextOnly(t *testing.T) {
	g := buildGraph(t, map[string]string{
		"spec.md": "# Login\n\nRejects requests without a token.\n",
	})
	id := types.NodeID{Path: "spec.md", Heading: "login"}

	fake := &fakeOracle{generateResp: &oracle.Response{
		Role: oracle.RoleDeriveTests,
		Tests: []types.TestCase{
			{Node: id, Name: "rejects missing token", Body: "send request without token; expect 401"},
		},
	}}
	d, err := NewTestDeriver(fake)
	require.NoError(t, err)

	tests, err := d.Derive(context.Background(), g, id)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, types.TestUnknown, tests[0].Status)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, oracle.RoleDeriveTests, req.Role)
	for _, item := range req.Context {
		assert.False(t, strings.HasPrefix(item.Label, "candidate"),
			"derivation context may carry spec text only")
	}
}

func TestDeriveWidensForMultiParentNode(t *testing.T) {
	g := buildGraph(t, map[string]string{
		"a.md": "# Auth\n\nRequests carry a token.\n",
		"b.md": "# Audit\n\nEvery request is logged.\n",
		"c.md": "# Gateway\n\nspecifies: a.md#auth\nspecifies: b.md#audit\n\nThe gateway enforces both on every request.\n",
	})
	id := types.NodeID{Path: "c.md", Heading: "gateway"}

	fake := &fakeOracle{generateResp: &oracle.Response{
		Role: oracle.RoleDeriveTests,
		Tests: []types.TestCase{
			{Node: id, Name: "logs rejected request", Body: "unauthenticated request is both rejected and logged"},
		},
	}}
	d, err := NewTestDeriver(fake)
	require.NoError(t, err)

	_, err = d.Derive(context.Background(), g, id)
	require.NoError(t, err)

	req := fake.requests[0]
	assert.Contains(t, req.Instruction, "interaction")
	var parents int
	for _, item := range req.Context {
		if strings.HasPrefix(item.Label, "refined parent") {
			parents++
		}
	}
	assert.Equal(t, 2, parents)
}

func TestDeriveRejectsEmptyAndMismatchedTests(t *testing.T) {
	g := buildGraph(t, map[string]string{
		"spec.md": "# Login\n\nRejects requests without a token.\n",
	})
	id := types.NodeID{Path: "spec.md", Heading: "login"}

	fake := &fakeOracle{generateResp: &oracle.Response{
		Role: oracle.RoleDeriveTests,
		Tests: []types.TestCase{
			{Node: types.NodeID{Path: "other.md", Heading: "x"}, Name: "wrong node", Body: "..."},
			{Node: id, Name: "", Body: "nameless"},
		},
	}}
	d, err := NewTestDeriver(fake)
	require.NoError(t, err)

	_, err = d.Derive(context.Background(), g, id)
	require.Error(t, err)
	assert.True(t, oracle.IsFailure(err))
}

func TestResidueIsUnitsMinusImageMinusExcluded(t *testing.T) {
	code := mustSnapshot(t, map[string]string{
		"internal/auth/login.go": "package auth\n",
		"internal/old/legacy.go": "package old\n",
		"vendor/dep/dep.go":      "package dep\n",
	})
	links := []types.TraceLink{{
		Node: types.NodeID{Path: "spec.md", Heading: "login"},
		Unit: "internal/auth/login.go",
	}}
	excluded := corpus.NewExclusionList("vendor/**")

	r := NewResidueAnalyzer(nil)
	findings := r.Analyze(context.Background(), code, links, excluded)

	require.Len(t, findings, 1)
	assert.Equal(t, "internal/old/legacy.go", findings[0].Unit)
	assert.Equal(t, types.ResidueUnknown, findings[0].Hint, "no oracle means no classification")
}

func TestResidueHintFromOracle(t *testing.T) {
	code := mustSnapshot(t, map[string]string{
		"internal/old/legacy.go": "package old\n",
	})
	fake := &fakeOracle{analyzeResp: &oracle.Response{
		Role:   oracle.RoleAnalyze,
		Issues: []types.Issue{{Kind: types.IssueGap, Explanation: "dead-code"}},
	}}
	r := NewResidueAnalyzer(fake)

	findings := r.Analyze(context.Background(), code, nil, nil)
	require.Len(t, findings, 1)
	assert.Equal(t, types.ResidueDeadCode, findings[0].Hint)
	require.Len(t, fake.requests, 1)
	assert.True(t, fake.requests[0].Cheap, "hints use the cost-efficient model")
}

func TestResidueHintDegradesToUnknownOnFailure(t *testing.T) {
	code := mustSnapshot(t, map[string]string{
		"internal/old/legacy.go": "package old\n",
	})
	fake := &fakeOracle{analyzeErr: fmt.Errorf("oracle down")}
	r := NewResidueAnalyzer(fake)

	findings := r.Analyze(context.Background(), code, nil, nil)
	require.Len(t, findings, 1)
	assert.Equal(t, types.ResidueUnknown, findings[0].Hint)
}

func TestProportionRatioAndThreshold(t *testing.T) {
	p := NewProportionChecker(10, 1)

	// 30 code lines + 1 file over 2 spec lines: ratio 15.5, flagged
	flag := p.evaluate(2, 30, 1)
	require.NotNil(t, flag)
	assert.InDelta(t, 15.5, flag.Ratio, 0.001)
	assert.Equal(t, 10.0, flag.Threshold)

	// Under the threshold, advisory stays silent
	assert.Nil(t, p.evaluate(10, 30, 1))

	// Zero spec lines changed uses a denominator of one
	flag = p.evaluate(0, 30, 1)
	require.NotNil(t, flag)
	assert.InDelta(t, 31.0, flag.Ratio, 0.001)
}

func TestCheckSpecCountsDiffLines(t *testing.T) {
	specBefore := &corpus.SpecSnapshot{Files: []*corpus.File{
		{Path: "spec.md", Content: []byte("# Login\n\nTokens required.\n")},
	}}
	specAfter := &corpus.SpecSnapshot{Files: []*corpus.File{
		{Path: "spec.md", Content: []byte("# Login\n\nTokens required.\nTokens expire after an hour.\n")},
	}}

	codeBefore := mustSnapshot(t, map[string]string{
		"auth.go": "package auth\nfunc check() {}\n",
	})
	var big strings.Builder
	big.WriteString("package auth\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&big, "// expiry rule %d\n", i)
	}
	codeAfter := mustSnapshot(t, map[string]string{
		"auth.go":   big.String(),
		"expiry.go": "package auth\nfunc expired() bool { return false }\n",
	})

	p := NewProportionChecker(50, 10)
	flag := p.CheckSpec(specBefore, specAfter, codeBefore, codeAfter)
	require.NotNil(t, flag, "hundreds of code lines for one spec line should flag")
	assert.Equal(t, 1, flag.SpecLinesChanged)
	assert.Equal(t, 2, flag.FilesTouched)
	assert.Greater(t, flag.CodeLinesChanged, 200)

	// Identical snapshots produce no flag
	assert.Nil(t, p.CheckSpec(specBefore, specBefore, codeBefore, codeBefore))
}
