package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specsync/specsync/internal/types"
)

func TestRequestInputHashStable(t *testing.T) {
	req := &Request{
		Role:        RoleAnalyze,
		Instruction: "check for contradictions",
		Context: []ContextItem{
			{Label: "node a.md#a", Text: "text of a"},
			{Label: "node b.md#b", Text: "text of b"},
		},
	}
	other := &Request{
		Role:        RoleAnalyze,
		Instruction: "check for contradictions",
		Context: []ContextItem{
			{Label: "node a.md#a", Text: "text of a"},
			{Label: "node b.md#b", Text: "text of b"},
		},
	}
	assert.Equal(t, req.InputHash(), other.InputHash())

	other.Context[1].Text = "edited text of b"
	assert.NotEqual(t, req.InputHash(), other.InputHash())
}

func TestRolePurity(t *testing.T) {
	assert.True(t, RoleAnalyze.IsPure())
	assert.True(t, RoleTrace.IsPure())
	assert.False(t, RoleGenerate.IsPure())
	assert.False(t, RoleReview.IsPure())
	assert.False(t, RoleDeriveTests.IsPure())
}

func TestDecodeJSONStrategies(t *testing.T) {
	type payload struct {
		Agree bool `json:"agree"`
	}

	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"raw json", `{"agree": true}`, true},
		{"fenced", "```json\n{\"agree\": true}\n```", true},
		{"fenced without language", "```\n{\"agree\": true}\n```", true},
		{"trailing comma", `{"agree": true,}`, true},
		{"embedded in prose", `Here is my verdict: {"agree": true} as requested.`, true},
		{"empty", "", false},
		{"no json at all", "I cannot answer that.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeJSON[payload](tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Agree)
			}
		})
	}
}

func TestDecodeJSONArrayNotTruncated(t *testing.T) {
	type item struct {
		ID int `json:"id"`
	}
	got, ok := decodeJSON[[]item](`[{"id": 1}, {"id": 2}]`)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestParseResponseAnalyze(t *testing.T) {
	text := `{"issues": [{"kind": "contradiction", "severity": "error", "nodes": ["a.md#a", "c.md#c"], "explanation": "C contradicts A", "confidence": "high"}]}`

	resp, err := parseResponse(RoleAnalyze, text)
	require.NoError(t, err)
	require.Len(t, resp.Issues, 1)

	issue := resp.Issues[0]
	assert.Equal(t, types.IssueContradiction, issue.Kind)
	assert.Equal(t, types.SeverityError, issue.Severity)
	assert.Equal(t, types.ConfidenceHigh, issue.Confidence)
	require.Len(t, issue.Nodes, 2)
	assert.Equal(t, "a.md#a", issue.Nodes[0].String())
}

func TestParseResponseAnalyzeSkipsBadNodeRefs(t *testing.T) {
	text := `{"issues": [{"kind": "gap", "severity": "warning", "nodes": ["not-a-ref", "ok.md#ok"], "explanation": "x", "confidence": "medium"}]}`

	resp, err := parseResponse(RoleAnalyze, text)
	require.NoError(t, err)
	require.Len(t, resp.Issues, 1)
	assert.Len(t, resp.Issues[0].Nodes, 1)
}

func TestParseResponseTrace(t *testing.T) {
	text := `{"links": [{"node": "spec.md#login", "unit": "internal/auth/login.go", "confidence": "high"}]}`

	resp, err := parseResponse(RoleTrace, text)
	require.NoError(t, err)
	require.Len(t, resp.TraceLinks, 1)
	assert.Equal(t, "internal/auth/login.go", resp.TraceLinks[0].Unit)
	assert.Equal(t, types.ConfidenceHigh, resp.TraceLinks[0].Confidence)
}

func TestParseResponseGenerateEmptyIsFailure(t *testing.T) {
	_, err := parseResponse(RoleGenerate, `{"changes": []}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestParseResponseMalformed(t *testing.T) {
	_, err := parseResponse(RoleAnalyze, "not json in any way")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseResponseReview(t *testing.T) {
	resp, err := parseResponse(RoleReview, `{"agree": false, "reasons": ["missing retry bound"], "confidence": "medium"}`)
	require.NoError(t, err)
	require.NotNil(t, resp.Verdict)
	assert.False(t, resp.Verdict.Agree)
	assert.Equal(t, types.ConfidenceMedium, resp.Verdict.Confidence)
}

func TestParseResponseDeriveTests(t *testing.T) {
	text := `{"tests": [{"node": "spec.md#retry", "name": "retry gives up after bound", "body": "..."}]}`

	resp, err := parseResponse(RoleDeriveTests, text)
	require.NoError(t, err)
	require.Len(t, resp.Tests, 1)
	assert.Equal(t, types.TestUnknown, resp.Tests[0].Status)
}

func TestNormalizeDefaultsAreConservative(t *testing.T) {
	// Unrecognized values never silently promote
	assert.Equal(t, types.SeverityInfo, normalizeSeverity("catastrophic"))
	assert.Equal(t, types.ConfidenceLow, normalizeConfidence("certain"))
	assert.Equal(t, types.SeverityError, normalizeSeverity("ERROR"))
	assert.Equal(t, types.ConfidenceHigh, normalizeConfidence(" high "))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.FailureThreshold = 3
	b := newBreaker(cfg)

	require.NoError(t, b.allow())
	b.recordFailure()
	b.recordFailure()
	assert.Equal(t, BreakerClosed, b.State())

	b.recordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.allow(), ErrBreakerOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.OpenTimeout = 0 // Immediately eligible for probing
	b := newBreaker(cfg)

	b.recordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	// Open timeout elapsed: probe allowed, state moves to half-open
	require.NoError(t, b.allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.recordSuccess()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.recordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = 0
	b := newBreaker(cfg)

	b.recordFailure()
	require.NoError(t, b.allow()) // half-open
	b.recordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"429 too many requests", true},
		{"rate limit exceeded", true},
		{"503 service unavailable", true},
		{"connection reset by peer", true},
		{"401 unauthorized", false},
		{"400 bad request", false},
		{"something entirely novel", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetriable(assertErr(tt.msg)), "message %q", tt.msg)
	}
	assert.False(t, isRetriable(nil))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
