package cost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specsync/specsync/internal/oracle"
)

type countingOracle struct {
	calls  int
	tokens int64
}

func (c *countingOracle) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	c.calls++
	return &oracle.Response{Role: req.Role, InputTokens: c.tokens, OutputTokens: c.tokens}, nil
}

func (c *countingOracle) Generate(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	return c.Analyze(ctx, req)
}

func TestTrackerStatusThresholds(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		tokens int64
		calls  int64
		want   Status
	}{
		{"unlimited stays healthy", Config{}, 1 << 40, 1 << 20, Healthy},
		{"under warn fraction", Config{MaxTokens: 1000, WarnFraction: 0.8}, 700, 1, Healthy},
		{"past warn fraction", Config{MaxTokens: 1000, WarnFraction: 0.8}, 800, 1, Warning},
		{"token limit reached", Config{MaxTokens: 1000}, 1000, 1, Exceeded},
		{"call limit reached", Config{MaxCalls: 5}, 10, 5, Exceeded},
		{"call warn only", Config{MaxCalls: 10, WarnFraction: 0.5}, 10, 5, Warning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTracker(tt.cfg)
			require.NoError(t, err)
			tr.Record(tt.tokens, 0)
			for i := int64(1); i < tt.calls; i++ {
				tr.Record(0, 0)
			}
			assert.Equal(t, tt.want, tr.Status())
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{MaxTokens: -1}).Validate())
	assert.Error(t, (&Config{MaxCalls: -1}).Validate())
	assert.Error(t, (&Config{WarnFraction: 1.5}).Validate())
	assert.NoError(t, (&Config{MaxTokens: 100, WarnFraction: 0.9}).Validate())
}

func TestLimitRecordsUsageAndCutsOff(t *testing.T) {
	tr, err := NewTracker(Config{MaxCalls: 2})
	require.NoError(t, err)
	inner := &countingOracle{tokens: 10}
	o := Limit(inner, tr)

	ctx := context.Background()
	req := &oracle.Request{Role: oracle.RoleAnalyze, Instruction: "x"}

	_, err = o.Analyze(ctx, req)
	require.NoError(t, err)
	_, err = o.Generate(ctx, req)
	require.NoError(t, err)

	// Limit reached; third call is refused without touching the inner
	// oracle
	_, err = o.Analyze(ctx, req)
	require.Error(t, err)
	assert.True(t, oracle.IsFailure(err))
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 2, inner.calls)

	tokens, calls := tr.Usage()
	assert.Equal(t, int64(40), tokens)
	assert.Equal(t, int64(2), calls)
}

func TestLimitUnlimitedPassesThrough(t *testing.T) {
	tr, err := NewTracker(Config{})
	require.NoError(t, err)
	inner := &countingOracle{}
	o := Limit(inner, tr)

	for i := 0; i < 50; i++ {
		_, err := o.Analyze(context.Background(), &oracle.Request{Role: oracle.RoleTrace})
		require.NoError(t, err)
	}
	assert.Equal(t, 50, inner.calls)
}
