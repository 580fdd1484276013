// Package storage defines the durable state behind the engine:
// sessions and their reports, the analysis and trace caches, the
// oracle call log, and committed snapshot bookkeeping.
package storage

import (
	"context"
	"time"

	"github.com/specsync/specsync/internal/types"
)

// CommitRecord marks one durable code snapshot update. NodeHashes
// captures every spec node's content hash at commit time; the next
// session diffs against it to find its changed node set.
type CommitRecord struct {
	SessionID   string            `json:"session_id"`
	SpecHash    string            `json:"spec_hash"`
	CodeHash    string            `json:"code_hash"`
	NodeHashes  map[string]string `json:"node_hashes"`
	CommittedAt time.Time         `json:"committed_at"`
}

// CallStat aggregates the oracle call log per (role, model)
type CallStat struct {
	Role         string `json:"role"`
	Model        string `json:"model"`
	Calls        int64  `json:"calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Store is the storage backend interface. The method sets for the
// analysis cache, the trace cache, and the call log deliberately match
// the consumer-side interfaces in checker, trace, and oracle, so one
// store satisfies all three.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *types.ReconciliationSession) error
	UpdateSession(ctx context.Context, s *types.ReconciliationSession) error
	GetSession(ctx context.Context, id string) (*types.ReconciliationSession, error)
	ListSessions(ctx context.Context, limit int) ([]*types.ReconciliationSession, error)

	// Session reports
	SaveReport(ctx context.Context, report *types.SessionReport) error
	GetReport(ctx context.Context, sessionID string) (*types.SessionReport, error)

	// Committed snapshot bookkeeping
	RecordCommit(ctx context.Context, rec *CommitRecord) error
	LastCommit(ctx context.Context) (*CommitRecord, error)

	// Analysis cache (consistency checker verdicts)
	GetIssues(ctx context.Context, key string) ([]types.Issue, bool, error)
	PutIssues(ctx context.Context, key string, issues []types.Issue) error

	// Trace cache (per-pair link verdicts)
	GetVerdict(ctx context.Context, nodeHash, unitHash string) (types.Confidence, bool, bool, error)
	PutVerdict(ctx context.Context, nodeHash, unitHash string, linked bool, conf types.Confidence) error

	// Oracle call log
	RecordCall(ctx context.Context, role, model string, inputTokens, outputTokens int64, duration time.Duration) error
	CallStats(ctx context.Context) ([]CallStat, error)

	Close() error
}
