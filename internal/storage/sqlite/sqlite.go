// Package sqlite implements the storage backend on SQLite.
// WAL mode with a single writer connection keeps session updates and
// cache writes serialized without SQLITE_BUSY churn.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/specsync/specsync/internal/storage"
	"github.com/specsync/specsync/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable engine state in a SQLite database
type Store struct {
	db *sql.DB
}

// Compile-time check that Store implements the backend interface
var _ storage.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Use ":memory:" for an ephemeral store. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY and keeps :memory: databases coherent
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSession inserts a new session and its scopes
func (s *Store) CreateSession(ctx context.Context, sess *types.ReconciliationSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	changed, err := json.Marshal(sess.ChangedNodes)
	if err != nil {
		return fmt.Errorf("failed to marshal changed nodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, spec_hash, code_hash, changed_nodes, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.State), sess.SpecSnapshotHash, sess.CodeSnapshotHash,
		string(changed), sess.StartedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return s.saveScopes(ctx, sess)
}

// UpdateSession rewrites a session's mutable fields and scopes
func (s *Store) UpdateSession(ctx context.Context, sess *types.ReconciliationSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	changed, err := json.Marshal(sess.ChangedNodes)
	if err != nil {
		return fmt.Errorf("failed to marshal changed nodes: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, changed_nodes = ?, updated_at = ?
		WHERE id = ?`,
		string(sess.State), string(changed), sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sess.ID)
	}
	return s.saveScopes(ctx, sess)
}

func (s *Store) saveScopes(ctx context.Context, sess *types.ReconciliationSession) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scopes WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear scopes for %s: %w", sess.ID, err)
	}
	for _, sc := range sess.Scopes {
		nodes, err := json.Marshal(sc.Nodes)
		if err != nil {
			return fmt.Errorf("failed to marshal scope nodes: %w", err)
		}
		units, err := json.Marshal(sc.Units)
		if err != nil {
			return fmt.Errorf("failed to marshal scope units: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO scopes (session_id, id, nodes, units, status, tests_passed, tests_failed, attempts, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sc.ID, string(nodes), string(units), string(sc.Status),
			sc.TestsPassed, sc.TestsFailed, sc.Attempts, sc.Error)
		if err != nil {
			return fmt.Errorf("failed to save scope %s: %w", sc.ID, err)
		}
	}
	return nil
}

// GetSession fetches one session with its scopes
func (s *Store) GetSession(ctx context.Context, id string) (*types.ReconciliationSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, spec_hash, code_hash, changed_nodes, started_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	if err := s.loadScopes(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns the most recent sessions, newest first
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*types.ReconciliationSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, spec_hash, code_hash, changed_nodes, started_at, updated_at
		FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.ReconciliationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if err := s.loadScopes(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.ReconciliationSession, error) {
	var sess types.ReconciliationSession
	var state, changed string
	if err := row.Scan(&sess.ID, &state, &sess.SpecSnapshotHash, &sess.CodeSnapshotHash,
		&changed, &sess.StartedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.State = types.SessionState(state)
	if err := json.Unmarshal([]byte(changed), &sess.ChangedNodes); err != nil {
		return nil, fmt.Errorf("corrupt changed_nodes for session %s: %w", sess.ID, err)
	}
	return &sess, nil
}

func (s *Store) loadScopes(ctx context.Context, sess *types.ReconciliationSession) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nodes, units, status, tests_passed, tests_failed, attempts, error
		FROM scopes WHERE session_id = ? ORDER BY id`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load scopes for %s: %w", sess.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc types.Scope
		var nodes, units, status string
		if err := rows.Scan(&sc.ID, &nodes, &units, &status,
			&sc.TestsPassed, &sc.TestsFailed, &sc.Attempts, &sc.Error); err != nil {
			return fmt.Errorf("failed to scan scope: %w", err)
		}
		sc.Status = types.ScopeStatus(status)
		if err := json.Unmarshal([]byte(nodes), &sc.Nodes); err != nil {
			return fmt.Errorf("corrupt nodes for scope %s: %w", sc.ID, err)
		}
		if err := json.Unmarshal([]byte(units), &sc.Units); err != nil {
			return fmt.Errorf("corrupt units for scope %s: %w", sc.ID, err)
		}
		sess.Scopes = append(sess.Scopes, &sc)
	}
	return rows.Err()
}

// SaveReport stores a session's final report, replacing any previous
func (s *Store) SaveReport(ctx context.Context, report *types.SessionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (session_id, report) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET report = excluded.report`,
		report.SessionID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save report for %s: %w", report.SessionID, err)
	}
	return nil
}

// GetReport fetches a session's report
func (s *Store) GetReport(ctx context.Context, sessionID string) (*types.SessionReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM reports WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no report for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report for %s: %w", sessionID, err)
	}
	var report types.SessionReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("corrupt report for %s: %w", sessionID, err)
	}
	return &report, nil
}

// RecordCommit records a durable snapshot update
func (s *Store) RecordCommit(ctx context.Context, rec *storage.CommitRecord) error {
	hashes := rec.NodeHashes
	if hashes == nil {
		hashes = map[string]string{}
	}
	data, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("failed to marshal node hashes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commits (session_id, spec_hash, code_hash, node_hashes, committed_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.SpecHash, rec.CodeHash, string(data), rec.CommittedAt)
	if err != nil {
		return fmt.Errorf("failed to record commit for %s: %w", rec.SessionID, err)
	}
	return nil
}

// LastCommit returns the most recent commit, or nil if none exists
func (s *Store) LastCommit(ctx context.Context) (*storage.CommitRecord, error) {
	var rec storage.CommitRecord
	var hashes string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, spec_hash, code_hash, node_hashes, committed_at
		FROM commits ORDER BY committed_at DESC, session_id DESC LIMIT 1`).
		Scan(&rec.SessionID, &rec.SpecHash, &rec.CodeHash, &hashes, &rec.CommittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last commit: %w", err)
	}
	if err := json.Unmarshal([]byte(hashes), &rec.NodeHashes); err != nil {
		return nil, fmt.Errorf("corrupt node_hashes for commit %s: %w", rec.SessionID, err)
	}
	return &rec, nil
}

// GetIssues reads a cached analysis verdict
func (s *Store) GetIssues(ctx context.Context, key string) ([]types.Issue, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT issues FROM analysis_cache WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read analysis cache: %w", err)
	}
	var issues []types.Issue
	if err := json.Unmarshal([]byte(data), &issues); err != nil {
		return nil, false, fmt.Errorf("corrupt analysis cache entry %s: %w", key, err)
	}
	return issues, true, nil
}

// PutIssues stores an analysis verdict
func (s *Store) PutIssues(ctx context.Context, key string, issues []types.Issue) error {
	data, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (key, issues, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET issues = excluded.issues, created_at = excluded.created_at`,
		key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write analysis cache: %w", err)
	}
	return nil
}

// GetVerdict reads a cached trace pair verdict
func (s *Store) GetVerdict(ctx context.Context, nodeHash, unitHash string) (types.Confidence, bool, bool, error) {
	var linked int
	var conf string
	err := s.db.QueryRowContext(ctx, `
		SELECT linked, confidence FROM trace_cache WHERE node_hash = ? AND unit_hash = ?`,
		nodeHash, unitHash).Scan(&linked, &conf)
	if err == sql.ErrNoRows {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, fmt.Errorf("failed to read trace cache: %w", err)
	}
	return types.Confidence(conf), linked != 0, true, nil
}

// PutVerdict stores a trace pair verdict, positive or negative
func (s *Store) PutVerdict(ctx context.Context, nodeHash, unitHash string, linked bool, conf types.Confidence) error {
	linkedInt := 0
	if linked {
		linkedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_cache (node_hash, unit_hash, linked, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_hash, unit_hash) DO UPDATE SET
			linked = excluded.linked, confidence = excluded.confidence, created_at = excluded.created_at`,
		nodeHash, unitHash, linkedInt, string(conf), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write trace cache: %w", err)
	}
	return nil
}

// RecordCall appends one oracle invocation to the call log
func (s *Store) RecordCall(ctx context.Context, role, model string, inputTokens, outputTokens int64, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_calls (role, model, input_tokens, output_tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		role, model, inputTokens, outputTokens, duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record oracle call: %w", err)
	}
	return nil
}

// CallStats aggregates the call log per (role, model)
func (s *Store) CallStats(ctx context.Context) ([]storage.CallStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		FROM oracle_calls GROUP BY role, model ORDER BY role, model`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate call log: %w", err)
	}
	defer rows.Close()

	var stats []storage.CallStat
	for rows.Next() {
		var st storage.CallStat
		if err := rows.Scan(&st.Role, &st.Model, &st.Calls, &st.InputTokens, &st.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan call stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
