package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NodeID identifies a spec node by its file path and heading slug.
// The string form is "path#heading-slug", matching the syntax of
// specifies declarations in the corpus.
type NodeID struct {
	Path    string `json:"path"`
	Heading string `json:"heading"`
}

func (id NodeID) String() string {
	return id.Path + "#" + id.Heading
}

// IsZero reports whether the ID is empty
func (id NodeID) IsZero() bool {
	return id.Path == "" && id.Heading == ""
}

// ParseNodeID parses a "path#heading-slug" target into a NodeID.
// Returns an error if the separator is missing or either part is empty.
func ParseNodeID(s string) (NodeID, error) {
	idx := strings.LastIndex(s, "#")
	if idx <= 0 || idx == len(s)-1 {
		return NodeID{}, fmt.Errorf("invalid node reference %q (expected path#heading-slug)", s)
	}
	return NodeID{Path: s[:idx], Heading: s[idx+1:]}, nil
}

// NodeKind categorizes the role a spec node plays in the graph
type NodeKind string

const (
	KindIntent     NodeKind = "intent"     // High-level goal, typically a graph root
	KindBehavioral NodeKind = "behavioral" // Observable behavior, source of derived tests
	KindInterface  NodeKind = "interface"  // API/contract description
	KindConstraint NodeKind = "constraint" // Cross-cutting requirement
)

// IsValid checks if the node kind value is valid
func (k NodeKind) IsValid() bool {
	switch k {
	case KindIntent, KindBehavioral, KindInterface, KindConstraint:
		return true
	}
	return false
}

// SpecNode is a heading-level unit of specification text.
// Nodes are immutable once hashed: an edit to the underlying corpus
// produces a new node with a new content hash, never a mutation.
type SpecNode struct {
	ID    NodeID   `json:"id"`
	Title string   `json:"title"`
	Kind  NodeKind `json:"kind"`
	Text  string   `json:"text"`
	Hash  string   `json:"hash"` // SHA-256 of Text, hex encoded
	Line  int      `json:"line"` // 1-based heading line in the source file
}

// Validate checks if the node has valid field values
func (n *SpecNode) Validate() error {
	if n.ID.Path == "" || n.ID.Heading == "" {
		return fmt.Errorf("node id is required")
	}
	if n.Hash == "" {
		return fmt.Errorf("node %s has no content hash", n.ID)
	}
	if !n.Kind.IsValid() {
		return fmt.Errorf("node %s has invalid kind: %s", n.ID, n.Kind)
	}
	return nil
}

// SpecEdge is a directed "specifies" relation from a more detailed
// node to the node it refines.
type SpecEdge struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
	Line int    `json:"line"` // Line of the specifies declaration
}

func (e SpecEdge) String() string {
	return e.From.String() + " -> " + e.To.String()
}

// SpecGraph is an immutable snapshot of the spec corpus: all nodes and
// specifies edges at a single corpus read. Snapshot identity is the
// tree hash of the corpus; a session always operates against one fixed
// snapshot captured at session start.
type SpecGraph struct {
	SnapshotHash string
	Nodes        map[NodeID]*SpecNode
	Edges        []SpecEdge

	outgoing map[NodeID][]NodeID
	incoming map[NodeID][]NodeID
}

// NewSpecGraph builds a graph snapshot with adjacency indexes.
// Edges whose endpoints are missing from nodes are kept in Edges (they
// are the builder's broken-link evidence) but excluded from adjacency.
func NewSpecGraph(snapshotHash string, nodes map[NodeID]*SpecNode, edges []SpecEdge) *SpecGraph {
	g := &SpecGraph{
		SnapshotHash: snapshotHash,
		Nodes:        nodes,
		Edges:        edges,
		outgoing:     make(map[NodeID][]NodeID),
		incoming:     make(map[NodeID][]NodeID),
	}
	for _, e := range edges {
		if _, ok := nodes[e.From]; !ok {
			continue
		}
		if _, ok := nodes[e.To]; !ok {
			continue
		}
		g.outgoing[e.From] = append(g.outgoing[e.From], e.To)
		g.incoming[e.To] = append(g.incoming[e.To], e.From)
	}
	return g
}

// Outgoing returns the targets this node specifies (its parents)
func (g *SpecGraph) Outgoing(id NodeID) []NodeID { return g.outgoing[id] }

// Incoming returns the nodes that specify this node (its children)
func (g *SpecGraph) Incoming(id NodeID) []NodeID { return g.incoming[id] }

// SortedIDs returns all node IDs ordered by path then heading,
// giving deterministic iteration for reports and caching.
func (g *SpecGraph) SortedIDs() []NodeID {
	ids := make([]NodeID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Path != ids[j].Path {
			return ids[i].Path < ids[j].Path
		}
		return ids[i].Heading < ids[j].Heading
	})
	return ids
}

// Severity classifies how strongly an issue blocks the CONSISTENT gate
type Severity string

const (
	SeverityError   Severity = "error"   // Blocks the gate
	SeverityWarning Severity = "warning" // Carried into the report, non-blocking
	SeverityInfo    Severity = "info"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Rank returns the sort rank for a severity (lower sorts first)
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

// Confidence is the qualitative confidence scale used across issues
// and trace links. The scale is deliberately non-numeric.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// IsValid checks if the confidence value is valid
func (c Confidence) IsValid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// IssueKind identifies the category of a consistency issue
type IssueKind string

const (
	// Structural kinds, computed offline on every run
	IssueCycle         IssueKind = "cycle"
	IssueBrokenLink    IssueKind = "broken-link"
	IssueOrphan        IssueKind = "orphan"
	IssueMalformedDecl IssueKind = "malformed-declaration"
	IssueNonSpecTarget IssueKind = "non-spec-target"
	IssueMissingDesc   IssueKind = "missing-description"

	// Semantic kinds, delegated to the oracle
	IssueContradiction    IssueKind = "contradiction"
	IssueGap              IssueKind = "gap"
	IssueAmbiguity        IssueKind = "ambiguity"
	IssueScopeCreep       IssueKind = "scope-creep"
	IssueImplementability IssueKind = "implementability"
	IssueCompleteness     IssueKind = "completeness"

	// Operational: an oracle call exhausted its retries; surfaced, never dropped
	IssueOracleFailure IssueKind = "oracle-failure"
)

// IsStructural reports whether the kind is computed without the oracle
func (k IssueKind) IsStructural() bool {
	switch k {
	case IssueCycle, IssueBrokenLink, IssueOrphan, IssueMalformedDecl,
		IssueNonSpecTarget, IssueMissingDesc:
		return true
	}
	return false
}

// Issue is a finding about the spec graph. Issues never mutate nodes;
// they cite node and edge locations.
type Issue struct {
	Kind        IssueKind  `json:"kind"`
	Severity    Severity   `json:"severity"`
	Nodes       []NodeID   `json:"nodes,omitempty"`
	Edges       []SpecEdge `json:"edges,omitempty"`
	Explanation string     `json:"explanation"`
	Confidence  Confidence `json:"confidence"`
}

// Key returns a stable deduplication key for the issue
func (i *Issue) Key() string {
	var b strings.Builder
	b.WriteString(string(i.Kind))
	b.WriteByte('|')
	for _, n := range i.Nodes {
		b.WriteString(n.String())
		b.WriteByte(',')
	}
	b.WriteByte('|')
	for _, e := range i.Edges {
		b.WriteString(e.String())
		b.WriteByte(',')
	}
	return b.String()
}

// Location returns the first cited location, for sorting and display
func (i *Issue) Location() string {
	if len(i.Nodes) > 0 {
		return i.Nodes[0].String()
	}
	if len(i.Edges) > 0 {
		return i.Edges[0].String()
	}
	return ""
}

// SortIssues orders issues by severity rank, then location, then kind.
// Deterministic ordering is what makes checker reports byte-comparable
// across runs on an unchanged snapshot.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		if issues[a].Severity.Rank() != issues[b].Severity.Rank() {
			return issues[a].Severity.Rank() < issues[b].Severity.Rank()
		}
		if issues[a].Location() != issues[b].Location() {
			return issues[a].Location() < issues[b].Location()
		}
		return issues[a].Kind < issues[b].Kind
	})
}

// HasBlocking reports whether any issue blocks the CONSISTENT gate
func HasBlocking(issues []Issue) bool {
	for i := range issues {
		if issues[i].Severity == SeverityError {
			return true
		}
	}
	return false
}

// CodeUnit is a file-granular unit of the code artifact. Content is
// owned by the code snapshot; only the orchestrator's coder role
// mutates units, and only during the autonomous phase.
type CodeUnit struct {
	Path string `json:"path"`
	Hash string `json:"hash"` // SHA-256 of content, hex encoded
}

// TraceLink is a derived many-to-many link between a spec node and a
// code unit. Cached keyed by (node hash, unit hash); stale on either.
type TraceLink struct {
	Node       NodeID     `json:"node"`
	NodeHash   string     `json:"node_hash"`
	Unit       string     `json:"unit"`
	UnitHash   string     `json:"unit_hash"`
	Confidence Confidence `json:"confidence"`
}

// TestStatus is the execution status of a derived test case
type TestStatus string

const (
	TestPass    TestStatus = "pass"
	TestFail    TestStatus = "fail"
	TestUnknown TestStatus = "unknown"
)

// TestCase is a test derived from spec text alone, tagged with the
// behavioral node it verifies.
type TestCase struct {
	Node   NodeID     `json:"node"`
	Name   string     `json:"name"`
	Body   string     `json:"body"`
	Status TestStatus `json:"status"`
}

// ResidueHint is the best-effort classification of untraceable code
type ResidueHint string

const (
	ResidueDeadCode     ResidueHint = "dead-code"
	ResidueNeedsSpec    ResidueHint = "needs-spec"
	ResidueHallucinated ResidueHint = "hallucinated"
	ResidueUnknown      ResidueHint = "unknown"
)

// ResidueFinding reports a code unit with no trace link and no
// exclusion match. Informational: never blocks a commit on its own,
// but hints matching the configured blocking policy push the session
// to FLAGGED.
type ResidueFinding struct {
	Unit string      `json:"unit"`
	Hint ResidueHint `json:"hint"`
}

// ResidueBlocking selects which residue hints keep a session from
// VERIFIED. Dead code is the benign end of the hint scale;
// hallucinated is the alarming end.
type ResidueBlocking string

const (
	ResidueBlockNone    ResidueBlocking = "none"    // Residue never flags
	ResidueBlockSuspect ResidueBlocking = "suspect" // Everything but dead-code flags
	ResidueBlockAny     ResidueBlocking = "any"     // Any residue flags
)

// IsValid checks if the residue blocking policy value is valid
func (r ResidueBlocking) IsValid() bool {
	switch r {
	case ResidueBlockNone, ResidueBlockSuspect, ResidueBlockAny:
		return true
	}
	return false
}

// Blocks reports whether a finding with the given hint demands review
// under this policy
func (r ResidueBlocking) Blocks(h ResidueHint) bool {
	switch r {
	case ResidueBlockNone:
		return false
	case ResidueBlockAny:
		return true
	default:
		return h != ResidueDeadCode
	}
}

// ProportionalityFlag reports a code diff whose magnitude is out of
// proportion to the spec diff that triggered it. Advisory only.
type ProportionalityFlag struct {
	SpecLinesChanged int     `json:"spec_lines_changed"`
	CodeLinesChanged int     `json:"code_lines_changed"`
	FilesTouched     int     `json:"files_touched"`
	Ratio            float64 `json:"ratio"`
	Threshold        float64 `json:"threshold"`
}

// SessionState is the orchestrator phase for a reconciliation session
type SessionState string

const (
	StateSpecReconcile SessionState = "spec_reconcile" // Interactive: checker loop with human edits
	StateConsistent    SessionState = "consistent"     // Zero error-severity issues; gate open
	StateCodeReconcile SessionState = "code_reconcile" // Autonomous scope execution
	StateVerified      SessionState = "verified"       // All scopes settled clean
	StateFlagged       SessionState = "flagged"        // Failed scope or blocking finding
	StateCommitted     SessionState = "committed"      // Code snapshot durably updated
	StateCancelled     SessionState = "cancelled"      // Abandoned; no partial commit
)

// IsValid checks if the session state value is valid
func (s SessionState) IsValid() bool {
	switch s {
	case StateSpecReconcile, StateConsistent, StateCodeReconcile,
		StateVerified, StateFlagged, StateCommitted, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the state ends the session
func (s SessionState) IsTerminal() bool {
	return s == StateCommitted || s == StateCancelled
}

// ValidTransitions defines the session state machine.
//
//	spec_reconcile → consistent → code_reconcile → verified → committed
//	                                            ↘ flagged  ↗ (explicit ack)
//
// Any non-terminal state may move to cancelled. COMMITTED is the only
// state permitted to durably update the code snapshot, and FLAGGED
// reaches it only through an explicit trust decision.
func (s SessionState) ValidTransitions() []SessionState {
	switch s {
	case StateSpecReconcile:
		return []SessionState{StateConsistent, StateCancelled}
	case StateConsistent:
		return []SessionState{StateCodeReconcile, StateCancelled}
	case StateCodeReconcile:
		return []SessionState{StateVerified, StateFlagged, StateCancelled}
	case StateVerified:
		return []SessionState{StateCommitted, StateCancelled}
	case StateFlagged:
		return []SessionState{StateCommitted, StateCancelled}
	default:
		return []SessionState{}
	}
}

// CanTransitionTo checks if a transition to the target state is valid
func (s SessionState) CanTransitionTo(target SessionState) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// ScopeStatus is the execution status of one reconciliation scope
type ScopeStatus string

const (
	ScopePending    ScopeStatus = "pending"
	ScopeRunning    ScopeStatus = "running"
	ScopeCompleted  ScopeStatus = "completed"
	ScopeFailed     ScopeStatus = "failed"     // Retries exhausted; siblings keep running
	ScopeConflicted ScopeStatus = "conflicted" // Deterministic failure after a repeated version race
	ScopeIncomplete ScopeStatus = "incomplete" // Test derivation failed; verification partial
	ScopeCancelled  ScopeStatus = "cancelled"
)

// IsValid checks if the scope status value is valid
func (s ScopeStatus) IsValid() bool {
	switch s {
	case ScopePending, ScopeRunning, ScopeCompleted, ScopeFailed,
		ScopeConflicted, ScopeIncomplete, ScopeCancelled:
		return true
	}
	return false
}

// Scope is a connected group of code units and the changed spec nodes
// affecting them: the unit of autonomous reconciliation work. Scopes
// sharing a code unit never execute concurrently.
type Scope struct {
	ID          string      `json:"id"`
	Nodes       []NodeID    `json:"nodes"`
	Units       []string    `json:"units"`
	Status      ScopeStatus `json:"status"`
	TestsPassed int         `json:"tests_passed"`
	TestsFailed int         `json:"tests_failed"`
	Attempts    int         `json:"attempts"`
	Error       string      `json:"error,omitempty"`
}

// Validate checks if the scope has valid field values
func (sc *Scope) Validate() error {
	if sc.ID == "" {
		return fmt.Errorf("scope id is required")
	}
	if len(sc.Nodes) == 0 {
		return fmt.Errorf("scope %s has no spec nodes", sc.ID)
	}
	if !sc.Status.IsValid() {
		return fmt.Errorf("scope %s has invalid status: %s", sc.ID, sc.Status)
	}
	return nil
}

// SharesUnit reports whether two scopes touch a common code unit
func (sc *Scope) SharesUnit(other *Scope) bool {
	seen := make(map[string]bool, len(sc.Units))
	for _, u := range sc.Units {
		seen[u] = true
	}
	for _, u := range other.Units {
		if seen[u] {
			return true
		}
	}
	return false
}

// ReconciliationSession is the unit of orchestration work. A session
// operates against one fixed (spec snapshot, code snapshot) pair
// captured at session start.
type ReconciliationSession struct {
	ID               string       `json:"id"`
	State            SessionState `json:"state"`
	SpecSnapshotHash string       `json:"spec_snapshot_hash"`
	CodeSnapshotHash string       `json:"code_snapshot_hash"`
	ChangedNodes     []NodeID     `json:"changed_nodes"`
	Scopes           []*Scope     `json:"scopes"`
	StartedAt        time.Time    `json:"started_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Validate checks if the session has valid field values
func (s *ReconciliationSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if !s.State.IsValid() {
		return fmt.Errorf("invalid session state: %s", s.State)
	}
	if s.SpecSnapshotHash == "" || s.CodeSnapshotHash == "" {
		return fmt.Errorf("session %s is missing a snapshot hash", s.ID)
	}
	return nil
}

// ScopeOutcome is the per-scope entry of a session report
type ScopeOutcome struct {
	ScopeID     string      `json:"scope_id"`
	Status      ScopeStatus `json:"status"`
	TestsPassed int         `json:"tests_passed"`
	TestsFailed int         `json:"tests_failed"`
}

// SessionReport is the externally observed contract of a session
type SessionReport struct {
	SessionID            string                `json:"session_id"`
	ChangedFiles         []string              `json:"changed_files"`
	ScopeOutcomes        []ScopeOutcome        `json:"scope_outcomes"`
	Residue              []ResidueFinding      `json:"residue"`
	ProportionalityFlags []ProportionalityFlag `json:"proportionality_flags"`
	UnresolvedIssues     []Issue               `json:"unresolved_issues,omitempty"`
	FinalState           SessionState          `json:"final_state"`
}

// ExitCode maps the report to the CLI exit code contract:
// 0 clean, 1 warnings or non-blocking flags, 2 blocking errors or any
// failed scope.
func (r *SessionReport) ExitCode() int {
	code := 0
	for _, o := range r.ScopeOutcomes {
		switch o.Status {
		case ScopeFailed, ScopeConflicted:
			return 2
		case ScopeIncomplete:
			code = 1
		}
	}
	for i := range r.UnresolvedIssues {
		if r.UnresolvedIssues[i].Severity == SeverityError {
			return 2
		}
		code = 1
	}
	if r.FinalState == StateFlagged {
		code = 1
	}
	if len(r.Residue) > 0 || len(r.ProportionalityFlags) > 0 {
		code = 1
	}
	return code
}
