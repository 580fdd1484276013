// Package session orchestrates reconciliation: the interactive
// checking phase over the spec graph, the autonomous scope execution
// phase over the code artifact, and the trust-gated commit that makes
// a session's work durable.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/specsync/specsync/internal/checker"
	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/graph"
	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/storage"
	"github.com/specsync/specsync/internal/trace"
	"github.com/specsync/specsync/internal/types"
	"github.com/specsync/specsync/internal/verify"
)

// Config holds orchestrator configuration
type Config struct {
	Store      storage.Store
	Oracle     oracle.Oracle
	Checker    *checker.Checker
	Tracer     *trace.Tracer
	Deriver    *verify.TestDeriver
	Residue    *verify.ResidueAnalyzer
	Proportion *verify.ProportionChecker

	SpecRoot   string
	CodeRoot   string
	Exclusions *corpus.ExclusionList

	// Workers bounds concurrent scope execution within a wave
	Workers int

	// ScopeAttempts bounds coder retries per scope
	ScopeAttempts int

	// ResidueBlocking selects which residue hints push the session to
	// FLAGGED instead of VERIFIED
	ResidueBlocking types.ResidueBlocking
}

// Orchestrator drives one reconciliation session through its phases
type Orchestrator struct {
	cfg Config

	sess       *types.ReconciliationSession
	specBefore *corpus.SpecSnapshot // Captured at Begin, proportionality baseline
	spec       *corpus.SpecSnapshot
	code       *corpus.CodeSnapshot
	graph      *types.SpecGraph
	issues     []types.Issue
	work       *overlay
	report     *types.SessionReport
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Oracle == nil || cfg.Checker == nil ||
		cfg.Tracer == nil || cfg.Deriver == nil {
		return nil, fmt.Errorf("store, oracle, checker, tracer, and deriver are required")
	}
	if cfg.SpecRoot == "" || cfg.CodeRoot == "" {
		return nil, fmt.Errorf("spec and code roots are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 3
	}
	if cfg.ScopeAttempts < 1 {
		cfg.ScopeAttempts = 3
	}
	if cfg.Residue == nil {
		cfg.Residue = verify.NewResidueAnalyzer(cfg.Oracle)
	}
	if cfg.ResidueBlocking == "" {
		cfg.ResidueBlocking = types.ResidueBlockSuspect
	}
	if !cfg.ResidueBlocking.IsValid() {
		return nil, fmt.Errorf("invalid residue blocking policy %q", cfg.ResidueBlocking)
	}
	if cfg.Proportion == nil {
		cfg.Proportion = verify.NewProportionChecker(0, 0)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Session returns the current session record
func (o *Orchestrator) Session() *types.ReconciliationSession { return o.sess }

// Issues returns the latest check report
func (o *Orchestrator) Issues() []types.Issue { return o.issues }

// Report returns the session report, nil before the autonomous phase
func (o *Orchestrator) Report() *types.SessionReport { return o.report }

// Begin captures the snapshot pair, creates the session in the
// checking phase, and produces the first issue report
func (o *Orchestrator) Begin(ctx context.Context) ([]types.Issue, error) {
	spec, err := corpus.LoadSpecSnapshot(o.cfg.SpecRoot)
	if err != nil {
		return nil, err
	}
	code, err := corpus.LoadCodeSnapshot(o.cfg.CodeRoot, o.cfg.SpecRoot)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	o.specBefore = spec
	o.spec = spec
	o.code = code
	o.sess = &types.ReconciliationSession{
		ID:               uuid.New().String(),
		State:            types.StateSpecReconcile,
		SpecSnapshotHash: spec.TreeHash,
		CodeSnapshotHash: code.TreeHash,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.cfg.Store.CreateSession(ctx, o.sess); err != nil {
		return nil, err
	}
	return o.check(ctx)
}

// Recheck reloads the spec corpus after human edits and re-runs the
// checker. The code snapshot stays fixed; only the spec side moves
// during the checking phase.
func (o *Orchestrator) Recheck(ctx context.Context) ([]types.Issue, error) {
	if err := o.requireState(types.StateSpecReconcile); err != nil {
		return nil, err
	}
	spec, err := corpus.LoadSpecSnapshot(o.cfg.SpecRoot)
	if err != nil {
		return nil, err
	}
	o.spec = spec
	o.sess.SpecSnapshotHash = spec.TreeHash
	if err := o.persist(ctx); err != nil {
		return nil, err
	}
	return o.check(ctx)
}

func (o *Orchestrator) check(ctx context.Context) ([]types.Issue, error) {
	g, buildIssues := graph.Build(o.spec)
	issues, err := o.cfg.Checker.Check(ctx, g, buildIssues)
	if err != nil {
		return nil, err
	}
	o.graph = g
	o.issues = issues
	return issues, nil
}

// MarkConsistent opens the gate to the autonomous phase. It refuses
// while any error-severity issue stands.
func (o *Orchestrator) MarkConsistent(ctx context.Context) error {
	if err := o.requireState(types.StateSpecReconcile); err != nil {
		return err
	}
	if types.HasBlocking(o.issues) {
		return fmt.Errorf("cannot proceed: %d blocking issue(s) unresolved", countBlocking(o.issues))
	}
	return o.transition(ctx, types.StateConsistent)
}

// Reconcile runs the autonomous phase: scope the changed nodes,
// execute scopes wave by wave, then verify the result globally. The
// session lands in VERIFIED or FLAGGED; nothing touches disk.
func (o *Orchestrator) Reconcile(ctx context.Context) (*types.SessionReport, error) {
	if err := o.requireState(types.StateConsistent); err != nil {
		return nil, err
	}

	last, err := o.cfg.Store.LastCommit(ctx)
	if err != nil {
		return nil, err
	}
	var baseline map[string]string
	if last != nil {
		baseline = last.NodeHashes
	}
	changed := changedNodes(o.graph, baseline)
	o.sess.ChangedNodes = changed

	unitsByNode := make(map[types.NodeID][]string, len(changed))
	for _, id := range changed {
		links, err := o.cfg.Tracer.SpecToCode(ctx, o.graph, o.code, id)
		if err != nil {
			return nil, fmt.Errorf("tracing %s: %w", id, err)
		}
		for _, l := range links {
			unitsByNode[id] = append(unitsByNode[id], l.Unit)
		}
	}

	o.sess.Scopes = buildScopes(o.sess.ID, changed, unitsByNode)
	o.work = newOverlay(o.code)
	if err := o.transition(ctx, types.StateCodeReconcile); err != nil {
		return nil, err
	}

	o.runScopes(ctx)

	report, err := o.verifyGlobally(ctx)
	if err != nil {
		return nil, err
	}

	final := types.StateVerified
	if !cleanOutcome(o.sess.Scopes, report, o.cfg.ResidueBlocking) {
		final = types.StateFlagged
	}
	if err := o.transition(ctx, final); err != nil {
		return nil, err
	}
	report.FinalState = final
	o.report = report
	if err := o.cfg.Store.SaveReport(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// runScopes executes the scope waves. Scopes inside a wave share no
// units and run concurrently up to the worker bound; a settled failure
// never stops its siblings.
func (o *Orchestrator) runScopes(ctx context.Context) {
	runner := &scopeRunner{
		oracle:      o.cfg.Oracle,
		deriver:     o.cfg.Deriver,
		graph:       o.graph,
		work:        o.work,
		maxAttempts: o.cfg.ScopeAttempts,
	}
	for _, wave := range scheduleBatches(o.sess.Scopes) {
		var g errgroup.Group
		g.SetLimit(o.cfg.Workers)
		for _, scope := range wave {
			scope := scope
			scope.Status = types.ScopeRunning
			g.Go(func() error {
				runner.run(ctx, scope)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// verifyGlobally rebuilds the trace over the session's result and
// derives the residue and proportionality findings
func (o *Orchestrator) verifyGlobally(ctx context.Context) (*types.SessionReport, error) {
	after, err := o.work.snapshot(o.cfg.CodeRoot)
	if err != nil {
		return nil, err
	}

	links, err := o.cfg.Tracer.Rebuild(ctx, o.graph, after)
	if err != nil {
		return nil, fmt.Errorf("rebuilding trace: %w", err)
	}

	report := &types.SessionReport{
		SessionID:    o.sess.ID,
		ChangedFiles: o.work.changedFiles(),
	}
	for _, scope := range o.sess.Scopes {
		report.ScopeOutcomes = append(report.ScopeOutcomes, types.ScopeOutcome{
			ScopeID:     scope.ID,
			Status:      scope.Status,
			TestsPassed: scope.TestsPassed,
			TestsFailed: scope.TestsFailed,
		})
	}
	for _, issue := range o.issues {
		if issue.Severity != types.SeverityInfo {
			report.UnresolvedIssues = append(report.UnresolvedIssues, issue)
		}
	}

	report.Residue = o.cfg.Residue.Analyze(ctx, after, links, o.cfg.Exclusions)

	specLines := verify.SpecDiffLines(o.specBefore, o.spec)
	if specLines == 0 {
		// No in-session spec edits: the changed nodes themselves are
		// the delta against the committed baseline
		specLines = changedNodeLines(o.graph, o.sess.ChangedNodes)
	}
	codeLines, files := verify.CodeDiff(o.code, after)
	if flag := o.cfg.Proportion.Check(specLines, codeLines, files); flag != nil {
		report.ProportionalityFlags = append(report.ProportionalityFlags, *flag)
	}
	return report, nil
}

// Commit makes the session's result durable: overlay to disk, commit
// record, terminal state. A FLAGGED session commits only under an
// explicit trust decision.
func (o *Orchestrator) Commit(ctx context.Context, trustFlagged bool) error {
	switch o.state() {
	case types.StateVerified:
	case types.StateFlagged:
		if !trustFlagged {
			return fmt.Errorf("session is flagged; pass an explicit trust decision to commit anyway")
		}
	default:
		return fmt.Errorf("cannot commit from state %s", o.state())
	}

	if err := o.work.writeTo(o.cfg.CodeRoot); err != nil {
		return fmt.Errorf("writing code units: %w", err)
	}
	after, err := corpus.LoadCodeSnapshot(o.cfg.CodeRoot, o.cfg.SpecRoot)
	if err != nil {
		return err
	}

	if err := o.cfg.Store.RecordCommit(ctx, &storage.CommitRecord{
		SessionID:   o.sess.ID,
		SpecHash:    o.spec.TreeHash,
		CodeHash:    after.TreeHash,
		NodeHashes:  nodeHashes(o.graph),
		CommittedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := o.transition(ctx, types.StateCommitted); err != nil {
		return err
	}
	if o.report != nil {
		o.report.FinalState = types.StateCommitted
		if err := o.cfg.Store.SaveReport(ctx, o.report); err != nil {
			return err
		}
	}
	return nil
}

// Cancel abandons the session. The overlay is discarded; the disk copy
// of the artifact was never touched.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	if o.state().IsTerminal() {
		return fmt.Errorf("session already %s", o.state())
	}
	o.work = nil
	return o.transition(ctx, types.StateCancelled)
}

func (o *Orchestrator) state() types.SessionState {
	if o.sess == nil {
		return ""
	}
	return o.sess.State
}

func (o *Orchestrator) requireState(want types.SessionState) error {
	if o.sess == nil {
		return fmt.Errorf("no active session")
	}
	if o.sess.State != want {
		return fmt.Errorf("operation requires state %s, session is %s", want, o.sess.State)
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, target types.SessionState) error {
	if !o.sess.State.CanTransitionTo(target) {
		return fmt.Errorf("invalid transition %s -> %s", o.sess.State, target)
	}
	o.sess.State = target
	return o.persist(ctx)
}

func (o *Orchestrator) persist(ctx context.Context) error {
	o.sess.UpdatedAt = time.Now().UTC()
	return o.cfg.Store.UpdateSession(ctx, o.sess)
}

// cleanOutcome reports whether every scope completed and no advisory
// finding demands review
func cleanOutcome(scopes []*types.Scope, report *types.SessionReport, blocking types.ResidueBlocking) bool {
	for _, scope := range scopes {
		if scope.Status != types.ScopeCompleted {
			return false
		}
	}
	for _, finding := range report.Residue {
		if blocking.Blocks(finding.Hint) {
			return false
		}
	}
	return len(report.ProportionalityFlags) == 0
}

func countBlocking(issues []types.Issue) int {
	n := 0
	for i := range issues {
		if issues[i].Severity == types.SeverityError {
			n++
		}
	}
	return n
}

// changedNodeLines counts the text lines of the changed nodes
func changedNodeLines(g *types.SpecGraph, changed []types.NodeID) int {
	lines := 0
	for _, id := range changed {
		node, ok := g.Nodes[id]
		if !ok {
			continue
		}
		text := strings.TrimSpace(node.Text)
		if text == "" {
			continue
		}
		lines += strings.Count(text, "\n") + 1
	}
	return lines
}
