// Package trace derives many-to-many links between spec nodes and code
// units. Mapping is staged: a cheap narrowing pass over unit paths
// selects candidates, then a detail pass over candidate contents
// confirms links. Verdicts, positive and negative, are cached per
// (node hash, unit hash) pair so unchanged pairs never hit the oracle.
package trace

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/types"
)

// DefaultMaxCandidates bounds how many units one detail call may carry
const DefaultMaxCandidates = 20

// Cache stores per-pair trace verdicts. A negative verdict (linked
// false) is as cacheable as a positive one; both go stale when either
// side's content hash changes.
type Cache interface {
	GetVerdict(ctx context.Context, nodeHash, unitHash string) (conf types.Confidence, linked, found bool, err error)
	PutVerdict(ctx context.Context, nodeHash, unitHash string, linked bool, conf types.Confidence) error
}

// Config holds tracer configuration
type Config struct {
	Oracle        oracle.Oracle
	Cache         Cache // Optional
	MaxCandidates int
}

// Tracer derives trace links for one (graph, code snapshot) pair
type Tracer struct {
	oracle        oracle.Oracle
	cache         Cache
	maxCandidates int
}

// New creates a tracer
func New(cfg *Config) (*Tracer, error) {
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	max := cfg.MaxCandidates
	if max <= 0 {
		max = DefaultMaxCandidates
	}
	return &Tracer{oracle: cfg.Oracle, cache: cfg.Cache, maxCandidates: max}, nil
}

// Rebuild derives the full link set from scratch, node by node in
// deterministic order. The result replaces any previous link set
// wholesale; reconciliation never patches a stale one.
func (t *Tracer) Rebuild(ctx context.Context, g *types.SpecGraph, code *corpus.CodeSnapshot) ([]types.TraceLink, error) {
	var links []types.TraceLink
	for _, id := range g.SortedIDs() {
		nodeLinks, err := t.SpecToCode(ctx, g, code, id)
		if err != nil {
			return nil, err
		}
		links = append(links, nodeLinks...)
	}
	return links, nil
}

// SpecToCode maps one spec node to the code units that implement it
func (t *Tracer) SpecToCode(ctx context.Context, g *types.SpecGraph, code *corpus.CodeSnapshot, id types.NodeID) ([]types.TraceLink, error) {
	node, ok := g.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not in graph", id)
	}

	var links []types.TraceLink
	var unknown []types.CodeUnit
	for _, unit := range code.Units {
		conf, linked, found := t.cachedVerdict(ctx, node.Hash, unit.Hash)
		switch {
		case found && linked:
			links = append(links, types.TraceLink{
				Node: id, NodeHash: node.Hash,
				Unit: unit.Path, UnitHash: unit.Hash,
				Confidence: conf,
			})
		case found:
			// Cached negative, skip
		default:
			unknown = append(unknown, unit)
		}
	}

	if len(unknown) > 0 {
		fresh, err := t.traceUnknown(ctx, node, code, unknown)
		if err != nil {
			return nil, err
		}
		links = append(links, fresh...)
	}

	sort.Slice(links, func(i, j int) bool { return links[i].Unit < links[j].Unit })
	return links, nil
}

// CodeToSpec maps one code unit back to the spec nodes it implements.
// Derived from the same per-pair verdicts as SpecToCode, so the two
// directions can never disagree.
func (t *Tracer) CodeToSpec(ctx context.Context, g *types.SpecGraph, code *corpus.CodeSnapshot, unitPath string) ([]types.TraceLink, error) {
	if _, ok := code.Unit(unitPath); !ok {
		return nil, fmt.Errorf("unit %s not in snapshot", unitPath)
	}
	all, err := t.Rebuild(ctx, g, code)
	if err != nil {
		return nil, err
	}
	var links []types.TraceLink
	for _, l := range all {
		if l.Unit == unitPath {
			links = append(links, l)
		}
	}
	return links, nil
}

// cachedVerdict consults the cache, degrading to a miss on read errors
func (t *Tracer) cachedVerdict(ctx context.Context, nodeHash, unitHash string) (types.Confidence, bool, bool) {
	if t.cache == nil {
		return "", false, false
	}
	conf, linked, found, err := t.cache.GetVerdict(ctx, nodeHash, unitHash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: trace cache read failed: %v\n", err)
		return "", false, false
	}
	return conf, linked, found
}

func (t *Tracer) putVerdict(ctx context.Context, nodeHash, unitHash string, linked bool, conf types.Confidence) {
	if t.cache == nil {
		return
	}
	if err := t.cache.PutVerdict(ctx, nodeHash, unitHash, linked, conf); err != nil {
		fmt.Fprintf(os.Stderr, "warning: trace cache write failed: %v\n", err)
	}
}

// traceUnknown runs the two-stage mapping over units with no cached
// verdict: narrow by path, confirm by content.
func (t *Tracer) traceUnknown(ctx context.Context, node *types.SpecNode, code *corpus.CodeSnapshot, unknown []types.CodeUnit) ([]types.TraceLink, error) {
	candidates, err := t.narrow(ctx, node, unknown)
	if err != nil {
		return nil, err
	}

	inCandidates := make(map[string]bool, len(candidates))
	for _, u := range candidates {
		inCandidates[u.Path] = true
	}
	for _, unit := range unknown {
		if !inCandidates[unit.Path] {
			t.putVerdict(ctx, node.Hash, unit.Hash, false, types.ConfidenceLow)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var links []types.TraceLink
	for _, batch := range batches(candidates, t.maxCandidates) {
		batchLinks, err := t.confirm(ctx, node, code, batch)
		if err != nil {
			return nil, err
		}
		links = append(links, batchLinks...)
	}
	return links, nil
}

// narrow asks the cost-efficient model to pick plausible units from
// the path list alone. Over-selection is cheap; under-selection drops
// links, so the instruction errs toward inclusion.
func (t *Tracer) narrow(ctx context.Context, node *types.SpecNode, unknown []types.CodeUnit) ([]types.CodeUnit, error) {
	paths := make([]string, len(unknown))
	for i, u := range unknown {
		paths[i] = u.Path
	}

	req := &oracle.Request{
		Role:  oracle.RoleTrace,
		Cheap: true,
		Instruction: "From the file path list, select every file that could plausibly implement the specification node. " +
			"Judge by path and name only. When unsure, include the file; a later pass reads contents.",
		Context: []oracle.ContextItem{
			{Label: "node " + node.ID.String(), Text: node.Title + "\n" + node.Text},
			{Label: "code unit paths", Text: strings.Join(paths, "\n")},
		},
		Constraints: []string{
			"Every link must use node \"" + node.ID.String() + "\"",
			"Unit paths must come verbatim from the list",
		},
	}
	resp, err := t.oracle.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]types.CodeUnit, len(unknown))
	for _, u := range unknown {
		byPath[u.Path] = u
	}
	var candidates []types.CodeUnit
	seen := make(map[string]bool)
	for _, l := range resp.TraceLinks {
		u, ok := byPath[l.Unit]
		if !ok || seen[l.Unit] {
			continue
		}
		seen[l.Unit] = true
		candidates = append(candidates, u)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
	return candidates, nil
}

// confirm reads candidate contents and asks for confirmed links with
// confidence. Every candidate gets a cached verdict either way.
func (t *Tracer) confirm(ctx context.Context, node *types.SpecNode, code *corpus.CodeSnapshot, candidates []types.CodeUnit) ([]types.TraceLink, error) {
	req := &oracle.Request{
		Role: oracle.RoleTrace,
		Instruction: "Decide which of the candidate files actually implement the specification node. " +
			"Report a link only where the file's content realizes behavior the node describes, with your confidence.",
		Context: []oracle.ContextItem{
			{Label: "node " + node.ID.String(), Text: node.Title + "\n" + node.Text},
		},
		Constraints: []string{
			"Every link must use node \"" + node.ID.String() + "\"",
			"Report only candidate files, by their exact paths",
		},
	}
	for _, u := range candidates {
		content, _ := code.Content(u.Path)
		req.Context = append(req.Context, oracle.ContextItem{
			Label: "candidate " + u.Path,
			Text:  string(content),
		})
	}

	resp, err := t.oracle.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	confirmed := make(map[string]types.Confidence, len(resp.TraceLinks))
	for _, l := range resp.TraceLinks {
		if l.Node != node.ID {
			continue
		}
		confirmed[l.Unit] = l.Confidence
	}

	var links []types.TraceLink
	for _, u := range candidates {
		conf, ok := confirmed[u.Path]
		t.putVerdict(ctx, node.Hash, u.Hash, ok, conf)
		if ok {
			links = append(links, types.TraceLink{
				Node: node.ID, NodeHash: node.Hash,
				Unit: u.Path, UnitHash: u.Hash,
				Confidence: conf,
			})
		}
	}
	return links, nil
}

// batches splits units into chunks of at most size
func batches(units []types.CodeUnit, size int) [][]types.CodeUnit {
	var out [][]types.CodeUnit
	for len(units) > size {
		out = append(out, units[:size])
		units = units[size:]
	}
	if len(units) > 0 {
		out = append(out, units)
	}
	return out
}
