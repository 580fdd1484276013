// Package oracle defines the narrow request/response contract to the
// external semantic analysis and generation collaborator, and the
// Anthropic-backed client that implements it.
//
// The contract has exactly two signatures. Analyze is pure given the
// request input hash and safe for callers to memoize; Generate is
// non-deterministic, logged on every invocation, and must never be
// served from a cache. Keeping the two paths structurally distinct is
// what prevents accidental staleness bugs.
package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/specsync/specsync/internal/types"
)

// Role is the capability tag on a work item. Cooperating roles
// (coder, reviewer, test deriver, tracer) are not a type hierarchy;
// they are requests carrying one of these tags with role-specific
// context assembly.
type Role string

const (
	RoleAnalyze     Role = "analyze"
	RoleGenerate    Role = "generate"
	RoleReview      Role = "review"
	RoleDeriveTests Role = "derive-tests"
	RoleTrace       Role = "trace"
)

// IsValid checks if the role value is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleAnalyze, RoleGenerate, RoleReview, RoleDeriveTests, RoleTrace:
		return true
	}
	return false
}

// IsPure reports whether calls with this role are deterministic given
// their input and therefore memoizable
func (r Role) IsPure() bool {
	return r == RoleAnalyze || r == RoleTrace
}

// ContextItem is one labeled piece of spec or code text in a request
// bundle
type ContextItem struct {
	Label string
	Text  string
}

// Request is the single call shape for every oracle role
type Request struct {
	Role        Role
	Instruction string
	Context     []ContextItem
	Constraints []string
	Cheap       bool // Route to the cost-efficient model (narrowing, hints)
}

// InputHash returns the content hash identifying this request's
// input. Two requests with equal hashes are interchangeable for pure
// roles; this is the memoization key material.
func (r *Request) InputHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "role:%s\n", r.Role)
	fmt.Fprintf(h, "instruction:%s\n", r.Instruction)
	for _, c := range r.Context {
		fmt.Fprintf(h, "ctx:%s\n%s\n", c.Label, c.Text)
	}
	for _, c := range r.Constraints {
		fmt.Fprintf(h, "constraint:%s\n", c)
	}
	fmt.Fprintf(h, "cheap:%t\n", r.Cheap)
	return hex.EncodeToString(h.Sum(nil))
}

// CodeChange is one generated or revised code unit from a generate
// call
type CodeChange struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

// ReviewVerdict is the reviewer role's independent judgement of
// generated code against the specs
type ReviewVerdict struct {
	Agree      bool             `json:"agree"`
	Reasons    []string         `json:"reasons,omitempty"`
	Confidence types.Confidence `json:"confidence"`
}

// Response is the structured result of an oracle call. Only the
// fields matching the request role are populated.
type Response struct {
	Role         Role
	Issues       []types.Issue
	TraceLinks   []types.TraceLink
	Changes      []CodeChange
	Tests        []types.TestCase
	Verdict      *ReviewVerdict
	Confidence   types.Confidence
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Oracle is the external collaborator interface. "Ask the oracle" is
// not control flow: callers assemble context, invoke one of the two
// signatures, and branch on the structured result.
type Oracle interface {
	// Analyze performs a pure analysis call (analyze or trace roles).
	// Given the same request input hash it returns the same result,
	// so callers may memoize.
	Analyze(ctx context.Context, req *Request) (*Response, error)

	// Generate performs an effectful call (generate, review,
	// derive-tests). Every invocation is fresh and logged; results
	// are never cached.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Sentinel reasons inside a Failure
var (
	ErrEmptyResponse     = errors.New("oracle returned an empty response")
	ErrMalformedResponse = errors.New("oracle response did not parse")
	ErrRetriesExhausted  = errors.New("oracle retries exhausted")
)

// Failure is the error surfaced when an oracle call cannot produce a
// usable result: timeouts, malformed output, exhausted retries. It is
// never swallowed into a silent no-op; unresolved failures travel all
// the way into the session report.
type Failure struct {
	Role Role
	Op   string // Caller operation, e.g. "contradiction check"
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("oracle %s call failed (%s): %v", f.Role, f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err as an oracle failure for the given role and
// caller operation
func NewFailure(role Role, op string, err error) *Failure {
	return &Failure{Role: role, Op: op, Err: err}
}

// IsFailure reports whether err is (or wraps) an oracle failure
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}
