package cost

import (
	"context"
	"errors"

	"github.com/specsync/specsync/internal/oracle"
)

// ErrBudgetExceeded is the failure reason once the session budget is
// spent
var ErrBudgetExceeded = errors.New("session oracle budget exceeded")

// limited wraps an oracle with budget enforcement. Calls past the
// limit return a Failure wrapping ErrBudgetExceeded, which degrades
// the same way any other oracle failure does: warning issues in the
// checker, failed scopes in the session.
type limited struct {
	inner   oracle.Oracle
	tracker *Tracker
}

// Limit wraps o so every call is checked against, and recorded in, the
// tracker
func Limit(o oracle.Oracle, t *Tracker) oracle.Oracle {
	return &limited{inner: o, tracker: t}
}

func (l *limited) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	if !l.tracker.CanProceed() {
		return nil, oracle.NewFailure(req.Role, "budget check", ErrBudgetExceeded)
	}
	resp, err := l.inner.Analyze(ctx, req)
	if resp != nil {
		l.tracker.Record(resp.InputTokens, resp.OutputTokens)
	}
	return resp, err
}

func (l *limited) Generate(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	if !l.tracker.CanProceed() {
		return nil, oracle.NewFailure(req.Role, "budget check", ErrBudgetExceeded)
	}
	resp, err := l.inner.Generate(ctx, req)
	if resp != nil {
		l.tracker.Record(resp.InputTokens, resp.OutputTokens)
	}
	return resp, err
}
