package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/specsync/specsync/internal/types"
)

// Tiered model strategy: the default model carries generation, review
// and semantic analysis; the simple model handles narrowing passes and
// classification hints, which are high-volume and cheap.
const (
	// ModelDefault is the model for reasoning-heavy calls
	ModelDefault = "claude-sonnet-4-5-20250929"

	// ModelSimple is the cost-efficient model for narrowing and hints
	ModelSimple = "claude-3-5-haiku-20241022"
)

// GetDefaultModel returns the default model, honoring the
// SPECSYNC_MODEL_DEFAULT override
func GetDefaultModel() string {
	if m := os.Getenv("SPECSYNC_MODEL_DEFAULT"); m != "" {
		return m
	}
	return ModelDefault
}

// GetSimpleModel returns the cheap-call model, honoring the
// SPECSYNC_MODEL_SIMPLE override
func GetSimpleModel() string {
	if m := os.Getenv("SPECSYNC_MODEL_SIMPLE"); m != "" {
		return m
	}
	return ModelSimple
}

// CallLogger records oracle invocations. Generation and review calls
// are logged unconditionally; they are never cached, so the log is
// the only durable record that a call happened.
type CallLogger interface {
	RecordCall(ctx context.Context, role string, model string, inputTokens, outputTokens int64, duration time.Duration) error
}

// Config holds oracle client configuration
type Config struct {
	APIKey      string // If empty, read from ANTHROPIC_API_KEY
	Model       string // Default model override
	SimpleModel string // Cheap model override
	Retry       RetryConfig
	Logger      CallLogger // Optional call log sink
}

// Client is the Anthropic-backed Oracle implementation
type Client struct {
	client      *anthropic.Client
	model       string
	simpleModel string
	retry       RetryConfig
	breaker     *breaker
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	logger      CallLogger
}

// Compile-time check that Client implements Oracle
var _ Oracle = (*Client)(nil)

// NewClient creates an oracle client
func NewClient(cfg *Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}
	simpleModel := cfg.SimpleModel
	if simpleModel == "" {
		simpleModel = GetSimpleModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	c := &Client{
		client:      &client,
		model:       model,
		simpleModel: simpleModel,
		retry:       retry,
		logger:      cfg.Logger,
	}
	if retry.CircuitBreakerEnabled {
		c.breaker = newBreaker(retry)
	}
	if retry.MaxConcurrentCalls > 0 {
		c.sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	if retry.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(retry.RequestsPerSecond), 1)
	}
	return c, nil
}

// HealthCheck reports whether the oracle is currently usable
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.breaker != nil && c.breaker.State() == BreakerOpen {
		return fmt.Errorf("oracle unavailable: %w (retry in %v)", ErrBreakerOpen, c.retry.OpenTimeout)
	}
	return nil
}

// Analyze performs a pure analysis call (analyze or trace role)
func (c *Client) Analyze(ctx context.Context, req *Request) (*Response, error) {
	if !req.Role.IsPure() {
		return nil, fmt.Errorf("role %s is not an analysis role", req.Role)
	}
	return c.invoke(ctx, req)
}

// Generate performs an effectful call (generate, review, derive-tests)
func (c *Client) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req.Role.IsPure() {
		return nil, fmt.Errorf("role %s is an analysis role, use Analyze", req.Role)
	}
	return c.invoke(ctx, req)
}

func (c *Client) invoke(ctx context.Context, req *Request) (*Response, error) {
	if !req.Role.IsValid() {
		return nil, fmt.Errorf("invalid oracle role: %s", req.Role)
	}

	model := c.model
	if req.Cheap {
		model = c.simpleModel
	}
	prompt := renderPrompt(req)
	op := string(req.Role)
	start := time.Now()

	var message *anthropic.Message
	err := c.withRetry(ctx, op, func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 8192,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		message = resp
		return nil
	})
	if err != nil {
		return nil, NewFailure(req.Role, op, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, NewFailure(req.Role, op, ErrEmptyResponse)
	}

	resp, err := parseResponse(req.Role, text.String())
	if err != nil {
		return nil, NewFailure(req.Role, op, err)
	}
	resp.Model = model
	resp.InputTokens = message.Usage.InputTokens
	resp.OutputTokens = message.Usage.OutputTokens

	duration := time.Since(start)
	if c.logger != nil {
		if logErr := c.logger.RecordCall(ctx, string(req.Role), model,
			resp.InputTokens, resp.OutputTokens, duration); logErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to record oracle call: %v\n", logErr)
		}
	}
	return resp, nil
}

// renderPrompt flattens a request into the single-message prompt
// shape. Context bundles arrive already scoped by the caller: the
// checker sends a node plus its direct neighborhood, the tracer sends
// an inventory, the test deriver sends spec text only.
func renderPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Instruction)
	b.WriteString("\n")

	for _, item := range req.Context {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", item.Label, item.Text)
	}
	if len(req.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, constraint := range req.Constraints {
			fmt.Fprintf(&b, "- %s\n", constraint)
		}
	}
	b.WriteString("\n")
	b.WriteString(responseSchema(req.Role))
	b.WriteString("\nRespond with ONLY raw JSON. Do not wrap it in markdown code fences.\n")
	return b.String()
}

func responseSchema(role Role) string {
	switch role {
	case RoleAnalyze:
		return `Respond as JSON: {"issues": [{"kind": "...", "severity": "error|warning|info", "nodes": ["path#heading"], "explanation": "...", "confidence": "low|medium|high"}]}`
	case RoleTrace:
		return `Respond as JSON: {"links": [{"node": "path#heading", "unit": "path/to/file", "confidence": "low|medium|high"}]}`
	case RoleGenerate:
		return `Respond as JSON: {"changes": [{"path": "path/to/file", "content": "full new file content", "rationale": "..."}]}`
	case RoleReview:
		return `Respond as JSON: {"agree": true, "reasons": ["..."], "confidence": "low|medium|high"}`
	case RoleDeriveTests:
		return `Respond as JSON: {"tests": [{"node": "path#heading", "name": "test name", "body": "test body"}]}`
	default:
		return ""
	}
}

// Wire shapes for response decoding

type issueWire struct {
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity"`
	Nodes       []string `json:"nodes"`
	Explanation string   `json:"explanation"`
	Confidence  string   `json:"confidence"`
}

type analyzeWire struct {
	Issues []issueWire `json:"issues"`
}

type linkWire struct {
	Node       string `json:"node"`
	Unit       string `json:"unit"`
	Confidence string `json:"confidence"`
}

type traceWire struct {
	Links []linkWire `json:"links"`
}

type generateWire struct {
	Changes []CodeChange `json:"changes"`
}

type testWire struct {
	Node string `json:"node"`
	Name string `json:"name"`
	Body string `json:"body"`
}

type deriveWire struct {
	Tests []testWire `json:"tests"`
}

// parseResponse decodes model output into the structured result for
// the role. Unparseable output is a malformed-response error; the
// caller decides whether to retry or surface it.
func parseResponse(role Role, text string) (*Response, error) {
	resp := &Response{Role: role}

	switch role {
	case RoleAnalyze:
		wire, ok := decodeJSON[analyzeWire](text)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, preview(text))
		}
		for _, w := range wire.Issues {
			issue := types.Issue{
				Kind:        types.IssueKind(w.Kind),
				Severity:    normalizeSeverity(w.Severity),
				Explanation: w.Explanation,
				Confidence:  normalizeConfidence(w.Confidence),
			}
			for _, ref := range w.Nodes {
				id, err := types.ParseNodeID(ref)
				if err != nil {
					continue
				}
				issue.Nodes = append(issue.Nodes, id)
			}
			resp.Issues = append(resp.Issues, issue)
		}

	case RoleTrace:
		wire, ok := decodeJSON[traceWire](text)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, preview(text))
		}
		for _, w := range wire.Links {
			id, err := types.ParseNodeID(w.Node)
			if err != nil || w.Unit == "" {
				continue
			}
			resp.TraceLinks = append(resp.TraceLinks, types.TraceLink{
				Node:       id,
				Unit:       w.Unit,
				Confidence: normalizeConfidence(w.Confidence),
			})
		}

	case RoleGenerate:
		wire, ok := decodeJSON[generateWire](text)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, preview(text))
		}
		if len(wire.Changes) == 0 {
			return nil, fmt.Errorf("%w: generate call produced no changes", ErrEmptyResponse)
		}
		resp.Changes = wire.Changes

	case RoleReview:
		verdict, ok := decodeJSON[ReviewVerdict](text)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, preview(text))
		}
		verdict.Confidence = normalizeConfidence(string(verdict.Confidence))
		resp.Verdict = &verdict
		resp.Confidence = verdict.Confidence

	case RoleDeriveTests:
		wire, ok := decodeJSON[deriveWire](text)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, preview(text))
		}
		for _, w := range wire.Tests {
			id, err := types.ParseNodeID(w.Node)
			if err != nil {
				continue
			}
			resp.Tests = append(resp.Tests, types.TestCase{
				Node:   id,
				Name:   w.Name,
				Body:   w.Body,
				Status: types.TestUnknown,
			})
		}
	}

	return resp, nil
}

// normalizeSeverity maps loose model output onto the severity scale,
// defaulting unrecognized values down to info rather than up
func normalizeSeverity(s string) types.Severity {
	sev := types.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.IsValid() {
		return sev
	}
	return types.SeverityInfo
}

// normalizeConfidence maps loose model output onto the qualitative
// confidence scale; unrecognized values become low, never silently
// high
func normalizeConfidence(s string) types.Confidence {
	c := types.Confidence(strings.ToLower(strings.TrimSpace(s)))
	if c.IsValid() {
		return c
	}
	return types.ConfidenceLow
}

func preview(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "... (truncated)"
}
