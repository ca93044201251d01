// Package rewrite optionally rewords a reflection plan's assistant message
// for warmth using an LLM, and only accepts the result when it passes the
// content policy.
package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
	"github.com/Gowtham-18/DearMe-AI/internal/policy"
)

// Reason explains why a rewrite was or was not used.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonMissingKey    Reason = "missing_key"
	ReasonRequestFailed Reason = "request_failed"
	ReasonSchemaInvalid Reason = "schema_invalid"
	ReasonPolicyBlocked Reason = Reason(policy.ReasonPolicyBlocked)
	ReasonEmptyRewrite  Reason = Reason(policy.ReasonEmptyRewrite)
	ReasonLowOverlap    Reason = Reason(policy.ReasonLowOverlap)
)

const (
	DefaultTimeout     = 8 * time.Second
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 240
	DefaultTemperature = 0.2
)

// ErrEmptyCompletion is returned by providers that answered without content.
var ErrEmptyCompletion = errors.New("empty completion")

// Completion is a provider-neutral structured-output request.
type Completion struct {
	Model       string
	System      string
	User        string
	SchemaName  string
	Schema      json.RawMessage
	MaxTokens   int
	Temperature float32
}

// Completer produces a JSON document for a Completion.
type Completer interface {
	CompleteJSON(ctx context.Context, c Completion) (string, error)
}

// Config tunes the rewrite request. Zero values take the defaults.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature *float32
	Timeout     time.Duration
}

// Result carries the accepted message, or nil with the reason it was not.
type Result struct {
	Message *plan.AssistantMessage
	Reason  Reason
}

// Rewriter asks a Completer for a warmer wording of an assistant message.
type Rewriter struct {
	completer Completer
	cfg       Config
	logger    *slog.Logger
}

// NewRewriter creates a Rewriter. A nil completer means no provider is
// configured, and every Rewrite reports ReasonMissingKey.
func NewRewriter(c Completer, cfg Config, logger *slog.Logger) *Rewriter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == nil {
		t := float32(DefaultTemperature)
		cfg.Temperature = &t
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{completer: c, cfg: cfg, logger: logger}
}

// Enabled reports whether a provider is configured.
func (r *Rewriter) Enabled() bool {
	return r != nil && r.completer != nil
}

// Rewrite never fails: any problem yields a nil message and a reason, and the
// caller keeps the original wording.
func (r *Rewriter) Rewrite(ctx context.Context, p plan.Plan, msg plan.AssistantMessage) Result {
	if !r.Enabled() {
		return Result{Reason: ReasonMissingKey}
	}

	user, err := userPrompt(p, msg)
	if err != nil {
		return Result{Reason: ReasonRequestFailed}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := r.completer.CompleteJSON(ctx, Completion{
		Model:       r.cfg.Model,
		System:      SystemPrompt,
		User:        user,
		SchemaName:  SchemaName,
		Schema:      ResponseSchema,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: *r.cfg.Temperature,
	})
	if err != nil {
		r.logger.Warn("rewrite request failed", "model", r.cfg.Model, "error", err, "duration", time.Since(start))
		return Result{Reason: ReasonRequestFailed}
	}

	candidate, err := Decode(raw)
	if err != nil {
		r.logger.Warn("rewrite response rejected", "model", r.cfg.Model, "error", err, "bytes", len(raw))
		return Result{Reason: ReasonSchemaInvalid}
	}

	verdict := policy.Validate(candidate, p.SourceText())
	if !verdict.OK {
		r.logger.Info("rewrite discarded", "reason", verdict.Reason)
		return Result{Reason: Reason(verdict.Reason)}
	}

	r.logger.Debug("rewrite accepted", "duration", time.Since(start))
	return Result{Message: &candidate, Reason: ReasonOK}
}

type envelope struct {
	AssistantMessage *plan.AssistantMessage `json:"assistant_message"`
}

// Decode parses a provider's output into an AssistantMessage. Markdown code
// fences around the JSON are tolerated. Unknown fields and blank sections are
// rejected.
func Decode(raw string) (plan.AssistantMessage, error) {
	body := stripFences(raw)
	if body == "" {
		return plan.AssistantMessage{}, ErrEmptyCompletion
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return plan.AssistantMessage{}, fmt.Errorf("decoding rewrite: %w", err)
	}
	if env.AssistantMessage == nil {
		return plan.AssistantMessage{}, errors.New("rewrite: missing assistant_message")
	}
	if missing := env.AssistantMessage.Missing(); len(missing) > 0 {
		return plan.AssistantMessage{}, fmt.Errorf("rewrite: blank sections %s", strings.Join(missing, ", "))
	}
	return *env.AssistantMessage, nil
}

// stripFences removes a surrounding ```json ... ``` block and any text
// outside the outermost braces.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
