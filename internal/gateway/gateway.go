// Package gateway composes identity, quota, inference and the ledger
// into the single path every tool request takes.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/engine"
	"github.com/audrey/textai-server/internal/history"
	"github.com/audrey/textai-server/internal/ratelimit"
)

// Identity is the resolved caller: an authenticated username or an
// anonymous designation. It keys both quota and history.
type Identity struct {
	Name      string
	Tier      accounts.Tier
	Anonymous bool
}

// Anonymous builds the guest identity for an unauthenticated caller,
// keyed per source so one guest cannot drain the quota of all.
func Anonymous(source string) Identity {
	return Identity{
		Name:      "anon-" + source,
		Tier:      accounts.TierGuest,
		Anonymous: true,
	}
}

// QuotaError reports a denied request along with the quota state the
// client needs to back off.
type QuotaError struct {
	Decision ratelimit.Decision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.Decision.RetryAfter)
}

// ToolResponse is the successful outcome of one gateway invocation.
type ToolResponse struct {
	Result       *engine.Result     `json:"result"`
	Quota        ratelimit.Decision `json:"quota"`
	ProcessingMs int64              `json:"processing_time_ms"`
}

// Gateway is the composition root for tool calls.
type Gateway struct {
	limiter *ratelimit.Limiter
	engine  engine.Engine
	ledger  *history.Ledger
	logger  *slog.Logger

	// recordDenied also writes rate-limited attempts to history.
	recordDenied bool
}

// New wires the gateway.
func New(limiter *ratelimit.Limiter, eng engine.Engine, ledger *history.Ledger,
	logger *slog.Logger, recordDenied bool) *Gateway {
	return &Gateway{
		limiter:      limiter,
		engine:       eng,
		ledger:       ledger,
		logger:       logger,
		recordDenied: recordDenied,
	}
}

// Invoke runs one tool call: quota check, inference, ledger record.
// Quota enforcement is strict; recording is best-effort.
func (g *Gateway) Invoke(ctx context.Context, id Identity, req engine.InferRequest) (*ToolResponse, error) {
	if !g.engine.Supports(req.Tool) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownTool, req.Tool)
	}

	dec, err := g.limiter.CheckAndConsume(ctx, id.Name, string(id.Tier))
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		if g.recordDenied {
			g.ledger.Record(ctx, history.Entry{
				Identity:    id.Name,
				Tool:        req.Tool,
				InputDigest: history.Digest(req.Payload),
				Success:     false,
				ErrorKind:   "rate_limited",
			})
		}
		return nil, &QuotaError{Decision: dec}
	}

	start := time.Now()
	result, err := g.engine.Infer(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	entry := history.Entry{
		Identity:     id.Name,
		Tool:         req.Tool,
		InputDigest:  history.Digest(req.Payload),
		ProcessingMs: elapsed,
		Success:      err == nil,
	}
	if err != nil {
		entry.ErrorKind = "engine_error"
		g.ledger.Record(ctx, entry)
		return nil, err
	}
	entry.ResultSummary = summarize(result)
	g.ledger.Record(ctx, entry)

	return &ToolResponse{
		Result:       result,
		Quota:        dec,
		ProcessingMs: elapsed,
	}, nil
}

// Quota reports the caller's remaining allowance without consuming.
func (g *Gateway) Quota(ctx context.Context, id Identity) (ratelimit.Decision, error) {
	return g.limiter.Remaining(ctx, id.Name, string(id.Tier))
}

func summarize(result *engine.Result) string {
	out, err := json.Marshal(result.Output)
	if err != nil {
		return ""
	}
	return history.Summarize(string(out))
}
