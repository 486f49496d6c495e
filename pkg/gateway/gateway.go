package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

// Outcome is the terminal status of a route call.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeTimeout  Outcome = "TIMEOUT"
	OutcomeError    Outcome = "ERROR"
)

// Request is one call into the gateway.
type Request struct {
	ScopeID        string
	ProviderID     string
	Messages       []Message
	Tools          []ToolDefinition
	Contract       Contract
	TimeoutSeconds int
	DevMode        bool
}

// Response is the gateway's answer; callers must check Outcome, not
// Content alone, since rejection paths return Content="".
type Response struct {
	Outcome        Outcome `json:"outcome"`
	Content        string  `json:"content"`
	Usage          Usage   `json:"usage"`
	ErrorCode      string  `json:"error_code,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	LedgerEntryIDs []string `json:"ledger_entry_ids"`
	Anomaly        string  `json:"anomaly,omitempty"`
}

// Gateway implements the ten-step route pipeline.
type Gateway struct {
	providers map[string]Provider
	budgeter  *budget.Budgeter
	breakers  *Breakers
	ledger    *ledger.Client
	limiter   ConcurrencyLimiter
	tracer    trace.Tracer // nil is valid: Route treats it as no-op
}

// New builds a gateway over a provider registry, a budgeter for per-scope
// debits, a circuit breaker registry, and the ledger it logs to. No
// per-provider concurrency cap is enforced; use WithLimiter to add one.
func New(providers map[string]Provider, budgeter *budget.Budgeter, breakers *Breakers, led *ledger.Client) *Gateway {
	return &Gateway{providers: providers, budgeter: budgeter, breakers: breakers, ledger: led}
}

// WithLimiter attaches a per-provider ConcurrencyLimiter, returning g for
// chaining.
func (g *Gateway) WithLimiter(limiter ConcurrencyLimiter) *Gateway {
	g.limiter = limiter
	return g
}

// WithTracer attaches a tracer for per-call spans, returning g for
// chaining. Pass telemetry.Provider.Tracer(); a nil tracer disables spans.
func (g *Gateway) WithTracer(tracer trace.Tracer) *Gateway {
	g.tracer = tracer
	return g
}

// Route runs the ten-step pipeline: validate, auth, budget check, pre-log,
// circuit breaker, dispatch, timeout, post-log, budget debit, breaker
// update.
func (g *Gateway) Route(ctx context.Context, req Request) (*Response, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "gateway.Route")
		defer span.End()
	}

	var entryIDs []string

	// 1. Validate request shape.
	if len(req.Messages) == 0 {
		return &Response{Outcome: OutcomeRejected, ErrorCode: "INVALID_REQUEST", ErrorMessage: "messages must not be empty"}, nil
	}
	provider, ok := g.providers[req.ProviderID]
	if !ok {
		return &Response{Outcome: OutcomeRejected, ErrorCode: "UNKNOWN_PROVIDER", ErrorMessage: fmt.Sprintf("no provider registered for %q", req.ProviderID)}, nil
	}

	// 2. Auth is skipped in dev mode; production auth is layered in by
	// pkg/authz at the session boundary, not re-checked per call here.

	// 3. Budget check against scope_key; estimate using message length as
	// a conservative pre-check, actual debit happens after dispatch.
	estimate := estimateTokens(req.Messages)
	if dec, err := g.budgeter.Check(req.ScopeID, budget.Cost{Tokens: estimate, Reason: "pre-flight estimate"}); err != nil || !dec.Allowed {
		reason := "budget exhausted"
		if dec != nil {
			reason = dec.Reason
		}
		return &Response{Outcome: OutcomeRejected, ErrorCode: "BUDGET_EXHAUSTED", ErrorMessage: reason}, nil
	}

	// 4. Pre-log PROMPT_SENT with prompt hash and scope.
	promptHash, err := canonicalize.CanonicalHash(req.Messages)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindValidation, "PROMPT_HASH_FAILED", err)
	}
	if g.ledger != nil {
		entry, err := g.ledger.Append("PROMPT_SENT", ledger.Metadata{
			ContextFingerprint: ledger.ContextFingerprint{ContextHash: promptHash, ModelID: req.ProviderID},
		})
		if err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "PRE_LOG_FAILED", err)
		}
		entryIDs = append(entryIDs, entry.EntryID)
	}

	// 5. Circuit breaker.
	breaker := g.breakers.For(req.ProviderID)
	if !breaker.Allow() {
		return &Response{Outcome: OutcomeRejected, ErrorCode: "CIRCUIT_OPEN", ErrorMessage: fmt.Sprintf("circuit open for provider %q", req.ProviderID), LedgerEntryIDs: entryIDs}, nil
	}

	// 6-7. Dispatch to provider with timeout enforcement, serialized
	// behind the provider's concurrency cap when one is configured.
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Acquire(callCtx, req.ProviderID); err != nil {
			return &Response{Outcome: OutcomeRejected, ErrorCode: "CONCURRENCY_LIMIT", ErrorMessage: err.Error(), LedgerEntryIDs: entryIDs}, nil
		}
		defer g.limiter.Release(req.ProviderID)
	}

	type result struct {
		resp *ProviderResponse
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := provider.Send(callCtx, req.Messages, req.Tools, req.Contract, req.DevMode)
		resultCh <- result{resp, err}
	}()

	var providerResp *ProviderResponse
	var providerErr error
	select {
	case <-callCtx.Done():
		breaker.Failure()
		return &Response{Outcome: OutcomeTimeout, ErrorCode: "TIMEOUT", ErrorMessage: "provider call exceeded timeout", LedgerEntryIDs: entryIDs}, nil
	case r := <-resultCh:
		providerResp, providerErr = r.resp, r.err
	}

	if providerErr != nil {
		breaker.Failure()
		return &Response{Outcome: OutcomeError, ErrorCode: "PROVIDER_ERROR", ErrorMessage: providerErr.Error(), LedgerEntryIDs: entryIDs}, nil
	}
	if providerResp.Error != "" {
		breaker.Failure()
		return &Response{Outcome: OutcomeError, ErrorCode: "PROVIDER_ERROR", ErrorMessage: providerResp.Error, LedgerEntryIDs: entryIDs}, nil
	}

	// 8. Post-log PROMPT_RECEIVED with token counts and outcome. A
	// detected output anomaly doesn't fail the call (the provider did
	// answer) but it does ride along in the ledger entry.
	anomalyFound := detectAnomaly(providerResp.Content)
	if g.ledger != nil {
		outcome := ledger.Outcome{Status: "success"}
		if anomalyFound != anomalyNone {
			outcome.Error = string(anomalyFound)
		}
		entry, err := g.ledger.Append("PROMPT_RECEIVED", ledger.Metadata{
			Outcome: outcome,
			ContextFingerprint: ledger.ContextFingerprint{
				TokensUsed: ledger.TokensUsed{Input: providerResp.Usage.InputTokens, Output: providerResp.Usage.OutputTokens},
				ModelID:    req.ProviderID,
			},
		})
		if err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "POST_LOG_FAILED", err)
		}
		entryIDs = append(entryIDs, entry.EntryID)
	}

	// 9. Budget debit the actual tokens returned.
	actual := providerResp.Usage.InputTokens + providerResp.Usage.OutputTokens
	if _, err := g.budgeter.Debit(req.ScopeID, budget.Cost{Tokens: actual, Reason: "llm call"}); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindBudgetExhausted, "POST_DEBIT_FAILED", err)
	}

	// 10. Update circuit breaker, return success.
	breaker.Success()
	return &Response{
		Outcome:        OutcomeSuccess,
		Content:        providerResp.Content,
		Usage:          providerResp.Usage,
		LedgerEntryIDs: entryIDs,
		Anomaly:        string(anomalyFound),
	}, nil
}

func estimateTokens(messages []Message) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	return int64(chars/4) + 1
}
