package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/gateway"
	"github.com/Mindburn-Labs/govkernel/pkg/ho2"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
	"github.com/Mindburn-Labs/govkernel/pkg/sandbox"
)

// sessionRecord tracks one active session's routing and budget state.
type sessionRecord struct {
	agentClass string
	active     bool
}

// HostConfig carries the infrastructure shared by every session.
type HostConfig struct {
	SandboxRoot string
	Budgeter    *budget.Budgeter

	// DegradeGateway and DegradeProviderID back the fallback path used
	// when no stack is registered for a session's agent class:
	// a direct, contract-free Gateway call.
	DegradeGateway    *gateway.Gateway
	DegradeProviderID string

	// SystemLedger records DEGRADED events that occur before any stack
	// (and therefore any per-class HO1 ledger) is reachable.
	SystemLedger *ledger.Client

	// Tracer is nil by default (spans are a no-op); set it from
	// telemetry.Provider.Tracer() to emit a span per turn.
	Tracer trace.Tracer
}

// Host is SessionHost (C13): resolves each session's cognitive stack by
// agent class and runs its turn loop, always returning a TurnResult.
type Host struct {
	cfg HostConfig

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	stacks   map[string]*ho2.CognitiveStack
}

// NewHost builds a SessionHost over the given shared infrastructure.
func NewHost(cfg HostConfig) *Host {
	return &Host{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
		stacks:   make(map[string]*ho2.CognitiveStack),
	}
}

// RegisterStack makes a cognitive stack available to sessions whose
// agent_class matches stack.AgentClass.
func (h *Host) RegisterStack(stack *ho2.CognitiveStack) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stacks[stack.AgentClass] = stack
}

// CreateSession opens a session scoped to agentClass with a per-session
// token budget ceiling, per spec section 4.11.
func (h *Host) CreateSession(sessionID, agentClass string, tokenBudget int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[sessionID]; exists {
		return kernelerrors.New(kernelerrors.KindValidation, "SESSION_EXISTS", "session already open: "+sessionID)
	}
	if err := h.cfg.Budgeter.CreateScope(sessionID, budget.ScopeSession, tokenBudget, ""); err != nil {
		return err
	}
	h.sessions[sessionID] = &sessionRecord{agentClass: agentClass, active: true}
	return nil
}

// EndSession marks a session inactive and releases its budget scope.
func (h *Host) EndSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.sessions[sessionID]; ok {
		rec.active = false
	}
	h.cfg.Budgeter.Release(sessionID)
}

// SessionIsActive and RemainingBudget implement the sessionLookup
// interfaces expected by pkg/workorder and pkg/ho2.
func (h *Host) SessionIsActive(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.sessions[sessionID]
	return ok && rec.active
}

func (h *Host) RemainingBudget(sessionID string) int64 {
	alloc, err := h.cfg.Budgeter.Get(sessionID)
	if err != nil {
		return 0
	}
	return alloc.Remaining()
}

func (h *Host) agentClassFor(sessionID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.sessions[sessionID]
	if !ok {
		return "", false
	}
	return rec.agentClass, true
}

func (h *Host) stackFor(agentClass string) (*ho2.CognitiveStack, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stacks[agentClass]
	return s, ok
}

// HandleTurn runs req through the session's cognitive stack inside a
// TurnSandbox and returns a TurnResult. It never returns a non-nil
// error: every failure mode, including a missing stack or a sandbox
// write violation, is reported via TurnResult.status/error instead.
func (h *Host) HandleTurn(ctx context.Context, req TurnRequest) *TurnResult {
	start := time.Now()

	if h.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = h.cfg.Tracer.Start(ctx, "session.HandleTurn")
		defer span.End()
	}

	if !h.SessionIsActive(req.SessionID) {
		return &TurnResult{Status: StatusRejected, Error: &TurnError{Code: "SESSION_NOT_ACTIVE", Message: "no active session " + req.SessionID}, DurationMS: elapsedMS(start)}
	}
	if h.RemainingBudget(req.SessionID) <= 0 {
		return &TurnResult{Status: StatusBudgetExhausted, Error: &TurnError{Code: "BUDGET_EXHAUSTED", Message: "session budget exhausted"}, DurationMS: elapsedMS(start)}
	}

	sb, err := sandbox.Enter(h.cfg.SandboxRoot, req.SessionID, req.DeclaredOutputs)
	if err != nil {
		return &TurnResult{Status: StatusFailure, Error: &TurnError{Code: "SANDBOX_ENTER_FAILED", Message: err.Error()}, DurationMS: elapsedMS(start)}
	}
	defer sb.Exit()

	agentClass, _ := h.agentClassFor(req.SessionID)
	stack, ok := h.stackFor(agentClass)
	if !ok {
		result := h.degrade(ctx, req, start)
		return h.finalizeSandbox(sb, result)
	}

	turnResult, err := stack.HO2.HandleTurn(ctx, ho2.TurnRequest{SessionID: req.SessionID, UserMessage: req.UserMessage}, h)
	if err != nil {
		return h.finalizeSandbox(sb, &TurnResult{Status: StatusFailure, Error: &TurnError{Code: "HO2_FAILURE", Message: err.Error()}, DurationMS: elapsedMS(start)})
	}

	result := &TurnResult{
		Status:         Status(turnResult.Status),
		Response:       turnResult.ResponseText,
		TokensUsed:     TokensUsed{Input: turnResult.Tokens.Input, Output: turnResult.Tokens.Output},
		LedgerEntryIDs: turnResult.LedgerEntryIDs,
		DurationMS:     elapsedMS(start),
	}
	if turnResult.Error != nil {
		result.Error = &TurnError{Code: turnResult.Error.Code, Message: turnResult.Error.Message}
	}
	return h.finalizeSandbox(sb, result)
}

// finalizeSandbox enforces pristine-write verification: any declared
// output missing, or any undeclared write present, downgrades an
// otherwise-successful result to a capability-violation failure. This
// runs after the turn's ledger entries are already committed, so a
// violation is reported rather than silently un-committing history.
func (h *Host) finalizeSandbox(sb *sandbox.Sandbox, result *TurnResult) *TurnResult {
	verify, err := sb.VerifyWrites()
	if err != nil {
		result.Status = StatusFailure
		result.Error = &TurnError{Code: "SANDBOX_VERIFY_FAILED", Message: err.Error()}
		return result
	}
	if !verify.Valid && result.Status == StatusSuccess {
		result.Status = StatusFailure
		result.Error = &TurnError{Code: "WRITE_SURFACE_VIOLATION", Message: verify.AsViolation().Error()}
	}
	return result
}

// degrade handles the case where no stack is registered for the session's
// agent class (spec 4.11): a direct Gateway call with no prompt contract,
// logged as a DEGRADED event. Degradation after a failed dispatch happens
// inside ho2.Supervisor.
func (h *Host) degrade(ctx context.Context, req TurnRequest, start time.Time) *TurnResult {
	if h.cfg.DegradeGateway == nil {
		return &TurnResult{Status: StatusFailure, Error: &TurnError{Code: "NO_STACK", Message: "no cognitive stack registered and no degrade gateway configured"}, DurationMS: elapsedMS(start)}
	}

	resp, err := h.cfg.DegradeGateway.Route(ctx, gateway.Request{
		ScopeID:    req.SessionID,
		ProviderID: h.cfg.DegradeProviderID,
		Messages:   []gateway.Message{{Role: "user", Content: req.UserMessage}},
	})

	if h.cfg.SystemLedger != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		_, _ = h.cfg.SystemLedger.Append("DEGRADED", ledger.Metadata{
			Provenance: ledger.Provenance{SessionID: req.SessionID},
			Scope:      ledger.Scope{Tier: ledger.TierHO1},
			Outcome:    ledger.Outcome{Status: "degraded", Error: errMsg},
		})
	}

	if err != nil || resp.Outcome != gateway.OutcomeSuccess {
		return &TurnResult{Status: StatusFailure, Error: &TurnError{Code: "DEGRADE_FAILED", Message: errString(err, resp)}, DurationMS: elapsedMS(start)}
	}

	return &TurnResult{
		Status:     StatusSuccess,
		Response:   resp.Content,
		TokensUsed: TokensUsed{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens},
		DurationMS: elapsedMS(start),
	}
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func errString(err error, resp *gateway.Response) string {
	if err != nil {
		return err.Error()
	}
	if resp != nil {
		return resp.ErrorMessage
	}
	return "unknown degrade failure"
}
