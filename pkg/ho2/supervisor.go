package ho2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/gateway"
	"github.com/Mindburn-Labs/govkernel/pkg/ho1"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
	"github.com/Mindburn-Labs/govkernel/pkg/workorder"
)

// sessionLookup lets Supervisor validate WO plans against session state
// without importing pkg/session.
type sessionLookup interface {
	SessionIsActive(sessionID string) bool
	RemainingBudget(sessionID string) int64
}

// Supervisor is the C12 HO2: plans a classify/probe/synthesize WO chain,
// dispatches each WO to its stack's HO1 executor, and runs a quality
// gate on the chain's terminal output. One Supervisor exists per agent
// class (see CognitiveStack), each owning an exclusive HO2 ledger
// partition.
type Supervisor struct {
	agentClass string

	ho1       *ho1.Executor
	ho1Ledger *ledger.Client
	ho2Ledger *ledger.Client
	budgeter  *budget.Budgeter
	gateway   *gateway.Gateway

	providerID           string
	classifyContract     string
	defaultSynthContract string
	synthResolver        func(classifyOutput any) string
	probeContracts       []string

	tokenBudgetPerWO int64
	turnLimit        int
	timeoutSeconds   int

	mu           sync.Mutex
	seqBySession map[string]int
}

func (s *Supervisor) nextSeq(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqBySession[sessionID]++
	return s.seqBySession[sessionID]
}

// HandleTurn runs the full classify -> probe -> synthesize -> quality
// gate pipeline for one user message, per spec 4.10.
func (s *Supervisor) HandleTurn(ctx context.Context, req TurnRequest, sessions sessionLookup) (*TurnResult, error) {
	result := &TurnResult{}

	// 1. Classify.
	classifyWO, rootEventID, classifyTerminal, err := s.planAndExecute(
		ctx, req.SessionID, workorder.TypeClassify, s.classifyContract,
		workorder.InputContext{UserInput: req.UserMessage}, "", "", "", sessions)
	if err != nil {
		result.Status = statusForError(err)
		result.Error = &workorder.Error{Code: "CLASSIFY_PLAN_FAILED", Message: err.Error()}
		return result, nil
	}
	result.LedgerEntryIDs = append(result.LedgerEntryIDs, classifyTerminal)
	result.Tokens.Input += classifyWO.Cost.InputTokens
	result.Tokens.Output += classifyWO.Cost.OutputTokens

	if classifyWO.State == workorder.StateFailed {
		return s.degradeOrFail(ctx, req, rootEventID, classifyWO, result)
	}

	// 2. Optional probes, each independently dispatched off the same root.
	priorResults := []string{stringifyOutput(classifyWO.OutputResult)}
	for _, probeContract := range s.probeContracts {
		probeWO, _, probeTerminal, err := s.planAndExecute(
			ctx, req.SessionID, workorder.TypeClassify, probeContract,
			workorder.InputContext{UserInput: req.UserMessage, PriorResults: priorResults},
			classifyWO.WOID, classifyTerminal, rootEventID, sessions)
		if err != nil {
			continue // probes degrade by omission, not by failing the turn
		}
		result.LedgerEntryIDs = append(result.LedgerEntryIDs, probeTerminal)
		result.Tokens.Input += probeWO.Cost.InputTokens
		result.Tokens.Output += probeWO.Cost.OutputTokens
		if probeWO.State == workorder.StateCompleted {
			priorResults = append(priorResults, stringifyOutput(probeWO.OutputResult))
		}
	}

	// 3 & 4. Synthesize with the merged prior results as context.
	synthContract := s.resolveSynthContract(classifyWO.OutputResult)
	synthWO, _, synthTerminal, err := s.planAndExecute(
		ctx, req.SessionID, workorder.TypeSynthesize, synthContract,
		workorder.InputContext{UserInput: req.UserMessage, PriorResults: priorResults},
		classifyWO.WOID, classifyTerminal, rootEventID, sessions)
	if err != nil {
		result.Status = statusForError(err)
		result.Error = &workorder.Error{Code: "SYNTHESIZE_PLAN_FAILED", Message: err.Error()}
		return s.finishChain(ctx, rootEventID, result, false)
	}
	result.LedgerEntryIDs = append(result.LedgerEntryIDs, synthTerminal)
	result.Tokens.Input += synthWO.Cost.InputTokens
	result.Tokens.Output += synthWO.Cost.OutputTokens

	// 5. Quality gate.
	if qualityPass(synthWO) {
		result.Status = StatusSuccess
		result.ResponseText = responseText(synthWO.OutputResult)
		return s.finishChain(ctx, rootEventID, result, true)
	}

	// Retry once with the same contract and per-WO budget before degrading.
	retryWO, _, retryTerminal, retryErr := s.planAndExecute(
		ctx, req.SessionID, workorder.TypeSynthesize, synthContract,
		workorder.InputContext{UserInput: req.UserMessage, PriorResults: priorResults},
		synthWO.WOID, synthTerminal, rootEventID, sessions)
	if retryErr == nil && qualityPass(retryWO) {
		result.LedgerEntryIDs = append(result.LedgerEntryIDs, retryTerminal)
		result.Status = StatusSuccess
		result.ResponseText = responseText(retryWO.OutputResult)
		return s.finishChain(ctx, rootEventID, result, true)
	}

	return s.degradeOrFail(ctx, req, rootEventID, synthWO, result)
}

// planAndExecute plans a WO, appends WO_PLANNED and WO_DISPATCHED, runs
// it through HO1, and returns the terminal event id (WO_COMPLETED or
// WO_FAILED, whichever HO1 appended).
func (s *Supervisor) planAndExecute(ctx context.Context, sessionID string, woType workorder.Type, contractID string, input workorder.InputContext, parentWOID, parentEventID, rootEventID string, sessions sessionLookup) (*workorder.WorkOrder, string, string, error) {
	seq := s.nextSeq(sessionID)
	wo, err := workorder.Plan(sessionID, seq, s.agentClass, woType, input,
		workorder.Constraints{PromptContractID: contractID, TokenBudget: s.tokenBudgetPerWO, TurnLimit: s.turnLimit, TimeoutSeconds: s.timeoutSeconds},
		parentWOID, sessions, completedLookup{})
	if err != nil {
		return nil, rootEventID, "", err
	}

	plannedEntry, err := s.appendHO2("WO_PLANNED", wo, parentEventID, rootEventID, ledger.Outcome{Status: "planned"})
	if err != nil {
		return nil, rootEventID, "", err
	}
	if rootEventID == "" {
		rootEventID = plannedEntry
	}

	if err := s.budgeter.CreateScope(wo.WOID, budget.ScopeWorkOrder, wo.Constraints.TokenBudget, sessionID); err != nil {
		return nil, rootEventID, "", err
	}
	defer s.budgeter.Release(wo.WOID)

	if err := wo.Transition(workorder.StateDispatched); err != nil {
		return nil, rootEventID, "", err
	}
	dispatchedEntry, err := s.appendHO2("WO_DISPATCHED", wo, plannedEntry, rootEventID, ledger.Outcome{Status: "dispatched"})
	if err != nil {
		return nil, rootEventID, "", err
	}

	if err := s.ho1.Execute(ctx, wo, dispatchedEntry, rootEventID); err != nil {
		return wo, rootEventID, dispatchedEntry, err
	}
	return wo, rootEventID, s.terminalEventID(wo), nil
}

// terminalEventID finds the last HO1 ledger entry for this WO's
// completion or failure, used as the parent pointer for subsequent WOs.
func (s *Supervisor) terminalEventID(wo *workorder.WorkOrder) string {
	entries, err := s.ho1Ledger.ReadAll()
	if err != nil {
		return ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Metadata.Provenance.WorkOrderID == wo.WOID &&
			(entries[i].EventType == "WO_COMPLETED" || entries[i].EventType == "WO_FAILED") {
			return entries[i].EntryID
		}
	}
	return ""
}

// degradeOrFail falls back to a direct Gateway call, bypassing HO1 and
// the prompt-contract pipeline, logging the degradation to the HO2
// ledger. If the direct call also fails, the turn is reported as a
// failure (or budget_exhausted, if that was the cause).
func (s *Supervisor) degradeOrFail(ctx context.Context, req TurnRequest, rootEventID string, failedWO *workorder.WorkOrder, result *TurnResult) (*TurnResult, error) {
	if failedWO != nil && failedWO.Error != nil && failedWO.Error.Code == string(kernelerrors.KindBudgetExhausted) {
		result.Status = StatusBudgetExhausted
		result.Error = failedWO.Error
		return s.finishChain(ctx, rootEventID, result, false)
	}

	sessionScope := req.SessionID
	resp, err := s.gateway.Route(ctx, gateway.Request{
		ScopeID:    sessionScope,
		ProviderID: s.providerID,
		Messages:   []gateway.Message{{Role: "user", Content: req.UserMessage}},
	})
	result.Degraded = true
	_, _ = s.appendHO2("DEGRADED", nil, rootEventID, rootEventID, ledger.Outcome{Status: "degraded", Error: errString(err)})

	if err != nil || resp.Outcome != gateway.OutcomeSuccess {
		result.Status = StatusFailure
		if failedWO != nil {
			result.Error = failedWO.Error
		}
		return s.finishChain(ctx, rootEventID, result, false)
	}

	result.Status = StatusSuccess
	result.ResponseText = resp.Content
	result.Tokens.Input += resp.Usage.InputTokens
	result.Tokens.Output += resp.Usage.OutputTokens
	return s.finishChain(ctx, rootEventID, result, true)
}

// finishChain appends WO_CHAIN_COMPLETE and WO_QUALITY_GATE to the HO2
// ledger, each carrying trace_hash = SHA256(concat(HO1 trace entries
// for this chain, in ledger order)).
func (s *Supervisor) finishChain(ctx context.Context, rootEventID string, result *TurnResult, qualityPass bool) (*TurnResult, error) {
	trace := s.traceHash(rootEventID)

	chainStatus := "completed"
	if result.Status != StatusSuccess {
		chainStatus = "failed"
	}
	chainOutcome := ledger.Outcome{Status: chainStatus}
	chainEntry, _ := s.appendHO2WithFingerprint("WO_CHAIN_COMPLETE", rootEventID, rootEventID, chainOutcome, trace)
	gateStatus := "fail"
	if qualityPass {
		gateStatus = "pass"
	}
	gateOutcome := ledger.Outcome{Status: gateStatus}
	gateEntry, _ := s.appendHO2WithFingerprint("WO_QUALITY_GATE", chainEntry, rootEventID, gateOutcome, trace)
	if chainEntry != "" {
		result.LedgerEntryIDs = append(result.LedgerEntryIDs, chainEntry)
	}
	if gateEntry != "" {
		result.LedgerEntryIDs = append(result.LedgerEntryIDs, gateEntry)
	}
	return result, nil
}

// traceHash concatenates the entry_hash of every HO1 entry sharing
// rootEventID, in ledger write order, and SHA-256s the result.
func (s *Supervisor) traceHash(rootEventID string) string {
	entries, err := s.ho1Ledger.ReadAll()
	if err != nil {
		return ""
	}
	h := sha256.New()
	for _, e := range entries {
		if e.Metadata.Relational.RootEventID == rootEventID {
			h.Write([]byte(e.EntryHash))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// appendHO2WithFingerprint appends a chain-level event (no wo_id of its
// own) carrying the trace_hash as metadata.context_fingerprint.context_hash.
func (s *Supervisor) appendHO2WithFingerprint(eventType, parentEventID, rootEventID string, outcome ledger.Outcome, traceHash string) (string, error) {
	entry, err := s.ho2Ledger.Append(eventType, ledger.Metadata{
		Scope:              ledger.Scope{Tier: ledger.TierHO2},
		Relational:         ledger.Relational{ParentEventID: parentEventID, RootEventID: rootEventID},
		Outcome:            outcome,
		ContextFingerprint: ledger.ContextFingerprint{ContextHash: traceHash},
	})
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "HO2_LEDGER_WRITE_FAILED", err)
	}
	return entry.EntryID, nil
}

func (s *Supervisor) appendHO2(eventType string, wo *workorder.WorkOrder, parentEventID, rootEventID string, outcome ledger.Outcome) (string, error) {
	meta := ledger.Metadata{
		Scope:      ledger.Scope{Tier: ledger.TierHO2},
		Relational: ledger.Relational{ParentEventID: parentEventID, RootEventID: rootEventID},
		Outcome:    outcome,
	}
	if wo != nil {
		meta.Provenance = ledger.Provenance{WorkOrderID: wo.WOID, SessionID: wo.SessionID, AgentClass: s.agentClass}
	}
	entry, err := s.ho2Ledger.Append(eventType, meta)
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "HO2_LEDGER_WRITE_FAILED", err)
	}
	return entry.EntryID, nil
}

func (s *Supervisor) resolveSynthContract(classifyOutput any) string {
	if s.synthResolver != nil {
		if id := s.synthResolver(classifyOutput); id != "" {
			return id
		}
	}
	return s.defaultSynthContract
}

// completedLookup treats every parent WO as completed; HO2 only ever
// chains a new WO off a terminal entry it just observed.
type completedLookup struct{}

func (completedLookup) IsCompleted(woID string) bool { return true }

func qualityPass(wo *workorder.WorkOrder) bool {
	if wo == nil || wo.State != workorder.StateCompleted {
		return false
	}
	return responseText(wo.OutputResult) != ""
}

func responseText(output any) string {
	m, ok := output.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["response_text"].(string)
	return s
}

func stringifyOutput(output any) string {
	m, ok := output.(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := m["response_text"].(string); ok {
		return s
	}
	return ""
}

func statusForError(err error) Status {
	if ke, ok := kernelerrors.AsKernelError(err); ok && ke.Kind == kernelerrors.KindBudgetExhausted {
		return StatusBudgetExhausted
	}
	return StatusFailure
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
