// Package ho1 implements the HO1 Executor (C11): consumes a planned
// WorkOrder, resolves its prompt contract, assembles context, renders a
// prompt, routes it through the gateway, validates the output, and
// records the full provenance chain to the originating tier's ledger.
// The numbered-steps-with-fail-closed-checks shape is grounded on the
// teacher's SafeExecutor.Execute pipeline (pkg/executor/executor.go).
package ho1

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Mindburn-Labs/govkernel/pkg/attention"
	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/gateway"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
	"github.com/Mindburn-Labs/govkernel/pkg/schema"
	"github.com/Mindburn-Labs/govkernel/pkg/workorder"
)

// ToolInvoker dispatches a named tool call, gated by tools_allowed.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// Executor runs WorkOrders to completion.
type Executor struct {
	contracts ContractStore
	attention *attention.Assembler
	gateway   *gateway.Gateway
	budgeter  *budget.Budgeter
	schemas   *schema.Registry
	ledger    *ledger.Client
	tools     ToolInvoker
	providerID string
}

// New builds an HO1 executor over its collaborators.
func New(contracts ContractStore, attn *attention.Assembler, gw *gateway.Gateway, budgeter *budget.Budgeter, schemas *schema.Registry, led *ledger.Client, tools ToolInvoker, providerID string) *Executor {
	return &Executor{contracts: contracts, attention: attn, gateway: gw, budgeter: budgeter, schemas: schemas, ledger: led, tools: tools, providerID: providerID}
}

// Execute runs wo through its full lifecycle, mutating its state in
// place and appending WO_EXECUTING / LLM_CALL or TOOL_CALL /
// WO_COMPLETED|WO_FAILED to the HO1 ledger.
func (e *Executor) Execute(ctx context.Context, wo *workorder.WorkOrder, parentEventID, rootEventID string) error {
	if err := wo.Transition(workorder.StateExecuting); err != nil {
		return err
	}
	executingEntry, err := e.appendEntry("WO_EXECUTING", wo, parentEventID, rootEventID, ledger.Outcome{Status: "executing"})
	if err != nil {
		return err
	}

	// 1. Allocate per-call budget scope from the WO scope.
	callScopeID := wo.WOID + "-call"
	if err := e.budgeter.CreateScope(callScopeID, budget.ScopeCall, wo.Constraints.TokenBudget, wo.WOID); err != nil {
		return e.fail(wo, "BUDGET_SCOPE_FAILED", err.Error(), executingEntry, rootEventID)
	}
	defer e.budgeter.Release(callScopeID)

	if wo.WOType == workorder.TypeToolCall {
		return e.executeTool(ctx, wo, executingEntry, rootEventID, callScopeID)
	}
	return e.executeLLM(ctx, wo, executingEntry, rootEventID, callScopeID)
}

func (e *Executor) executeLLM(ctx context.Context, wo *workorder.WorkOrder, executingEntry, rootEventID, callScopeID string) error {
	// 2. Load prompt contract.
	contract, err := e.contracts.Load(wo.Constraints.PromptContractID)
	if err != nil {
		return e.fail(wo, "CONTRACT_LOAD_FAILED", err.Error(), executingEntry, rootEventID)
	}

	// 3. Invoke Attention, if the contract declares required context.
	assembledText := wo.InputContext.AssembledContext
	if e.attention != nil && hasRequiredContext(contract.RequiredContext) {
		assembled, err := e.attention.Assemble(attention.Request{
			WorkOrderID:     wo.WOID,
			SessionID:       wo.SessionID,
			RequiredContext: contract.RequiredContext,
		})
		if err != nil {
			return e.fail(wo, "ATTENTION_FAILED", err.Error(), executingEntry, rootEventID)
		}
		assembledText = assembled.ContextText
	}

	// 4. Render prompt.
	prompt := renderTemplate(contract.Template, assembledText, wo.InputContext.UserInput)

	// 5. Call Gateway.
	resp, err := e.gateway.Route(ctx, gateway.Request{
		ScopeID:        callScopeID,
		ProviderID:     e.providerID,
		Messages:       []gateway.Message{{Role: "user", Content: prompt}},
		Contract:       gateway.Contract{ContractID: contract.ContractID, OutputSchema: contract.OutputSchema},
		TimeoutSeconds: wo.Constraints.TimeoutSeconds,
	})
	if err != nil {
		return e.fail(wo, "GATEWAY_ERROR", err.Error(), executingEntry, rootEventID)
	}

	wo.Cost.LLMCalls++
	wo.Cost.InputTokens += resp.Usage.InputTokens
	wo.Cost.OutputTokens += resp.Usage.OutputTokens
	wo.Cost.TotalTokens = wo.Cost.InputTokens + wo.Cost.OutputTokens

	llmEntry, err := e.appendEntry("LLM_CALL", wo, executingEntry, rootEventID, ledger.Outcome{Status: string(resp.Outcome)})
	if err != nil {
		return err
	}

	// 6. Non-SUCCESS outcomes fail the WO; content is never passed upward.
	if resp.Outcome != gateway.OutcomeSuccess {
		code := string(resp.Outcome)
		if resp.ErrorCode == "BUDGET_EXHAUSTED" {
			code = resp.ErrorCode
		}
		return e.fail(wo, code, resp.ErrorMessage, llmEntry, rootEventID)
	}

	// 7. Validate output against contract.output_schema.
	output, err := e.validateOutput(contract, resp.Content)
	if err != nil {
		return e.fail(wo, "OUTPUT_INVALID", err.Error(), llmEntry, rootEventID)
	}
	wo.OutputResult = output

	if err := wo.Transition(workorder.StateCompleted); err != nil {
		return err
	}
	_, err = e.appendEntry("WO_COMPLETED", wo, llmEntry, rootEventID, ledger.Outcome{Status: "completed"})
	return err
}

func (e *Executor) executeTool(ctx context.Context, wo *workorder.WorkOrder, executingEntry, rootEventID, callScopeID string) error {
	// The dispatching HO2 names exactly one tool per tool_call WO; gating
	// against tools_allowed happens at plan time (workorder.Plan), so the
	// only remaining checks here are that a tool was declared and that the
	// executor has a tool invoker.
	if len(wo.Constraints.ToolsAllowed) == 0 || e.tools == nil {
		return e.fail(wo, "TOOL_NOT_ALLOWED", "no tool declared in tools_allowed or no tool invoker configured", executingEntry, rootEventID)
	}
	requestedTool := wo.Constraints.ToolsAllowed[0]

	result, err := e.tools.Invoke(ctx, requestedTool, map[string]any{"input": wo.InputContext.UserInput})
	if err != nil {
		return e.fail(wo, "TOOL_CALL_FAILED", err.Error(), executingEntry, rootEventID)
	}
	wo.Cost.ToolCalls++
	wo.OutputResult = result

	toolEntry, err := e.appendEntry("TOOL_CALL", wo, executingEntry, rootEventID, ledger.Outcome{Status: "completed"})
	if err != nil {
		return err
	}

	if err := wo.Transition(workorder.StateCompleted); err != nil {
		return err
	}
	_, err = e.appendEntry("WO_COMPLETED", wo, toolEntry, rootEventID, ledger.Outcome{Status: "completed"})
	return err
}

func (e *Executor) validateOutput(contract *PromptContract, content string) (any, error) {
	if contract.OutputSchema == nil {
		return map[string]any{"response_text": content}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindOutputInvalid, "OUTPUT_NOT_JSON", err)
	}
	if e.schemas != nil && e.schemas.Known(contract.ContractID) {
		if err := e.schemas.Validate(contract.ContractID, parsed); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

func (e *Executor) fail(wo *workorder.WorkOrder, code, message string, parentEntryID, rootEventID string) error {
	_ = wo.Fail(code, message, "execution failure")
	_, logErr := e.appendEntry("WO_FAILED", wo, parentEntryID, rootEventID, ledger.Outcome{Status: "failed", Error: message})
	if logErr != nil {
		return logErr
	}
	return nil
}

func (e *Executor) appendEntry(eventType string, wo *workorder.WorkOrder, parentEventID, rootEventID string, outcome ledger.Outcome) (string, error) {
	entry, err := e.ledger.Append(eventType, ledger.Metadata{
		Provenance: ledger.Provenance{WorkOrderID: wo.WOID, SessionID: wo.SessionID},
		Scope:      ledger.Scope{Tier: ledger.TierHO1},
		Relational: ledger.Relational{ParentEventID: parentEventID, RootEventID: rootEventID},
		Outcome:    outcome,
	})
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "HO1_LEDGER_WRITE_FAILED", err)
	}
	return entry.EntryID, nil
}

func renderTemplate(template, context, userInput string) string {
	out := strings.ReplaceAll(template, "{{context}}", context)
	out = strings.ReplaceAll(out, "{{user_input}}", userInput)
	return out
}

func hasRequiredContext(rc attention.RequiredContext) bool {
	return len(rc.LedgerQueries) > 0 || len(rc.FrameworkRefs) > 0 || len(rc.FileRefs) > 0
}
