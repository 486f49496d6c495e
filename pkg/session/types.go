// Package session implements SessionHost (C13): the turn loop that
// accepts a TurnRequest, resolves the calling agent class's cognitive
// stack, runs the turn inside a TurnSandbox, and always returns a
// TurnResult rather than propagating an error to the caller. The
// decode-validate-call-encode shape at the wire boundary is grounded on
// the teacher's memory service handlers (pkg/api/handlers.go); the
// "never throw to the caller, always answer with a typed result"
// posture generalizes HO1's own outcome-checking discipline
// (pkg/ho1/executor.go) up one layer.
package session

import "github.com/Mindburn-Labs/govkernel/pkg/sandbox"

// TurnRequest is the C13 wire-level request, per spec section 6.
type TurnRequest struct {
	SessionID       string                    `json:"session_id"`
	TurnNumber      int                       `json:"turn_number"`
	UserMessage     string                    `json:"user_message"`
	DeclaredInputs  []string                  `json:"declared_inputs,omitempty"`
	DeclaredOutputs []sandbox.DeclaredOutput  `json:"declared_outputs,omitempty"`
	WorkOrderID     string                    `json:"work_order_id,omitempty"`
}

// Status mirrors the wire-level TurnResult.status enum.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusFailure         Status = "failure"
	StatusRejected        Status = "rejected"
	StatusTimeout         Status = "timeout"
	StatusBudgetExhausted Status = "budget_exhausted"
)

// TokensUsed is the wire-level token accounting for a turn.
type TokensUsed struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// TurnError carries a code/message pair when status != success.
type TurnError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TurnResult is the C13 wire-level response, per spec section 6.
type TurnResult struct {
	Status         Status     `json:"status"`
	Response       string     `json:"response,omitempty"`
	TokensUsed     TokensUsed `json:"tokens_used"`
	LedgerEntryIDs []string   `json:"ledger_entry_ids"`
	Error          *TurnError `json:"error,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
}
