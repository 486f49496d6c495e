// Package ho2 implements the HO2 Supervisor and the CognitiveStack
// factory (C12): one HO2/HO1 pair per agent class, each with its own
// ledger partition, dispatching a classify/probe/synthesize WO chain
// through HO1 and applying a quality gate to the chain's terminal
// output. The tool-routing dispatch shape is grounded on the teacher's
// KernelBridge.Dispatch (pkg/agent/adapter.go): a single entry point
// that plans work, hands it to a lower layer, and fails closed when
// the lower layer rejects it.
package ho2

import "github.com/Mindburn-Labs/govkernel/pkg/workorder"

// TurnRequest is what SessionHost hands to a stack's Supervisor.
type TurnRequest struct {
	SessionID   string
	UserMessage string
}

// TokensUsed summarizes a turn's consumption for the caller.
type TokensUsed struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Status is the outcome of a handled turn.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusFailure         Status = "failure"
	StatusRejected        Status = "rejected"
	StatusTimeout         Status = "timeout"
	StatusBudgetExhausted Status = "budget_exhausted"
)

// TurnResult is the C12-level outcome of handleTurn; SessionHost
// reshapes it into the wire-level TurnResult of §6.
type TurnResult struct {
	Status         Status
	ResponseText   string
	Tokens         TokensUsed
	LedgerEntryIDs []string
	Degraded       bool
	Error          *workorder.Error
}
