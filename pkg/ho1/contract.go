package ho1

import (
	"github.com/Mindburn-Labs/govkernel/pkg/attention"
)

// PromptContract is the HOT-owned, read-only-at-runtime contract a WO
// references via constraints.prompt_contract_id.
type PromptContract struct {
	ContractID      string                   `json:"contract_id"`
	InputSchema     map[string]any           `json:"input_schema,omitempty"`
	OutputSchema    map[string]any           `json:"output_schema,omitempty"`
	Template        string                   `json:"template"`
	RequiredContext attention.RequiredContext `json:"required_context"`
	Tools           []string                 `json:"tools,omitempty"`
	BudgetDefaults  int64                    `json:"budget_defaults,omitempty"`
}

// ContractStore resolves prompt contracts by ID.
type ContractStore interface {
	Load(contractID string) (*PromptContract, error)
}
