// Package gateway implements the LLM Gateway's ten-step route pipeline:
// auth, budget check, circuit breaker, dispatch, timeout enforcement, and
// budget debit, wrapping an arbitrary Provider the way the teacher's
// llm.Client/llm.Router pair wraps a chat backend (pkg/llm/client.go,
// pkg/llm/router.go), and borrowing its circuit breaker state machine
// from pkg/util/resiliency/client.go.
package gateway

import "context"

// Message is one turn of a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a tool a provider may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token counts for a provider call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ProviderResponse is what a Provider returns for one call.
type ProviderResponse struct {
	Content      string     `json:"content"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason"`
	Error        string     `json:"error,omitempty"`
}

// Provider is the external LLM backend, consumed through an interface per
// the out-of-scope boundary: the wire protocol itself is an external
// collaborator.
type Provider interface {
	Send(ctx context.Context, messages []Message, tools []ToolDefinition, contract Contract, devMode bool) (*ProviderResponse, error)
}

// Contract carries the subset of a prompt contract the provider needs to
// see (schema hints, sampling policy); HO1 owns the full contract.
type Contract struct {
	ContractID   string         `json:"contract_id"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}
