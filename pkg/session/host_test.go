package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govkernel/pkg/budget"
	"github.com/Mindburn-Labs/govkernel/pkg/gateway"
	"github.com/Mindburn-Labs/govkernel/pkg/ho1"
	"github.com/Mindburn-Labs/govkernel/pkg/ho2"
	"github.com/Mindburn-Labs/govkernel/pkg/schema"
)

type stubContracts struct{}

func (stubContracts) Load(id string) (*ho1.PromptContract, error) {
	return &ho1.PromptContract{ContractID: id, Template: "{{user_input}}"}, nil
}

type constantProvider struct{ text string }

func (p constantProvider) Send(ctx context.Context, messages []gateway.Message, tools []gateway.ToolDefinition, contract gateway.Contract, devMode bool) (*gateway.ProviderResponse, error) {
	return &gateway.ProviderResponse{Content: p.text, Usage: gateway.Usage{InputTokens: 3, OutputTokens: 2}, FinishReason: "stop"}, nil
}

func newTestHost(t *testing.T, registerStack bool) *Host {
	t.Helper()
	b := budget.New()
	gw := gateway.New(map[string]gateway.Provider{"fast": constantProvider{text: "hi there"}}, b, gateway.NewBreakers(5, 0), nil)

	host := NewHost(HostConfig{
		SandboxRoot:       t.TempDir(),
		Budgeter:          b,
		DegradeGateway:    gw,
		DegradeProviderID: "fast",
	})

	if registerStack {
		stack, err := ho2.NewStack("chat", ho2.StackConfig{
			Root:                     t.TempDir(),
			Budgeter:                 b,
			Gateway:                  gw,
			Schemas:                  schema.NewRegistry(),
			Contracts:                stubContracts{},
			ProviderID:               "fast",
			ClassifyContractID:       "CLS",
			DefaultSynthesisContract: "SYN",
			TokenBudgetPerWO:         500,
			TimeoutSeconds:           5,
		})
		require.NoError(t, err)
		t.Cleanup(func() { stack.Close() })
		host.RegisterStack(stack)
	}

	return host
}

func TestHandleTurnSuccessThroughStack(t *testing.T) {
	host := newTestHost(t, true)
	require.NoError(t, host.CreateSession("ses-1", "chat", 10_000))

	result := host.HandleTurn(context.Background(), TurnRequest{SessionID: "ses-1", TurnNumber: 1, UserMessage: "hello"})
	require.NotNil(t, result)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hi there", result.Response)
	assert.NotEmpty(t, result.LedgerEntryIDs)
}

func TestHandleTurnRejectsInactiveSession(t *testing.T) {
	host := newTestHost(t, true)
	result := host.HandleTurn(context.Background(), TurnRequest{SessionID: "nope", UserMessage: "hi"})
	assert.Equal(t, StatusRejected, result.Status)
}

func TestHandleTurnDegradesWhenNoStackRegistered(t *testing.T) {
	host := newTestHost(t, false)
	require.NoError(t, host.CreateSession("ses-1", "unregistered-class", 10_000))

	result := host.HandleTurn(context.Background(), TurnRequest{SessionID: "ses-1", UserMessage: "hello"})
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hi there", result.Response)
}

func TestHandleTurnReportsBudgetExhausted(t *testing.T) {
	host := newTestHost(t, true)
	require.NoError(t, host.CreateSession("ses-1", "chat", 1))
	_, err := host.cfg.Budgeter.Debit("ses-1", budget.Cost{Tokens: 1, Reason: "drain"})
	require.NoError(t, err)

	result := host.HandleTurn(context.Background(), TurnRequest{SessionID: "ses-1", UserMessage: "hello"})
	assert.Equal(t, StatusBudgetExhausted, result.Status)
}

func TestEndSessionDeactivates(t *testing.T) {
	host := newTestHost(t, true)
	require.NoError(t, host.CreateSession("ses-1", "chat", 1000))
	host.EndSession("ses-1")
	assert.False(t, host.SessionIsActive("ses-1"))
}
