package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/govkernel/pkg/util/resiliency"
)

// OpenAIProvider dispatches gateway.Request over the OpenAI chat completions
// wire format, grounded on the teacher's pkg/llm/openai.go. Unlike the
// teacher's OpenAIClient, it sends through a resiliency.EnhancedClient
// instead of a bare http.Client, so every call gets retry-with-jitter and
// trace-parent injection without Route's own circuit breaker duplicating
// that logic per provider.
type OpenAIProvider struct {
	apiKey string
	model  string
	url    string
	client *resiliency.EnhancedClient
}

// NewOpenAIProvider builds a provider bound to model, authenticating with
// apiKey. url defaults to the public chat completions endpoint when empty,
// letting tests point it at a local stub server.
func NewOpenAIProvider(apiKey, model, url string) *OpenAIProvider {
	if url == "" {
		url = "https://api.openai.com/v1/chat/completions"
	}
	return &OpenAIProvider{
		apiKey: apiKey,
		model:  model,
		url:    url,
		client: resiliency.NewEnhancedClient(),
	}
}

type openAITool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type openAIRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	Tools    []openAITool `json:"tools,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Send implements gateway.Provider. contract and devMode are not meaningful
// to the raw OpenAI wire format; devMode callers should prefer a stub
// Provider instead of paying for a real call.
func (p *OpenAIProvider) Send(ctx context.Context, messages []Message, tools []ToolDefinition, contract Contract, devMode bool) (*ProviderResponse, error) {
	var oaiTools []openAITool
	for _, t := range tools {
		oaiTools = append(oaiTools, openAITool{Type: "function", Function: t})
	}

	body, err := json.Marshal(openAIRequest{Model: p.model, Messages: messages, Tools: oaiTools})
	if err != nil {
		return nil, fmt.Errorf("openai provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var oaiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai provider: decode response: %w", err)
	}
	if oaiResp.Error != nil {
		return &ProviderResponse{Error: oaiResp.Error.Message}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderResponse{Error: fmt.Sprintf("openai provider: status %d", resp.StatusCode)}, nil
	}
	if len(oaiResp.Choices) == 0 {
		return &ProviderResponse{Error: "openai provider: empty choices in response"}, nil
	}

	choice := oaiResp.Choices[0]
	return &ProviderResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
		},
	}, nil
}
