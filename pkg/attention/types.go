// Package attention implements the AttentionService (C7): template
// resolution, a config-driven pipeline of context-gathering stages, token
// budget enforcement, and result caching. Stage orchestration follows the
// shape of the teacher's RAG assembler (pkg/context/assembler.go) —
// build a string context, warn-and-continue on partial failures, prefer
// structured slog over ad hoc logging — generalized from one hardcoded
// sequence into the declarative pipeline the templates describe.
package attention

import (
	"crypto/sha256"
	"encoding/hex"
)

// StageType enumerates the pipeline stage kinds a template may declare.
type StageType string

const (
	StageTierSelect      StageType = "tier_select"
	StageLedgerQuery     StageType = "ledger_query"
	StageRegistryQuery   StageType = "registry_query"
	StageFileRead        StageType = "file_read"
	StageHorizontalSearch StageType = "horizontal_search"
	StageStructuring     StageType = "structuring"
	StageHalting         StageType = "halting"
	StageCustom          StageType = "custom"
)

// StageConfig is one step of a template's pipeline.
type StageConfig struct {
	Stage   string         `json:"stage"`
	Type    StageType      `json:"type"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`
}

// BudgetConfig bounds one assemble() call.
type BudgetConfig struct {
	MaxContextTokens int     `json:"max_context_tokens"`
	MaxQueries       int     `json:"max_queries"`
	TimeoutMS        int     `json:"timeout_ms"`
	CharsPerToken    float64 `json:"chars_per_token"`
}

// FallbackConfig governs degraded-path behavior.
type FallbackConfig struct {
	OnEmpty   string `json:"on_empty"`   // e.g. "return_partial"
	OnTimeout string `json:"on_timeout"` // "return_partial" | "fail" | "use_cached"
}

// AppliesTo is the template's matching criteria.
type AppliesTo struct {
	AgentClass  []string `json:"agent_class,omitempty"`
	FrameworkID []string `json:"framework_id,omitempty"`
	Tier        []string `json:"tier,omitempty"`
}

// Template is an Attention Template as owned by the HOT registry.
type Template struct {
	TemplateID string        `json:"template_id"`
	AppliesTo  AppliesTo     `json:"applies_to"`
	Pipeline   []StageConfig `json:"pipeline"`
	Budget     BudgetConfig  `json:"budget"`
	Fallback   FallbackConfig `json:"fallback"`
}

// RequiredContext is pulled from a Prompt Contract to fill pipeline gaps.
type RequiredContext struct {
	LedgerQueries []map[string]any `json:"ledger_queries,omitempty"`
	FrameworkRefs []string         `json:"framework_refs,omitempty"`
	FileRefs      []string         `json:"file_refs,omitempty"`
}

// Request describes one assemble() invocation.
type Request struct {
	AgentID         string
	AgentClass      string
	FrameworkID     string
	Tier            string
	WorkOrderID     string
	SessionID       string
	TemplateOverride string // explicit override beats match
	RequiredContext RequiredContext
}

// Fragment is one piece of assembled context.
type Fragment struct {
	Source         string  `json:"source"` // ledger_query, registry_query, file_read; horizontal_search keeps the scored fragment's source
	SourceID       string  `json:"source_id"`
	Content        string  `json:"content"`
	TokenEstimate  int     `json:"token_estimate"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// StageStatus is the per-stage outcome recorded in the pipeline trace.
type StageStatus string

const (
	StageOK        StageStatus = "ok"
	StageTruncated StageStatus = "truncated"
	StageTimeout   StageStatus = "timeout"
	StageEmpty     StageStatus = "empty"
	StageSkipped   StageStatus = "skipped"
)

// StageTrace records one stage's execution.
type StageTrace struct {
	Stage          string      `json:"stage"`
	Status         StageStatus `json:"status"`
	TokensProduced int         `json:"tokens_produced"`
	QueriesExecuted int        `json:"queries_executed"`
	ElapsedMS      int64       `json:"elapsed_ms"`
}

// AssembledContext is what assemble() returns.
type AssembledContext struct {
	ContextText  string       `json:"context_text"`
	ContextHash  string       `json:"context_hash"`
	Fragments    []Fragment   `json:"fragments"`
	PipelineTrace []StageTrace `json:"pipeline_trace"`
	FromCache    bool         `json:"from_cache"`
}

func hashContext(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
