package attention

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Assembler executes the attention pipeline: resolve a template, merge
// required context, run stages in order under budget enforcement, and
// cache the result.
type Assembler struct {
	store   *TemplateStore
	runner  *stageRunner
	cache   *Cache
	clock   func() time.Time
}

// NewAssembler builds an Assembler over a template store and its stage
// collaborators. ledgerQuery/registry may be nil if unused by any
// template in store.
func NewAssembler(store *TemplateStore, ledgerQuery LedgerQuerier, registry RegistryReader, customs map[string]CustomHandler, cacheTTL time.Duration) *Assembler {
	if customs == nil {
		customs = make(map[string]CustomHandler)
	}
	return &Assembler{
		store: store,
		runner: &stageRunner{
			ledgerQuery: ledgerQuery,
			registry:    registry,
			customs:     customs,
			maxFileSize: 1 << 20,
		},
		cache: NewCache(cacheTTL),
		clock: time.Now,
	}
}

// Assemble builds context for one HO1 execution.
func (a *Assembler) Assemble(req Request) (AssembledContext, error) {
	tmpl, err := a.store.Resolve(req)
	if err != nil {
		return AssembledContext{}, err
	}
	tmpl = MergeRequiredContext(tmpl, req.RequiredContext)

	if cached, ok := a.cache.Get(tmpl.TemplateID, req); ok {
		cached.FromCache = true
		return cached, nil
	}

	start := a.clock()
	var fragments []Fragment
	var trace []StageTrace
	tierScope := req.Tier
	queriesExecuted := 0
	budget := tmpl.Budget
	if budget.CharsPerToken <= 0 {
		budget.CharsPerToken = 4
	}

	timedOut := false
	for i := 0; i < len(tmpl.Pipeline); i++ {
		stage := tmpl.Pipeline[i]
		if !stage.Enabled {
			trace = append(trace, StageTrace{Stage: stage.Stage, Status: StageSkipped})
			continue
		}

		elapsed := a.clock().Sub(start).Milliseconds()
		tokensAssembled := sumTokens(fragments)
		if budget.TimeoutMS > 0 && int(elapsed) >= budget.TimeoutMS {
			timedOut = true
			trace = append(trace, StageTrace{Stage: stage.Stage, Status: StageTimeout, ElapsedMS: elapsed})
			break
		}
		if budget.MaxContextTokens > 0 && tokensAssembled >= budget.MaxContextTokens {
			timedOut = true
			trace = append(trace, StageTrace{Stage: stage.Stage, Status: StageSkipped})
			break
		}
		if budget.MaxQueries > 0 && queriesExecuted >= budget.MaxQueries {
			timedOut = true
			trace = append(trace, StageTrace{Stage: stage.Stage, Status: StageSkipped})
			break
		}

		switch stage.Type {
		case StageStructuring:
			before := a.clock()
			fragments = structure(fragments, stage.Config, budget)
			trace = append(trace, StageTrace{Stage: stage.Stage, Status: StageOK, TokensProduced: sumTokens(fragments), ElapsedMS: a.clock().Sub(before).Milliseconds()})
			continue
		case StageHalting:
			satisfied, minFragments, minTokens := haltingCheck(stage.Config, fragments, budget, tokensAssembled)
			if !satisfied && i > 0 {
				// re-run the prior search-capable stage once with relaxed params
				prior := tmpl.Pipeline[i-1]
				if isSearchStage(prior.Type) {
					relaxed := relaxConfig(prior.Config)
					frags, status, q, err := a.runner.run(StageConfig{Stage: prior.Stage + "_relaxed", Type: prior.Type, Enabled: true, Config: relaxed}, req, &tierScope, fragments)
					queriesExecuted += q
					if err != nil {
						slog.Warn("attention: halting re-run failed", "stage", prior.Stage, "error", err)
					}
					fragments = append(fragments, frags...)
					trace = append(trace, StageTrace{Stage: stage.Stage + "_rerun", Status: status})
				}
			}
			_ = minFragments
			_ = minTokens
			trace = append(trace, StageTrace{Stage: stage.Stage, Status: StageOK})
			continue
		}

		before := a.clock()
		frags, status, q, err := a.runner.run(stage, req, &tierScope, fragments)
		elapsedMS := a.clock().Sub(before).Milliseconds()
		queriesExecuted += q
		if err != nil {
			slog.Warn("attention: stage failed, continuing", "stage", stage.Stage, "type", stage.Type, "error", err)
		}
		fragments = append(fragments, frags...)
		trace = append(trace, StageTrace{Stage: stage.Stage, Status: status, TokensProduced: sumTokens(frags), QueriesExecuted: q, ElapsedMS: elapsedMS})
	}

	if timedOut {
		switch tmpl.Fallback.OnTimeout {
		case "use_cached":
			if cached, ok := a.cache.Get(tmpl.TemplateID, req); ok {
				cached.FromCache = true
				return cached, nil
			}
			// fall through to partial
		case "fail":
			return AssembledContext{PipelineTrace: trace}, nil
		}
		// default / return_partial: keep whatever fragments were gathered
	}

	contextText := renderContext(fragments)
	result := AssembledContext{
		ContextText:   contextText,
		ContextHash:   hashContext(contextText),
		Fragments:     fragments,
		PipelineTrace: trace,
	}

	if len(fragments) == 0 && tmpl.Fallback.OnEmpty == "return_partial" {
		// nothing further to do; an empty context is itself the partial result
	}

	a.cache.Set(tmpl.TemplateID, req, result)
	return result, nil
}

func sumTokens(fragments []Fragment) int {
	total := 0
	for _, f := range fragments {
		total += f.TokenEstimate
	}
	return total
}

func isSearchStage(t StageType) bool {
	return t == StageLedgerQuery || t == StageRegistryQuery || t == StageHorizontalSearch || t == StageFileRead
}

func relaxConfig(cfg map[string]any) map[string]any {
	relaxed := make(map[string]any, len(cfg))
	for k, v := range cfg {
		relaxed[k] = v
	}
	if threshold, ok := relaxed["relevance_threshold"].(float64); ok {
		relaxed["relevance_threshold"] = threshold * 0.5
	}
	if maxEntries, ok := relaxed["max_entries"].(int); ok {
		relaxed["max_entries"] = maxEntries * 2
	}
	return relaxed
}

func haltingCheck(cfg map[string]any, fragments []Fragment, budget BudgetConfig, tokensAssembled int) (satisfied bool, minFragments, minTokens int) {
	minFragments = 1
	if v, ok := cfg["min_fragments"].(int); ok {
		minFragments = v
	}
	minTokens = 0
	if v, ok := cfg["min_tokens"].(int); ok {
		minTokens = v
	}
	hasBudgetRemaining := budget.MaxContextTokens == 0 || tokensAssembled < budget.MaxContextTokens
	enoughFragments := len(fragments) >= minFragments
	enoughTokens := tokensAssembled >= minTokens
	satisfied = (enoughFragments && enoughTokens) || !hasBudgetRemaining
	return satisfied, minFragments, minTokens
}

// structure dedupes overlapping fragments (hash-prefix + substring
// match), drops lowest-relevance fragments until within the token
// budget, and reorders per the configured strategy.
func structure(fragments []Fragment, cfg map[string]any, budget BudgetConfig) []Fragment {
	deduped := dedupeFragments(fragments)

	if budget.MaxContextTokens > 0 {
		total := sumTokens(deduped)
		if total > budget.MaxContextTokens {
			sort.SliceStable(deduped, func(i, j int) bool {
				return deduped[i].RelevanceScore > deduped[j].RelevanceScore
			})
			kept := make([]Fragment, 0, len(deduped))
			running := 0
			for _, f := range deduped {
				if running+f.TokenEstimate > budget.MaxContextTokens {
					continue
				}
				kept = append(kept, f)
				running += f.TokenEstimate
			}
			deduped = kept
		}
	}

	strategy, _ := cfg["reorder"].(string)
	switch strategy {
	case "relevance_desc":
		sort.SliceStable(deduped, func(i, j int) bool { return deduped[i].RelevanceScore > deduped[j].RelevanceScore })
	case "source_order":
		// fragments already in pipeline execution order
	}
	return deduped
}

func dedupeFragments(fragments []Fragment) []Fragment {
	seen := make(map[string]bool)
	out := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		prefix := hashPrefix(f.Content)
		key := prefix
		if seen[key] {
			continue
		}
		isSubstring := false
		for _, kept := range out {
			if len(f.Content) > 0 && strings.Contains(kept.Content, f.Content) {
				isSubstring = true
				break
			}
		}
		if isSubstring {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func hashPrefix(content string) string {
	h := md5.Sum([]byte(content))
	return hex.EncodeToString(h[:])[:8]
}

func renderContext(fragments []Fragment) string {
	var b strings.Builder
	for _, f := range fragments {
		b.WriteString("[")
		b.WriteString(f.Source)
		b.WriteString(":")
		b.WriteString(f.SourceID)
		b.WriteString("]\n")
		b.WriteString(f.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
