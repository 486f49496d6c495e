package attention

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// LedgerQuerier is the subset of LedgerQuery (C8) the attention pipeline
// needs; consumed through an interface so this package never imports
// ledgerquery directly.
type LedgerQuerier interface {
	QueryForAttention(tier string, eventType string, maxEntries int, recency string) ([]map[string]any, error)
}

// RegistryReader reads CSV registry rows matching a filter, as loaded
// from the framework/spec/package registries.
type RegistryReader interface {
	QueryRows(registry string, filters map[string]any) ([]map[string]string, error)
}

// CustomHandler implements a "custom" pipeline stage.
type CustomHandler func(req Request, cfg map[string]any) ([]Fragment, error)

// stageRunner carries the collaborators every stage needs; built once per
// Assembler and threaded through stage execution.
type stageRunner struct {
	ledgerQuery LedgerQuerier
	registry    RegistryReader
	customs     map[string]CustomHandler
	maxFileSize int64
}

// run executes one pipeline stage. accumulated holds every fragment
// gathered by earlier stages this Assemble() call, so a stage that
// searches over prior output (StageHorizontalSearch) has something to
// search.
func (r *stageRunner) run(stage StageConfig, req Request, tierScope *string, accumulated []Fragment) ([]Fragment, StageStatus, int, error) {
	switch stage.Type {
	case StageTierSelect:
		if tier, ok := stage.Config["tier"].(string); ok {
			*tierScope = tier
		}
		return nil, StageOK, 0, nil

	case StageLedgerQuery:
		return r.runLedgerQuery(stage, tierScope)

	case StageRegistryQuery:
		return r.runRegistryQuery(stage)

	case StageFileRead:
		return r.runFileRead(stage)

	case StageHorizontalSearch:
		return r.runHorizontalSearch(stage, req, accumulated)

	case StageCustom:
		handler, ok := r.customs[stage.Stage]
		if !ok {
			return nil, StageSkipped, 0, fmt.Errorf("attention: no custom handler registered for stage %q", stage.Stage)
		}
		frags, err := handler(req, stage.Config)
		if err != nil {
			return nil, StageSkipped, 0, err
		}
		return frags, StageOK, 1, nil

	default:
		return nil, StageSkipped, 0, fmt.Errorf("attention: stage type %q has no executable semantics here (structuring/halting run in the pipeline driver)", stage.Type)
	}
}

func (r *stageRunner) runLedgerQuery(stage StageConfig, tierScope *string) ([]Fragment, StageStatus, int, error) {
	if r.ledgerQuery == nil {
		return nil, StageEmpty, 0, nil
	}
	eventType, _ := stage.Config["event_type"].(string)
	maxEntries := 50
	if v, ok := stage.Config["max_entries"].(int); ok {
		maxEntries = v
	}
	recency, _ := stage.Config["recency"].(string)
	tier := ""
	if tierScope != nil {
		tier = *tierScope
	}

	entries, err := r.ledgerQuery.QueryForAttention(tier, eventType, maxEntries, recency)
	if err != nil {
		return nil, StageSkipped, 1, err
	}
	if len(entries) == 0 {
		return nil, StageEmpty, 1, nil
	}

	frags := make([]Fragment, 0, len(entries))
	for i, e := range entries {
		content := fmt.Sprintf("%v", e)
		frags = append(frags, Fragment{
			Source:        "ledger_query",
			SourceID:      fmt.Sprintf("%s-%d", eventType, i),
			Content:       content,
			TokenEstimate: estimateTokens(content, 4),
		})
	}
	return frags, StageOK, 1, nil
}

func (r *stageRunner) runRegistryQuery(stage StageConfig) ([]Fragment, StageStatus, int, error) {
	if r.registry == nil {
		return nil, StageEmpty, 0, nil
	}
	registryName, _ := stage.Config["registry"].(string)
	filters, _ := stage.Config["filters"].(map[string]any)

	rows, err := r.registry.QueryRows(registryName, filters)
	if err != nil {
		return nil, StageSkipped, 1, err
	}
	if len(rows) == 0 {
		return nil, StageEmpty, 1, nil
	}

	frags := make([]Fragment, 0, len(rows))
	for i, row := range rows {
		var b strings.Builder
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%s ", k, row[k])
		}
		content := strings.TrimSpace(b.String())
		frags = append(frags, Fragment{
			Source:        "registry_query",
			SourceID:      fmt.Sprintf("%s-%d", registryName, i),
			Content:       content,
			TokenEstimate: estimateTokens(content, 4),
		})
	}
	return frags, StageOK, 1, nil
}

func (r *stageRunner) runFileRead(stage StageConfig) ([]Fragment, StageStatus, int, error) {
	var paths []string
	switch v := stage.Config["paths"].(type) {
	case []string:
		paths = v
	case []interface{}:
		for _, p := range v {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	if len(paths) == 0 {
		return nil, StageEmpty, 0, nil
	}

	maxSize := r.maxFileSize
	if maxSize <= 0 {
		maxSize = 1 << 20
	}

	var frags []Fragment
	anyMissing := false
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			anyMissing = true
			continue
		}
		if int64(len(data)) > maxSize {
			data = data[:maxSize]
		}
		content := string(data)
		frags = append(frags, Fragment{
			Source:        "file_read",
			SourceID:      p,
			Content:       content,
			TokenEstimate: estimateTokens(content, 4),
		})
	}

	status := StageOK
	if len(frags) == 0 {
		status = StageEmpty
	} else if anyMissing {
		status = StageTruncated
	}
	return frags, status, 0, nil
}

// runHorizontalSearch scores fragments gathered by earlier stages this
// Assemble() call against stage.Config's keyword list, keeping only
// those at or above relevance_threshold. sources comes from the
// pipeline driver rather than stage.Config: a template loaded from
// JSON/YAML never carries native []Fragment values in its stage
// config, only strings/numbers/maps.
func (r *stageRunner) runHorizontalSearch(stage StageConfig, req Request, sources []Fragment) ([]Fragment, StageStatus, int, error) {
	keywords, _ := stage.Config["keywords"].([]string)
	if len(keywords) == 0 {
		if raw, ok := stage.Config["keywords"].([]interface{}); ok {
			for _, k := range raw {
				if s, ok := k.(string); ok {
					keywords = append(keywords, s)
				}
			}
		}
	}
	threshold := 0.0
	if v, ok := stage.Config["relevance_threshold"].(float64); ok {
		threshold = v
	}

	if len(sources) == 0 {
		return nil, StageEmpty, 0, nil
	}

	var scored []Fragment
	for _, f := range sources {
		score := keywordRelevance(f.Content, keywords)
		if score >= threshold {
			f.RelevanceScore = score
			scored = append(scored, f)
		}
	}
	if len(scored) == 0 {
		return nil, StageEmpty, 0, nil
	}
	return scored, StageOK, 0, nil
}

func keywordRelevance(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func estimateTokens(text string, charsPerToken float64) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return int(float64(len(text))/charsPerToken) + 1
}
