package attention

import (
	"fmt"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// TemplateStore resolves templates by ID and supports specificity-ranked
// matching over the templates it was built with; it does not load
// templates from disk itself.
type TemplateStore struct {
	byID []Template
}

// NewTemplateStore builds a store over the given templates.
func NewTemplateStore(templates []Template) *TemplateStore {
	return &TemplateStore{byID: templates}
}

// specificity scores a template's match against a request: higher wins.
// framework_id > agent_class > tier, matching spec order.
func specificity(t Template, req Request) (score int, matched bool) {
	matchesAgentClass := len(t.AppliesTo.AgentClass) == 0 || containsStr(t.AppliesTo.AgentClass, req.AgentClass)
	matchesFramework := len(t.AppliesTo.FrameworkID) == 0 || containsStr(t.AppliesTo.FrameworkID, req.FrameworkID)
	matchesTier := len(t.AppliesTo.Tier) == 0 || containsStr(t.AppliesTo.Tier, req.Tier)

	if !matchesAgentClass || !matchesFramework || !matchesTier {
		return 0, false
	}

	if len(t.AppliesTo.FrameworkID) > 0 {
		score += 4
	}
	if len(t.AppliesTo.AgentClass) > 0 {
		score += 2
	}
	if len(t.AppliesTo.Tier) > 0 {
		score += 1
	}
	return score, true
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// syntheticMinimal builds the fallback template used when no registered
// template matches: it only runs file_read over required_context file
// refs, per spec.
func syntheticMinimal(req Request) Template {
	return Template{
		TemplateID: "synthetic-minimal",
		Pipeline: []StageConfig{
			{Stage: "file_read", Type: StageFileRead, Enabled: true, Config: map[string]any{
				"paths": req.RequiredContext.FileRefs,
			}},
		},
		Budget: BudgetConfig{MaxContextTokens: 4000, MaxQueries: 10, TimeoutMS: 5000, CharsPerToken: 4},
	}
}

// Resolve picks the template for a request: explicit override wins; else
// the highest-specificity match; a tie at the top specificity fails
// closed; no match falls back to the synthetic minimal template.
func (s *TemplateStore) Resolve(req Request) (Template, error) {
	if req.TemplateOverride != "" {
		for _, t := range s.byID {
			if t.TemplateID == req.TemplateOverride {
				return t, nil
			}
		}
		return Template{}, kernelerrors.New(kernelerrors.KindValidation, "TEMPLATE_OVERRIDE_UNKNOWN", fmt.Sprintf("no template named %q", req.TemplateOverride))
	}

	best := -1
	var winners []Template
	for _, t := range s.byID {
		score, matched := specificity(t, req)
		if !matched {
			continue
		}
		if score > best {
			best = score
			winners = []Template{t}
		} else if score == best {
			winners = append(winners, t)
		}
	}

	switch len(winners) {
	case 0:
		return syntheticMinimal(req), nil
	case 1:
		return winners[0], nil
	default:
		return Template{}, kernelerrors.New(kernelerrors.KindValidation, "TEMPLATE_AMBIGUOUS", fmt.Sprintf("%d templates tie at specificity %d", len(winners), best))
	}
}

// MergeRequiredContext fills pipeline gaps from the prompt contract's
// required_context without duplicating stages the template already runs.
func MergeRequiredContext(t Template, rc RequiredContext) Template {
	has := make(map[StageType]bool)
	for _, s := range t.Pipeline {
		has[s.Type] = true
	}

	if len(rc.LedgerQueries) > 0 && !has[StageLedgerQuery] {
		t.Pipeline = append(t.Pipeline, StageConfig{
			Stage: "ledger_query_required", Type: StageLedgerQuery, Enabled: true,
			Config: map[string]any{"queries": rc.LedgerQueries},
		})
	}
	if len(rc.FrameworkRefs) > 0 && !has[StageRegistryQuery] {
		t.Pipeline = append(t.Pipeline, StageConfig{
			Stage: "registry_query_required", Type: StageRegistryQuery, Enabled: true,
			Config: map[string]any{"framework_refs": rc.FrameworkRefs},
		})
	}
	if len(rc.FileRefs) > 0 && !has[StageFileRead] {
		t.Pipeline = append(t.Pipeline, StageConfig{
			Stage: "file_read_required", Type: StageFileRead, Enabled: true,
			Config: map[string]any{"paths": rc.FileRefs},
		})
	}
	return t
}
