package ledgerquery

// QueryProvenance returns every entry carrying the given work order ID.
func (e *Engine) QueryProvenance(woID string) (*Result, error) {
	return e.Query(Request{WorkOrderID: woID, Limit: e.maxPageSize, Sort: SortTimestampAsc})
}

// QueryAgentHistory returns the most recent entries for an agent ID.
func (e *Engine) QueryAgentHistory(agentID string, limit int) (*Result, error) {
	return e.Query(Request{AgentID: agentID, Limit: limit, Sort: SortTimestampDesc})
}

// QuerySession returns every entry for a session, oldest first.
func (e *Engine) QuerySession(sessionID string) (*Result, error) {
	return e.Query(Request{SessionID: sessionID, Limit: e.maxPageSize, Sort: SortTimestampAsc})
}

// QueryOutcomes returns entries for a framework since a given time bound.
func (e *Engine) QueryOutcomes(frameworkID, since string) (*Result, error) {
	return e.Query(Request{FrameworkID: frameworkID, Since: since, Limit: e.maxPageSize, Sort: SortTimestampDesc})
}

// QueryForAttention implements attention.LedgerQuerier: a narrow query
// surface the attention pipeline's ledger_query stage uses, expressed in
// terms of the richer Query API.
func (e *Engine) QueryForAttention(tier, eventType string, maxEntries int, recency string) ([]map[string]any, error) {
	req := Request{Limit: maxEntries}
	if tier != "" {
		req.Tiers = []string{tier}
	}
	if eventType != "" {
		req.EventTypes = []string{eventType}
	}
	if recency != "" {
		req.Recency = Recency(recency)
	}

	result, err := e.Query(req)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(result.Entries))
	for _, entry := range result.Entries {
		out = append(out, map[string]any{
			"entry_id":   entry.EntryID,
			"event_type": entry.EventType,
			"timestamp":  entry.Timestamp,
			"status":     entry.Metadata.Outcome.Status,
		})
	}
	return out, nil
}
