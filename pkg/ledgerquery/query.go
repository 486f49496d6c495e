// Package ledgerquery implements LedgerQuery (C8): provenance-indexed,
// cross-tier, paginated queries with optional aggregation over one or
// more pkg/ledger.Client instances. The in-memory inverted index with
// lazy build-and-rebuild-on-staleness mirrors the teacher's registry
// lookup pattern (pkg/registry/registry.go) generalized from a single
// flat table to several indexed fields with a correctness fallback to
// full scan whenever the index cannot be trusted.
package ledgerquery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

const defaultMaxPageSize = 500

// Recency is a shorthand time window.
type Recency string

const (
	RecencySession Recency = "session"
	RecencyToday   Recency = "today"
	RecencyAll     Recency = "all"
)

// SortOrder controls result ordering.
type SortOrder string

const (
	SortTimestampDesc SortOrder = "timestamp_desc"
	SortTimestampAsc  SortOrder = "timestamp_asc"
	SortQualityDesc   SortOrder = "quality_desc"
)

// Aggregation requests a summary instead of (or alongside) raw rows.
type Aggregation struct {
	Kind    string // "count" | "token_sum" | "quality_avg" | "group_by"
	GroupBy string
}

// Request describes one query across provenance, event, outcome, scope,
// time, relational, and pagination dimensions.
type Request struct {
	// Provenance
	AgentID     string
	AgentClass  string
	FrameworkID string
	PackageID   string
	WorkOrderID string
	SessionID   string

	// Event
	EventTypes []string

	// Outcome
	Status           string
	MinQualitySignal float64

	// Scope
	Tiers      []string
	DomainTags []string

	// Time
	Since    string
	Until    string
	Recency  Recency

	// Relational
	ParentEventID string
	RootEventID   string

	// Pagination
	Offset int
	Limit  int

	// Sort
	Sort SortOrder

	// Aggregation
	Aggregate *Aggregation
}

// Result is the outcome of a query.
type Result struct {
	Entries       []ledger.Entry `json:"entries"`
	TotalMatched  int            `json:"total_matched"`
	TiersSearched []string       `json:"tiers_searched"`
	Aggregate     map[string]any `json:"aggregate,omitempty"`
}

// TierSource supplies entries for one tier ledger.
type TierSource struct {
	Tier   string
	Client *ledger.Client
}

// Engine runs queries across one or more tier ledgers, maintaining a
// lazily-built inverted index per tier.
type Engine struct {
	sources             map[string]*ledger.Client
	indexMu             sync.Mutex // guards indexes: entriesForTier runs concurrently per tier
	indexes             map[string]*tierIndex
	indexRebuildThreshold int
	indexTTL            time.Duration
	maxPageSize         int
	sessionID           string // resolves "session" time-window and recency shorthand
	clock               func() time.Time
}

// NewEngine builds a query engine over the given tier sources.
func NewEngine(sources []TierSource, sessionID string, indexRebuildThreshold int, indexTTL time.Duration) *Engine {
	e := &Engine{
		sources:               make(map[string]*ledger.Client),
		indexes:               make(map[string]*tierIndex),
		indexRebuildThreshold: indexRebuildThreshold,
		indexTTL:              indexTTL,
		maxPageSize:           defaultMaxPageSize,
		sessionID:             sessionID,
		clock:                 time.Now,
	}
	for _, s := range sources {
		e.sources[s.Tier] = s.Client
	}
	return e
}

// Query executes req across its requested tiers (or all known tiers if
// none specified), merging results by timestamp and applying filters,
// pagination, sort, and optional aggregation.
func (e *Engine) Query(req Request) (*Result, error) {
	if req.Limit <= 0 || req.Limit > e.maxPageSize {
		req.Limit = e.maxPageSize
	}
	if req.Recency == RecencySession && req.SessionID == "" {
		req.SessionID = e.sessionID
	}

	tiers := req.Tiers
	if len(tiers) == 0 {
		for t := range e.sources {
			tiers = append(tiers, t)
		}
	}
	sort.Strings(tiers)

	since, until, err := e.resolveWindow(req)
	if err != nil {
		return nil, err
	}

	// Each tier's candidate set is fetched concurrently (k-way merge
	// fan-out): tiers are independent ledger.Client instances, so there
	// is no shared state to race on until results are merged below.
	var searched []string
	perTier := make([][]ledger.Entry, 0, len(tiers))
	for _, tier := range tiers {
		if _, ok := e.sources[tier]; ok {
			searched = append(searched, tier)
			perTier = append(perTier, nil)
		}
	}

	g := new(errgroup.Group)
	for i, tier := range searched {
		i, tier := i, tier
		client := e.sources[tier]
		g.Go(func() error {
			entries, err := e.entriesForTier(tier, client, req)
			if err != nil {
				return err
			}
			perTier[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []ledger.Entry
	for _, entries := range perTier {
		for _, entry := range entries {
			if !matchesFilters(entry, req, since, until) {
				continue
			}
			merged = append(merged, entry)
		}
	}

	sortEntries(merged, req.Sort)

	total := len(merged)
	start := req.Offset
	if start > total {
		start = total
	}
	end := start + req.Limit
	if end > total {
		end = total
	}
	page := merged[start:end]

	result := &Result{Entries: page, TotalMatched: total, TiersSearched: searched}
	if req.Aggregate != nil {
		result.Aggregate = aggregate(merged, *req.Aggregate)
	}
	return result, nil
}

// entriesForTier returns candidate entries for a tier, using the index
// when it is fresh and an event-type filter narrows usefully, falling
// back to a full scan otherwise. The index is a cache: staleness never
// produces a wrong answer, only a slower one.
func (e *Engine) entriesForTier(tier string, client *ledger.Client, req Request) ([]ledger.Entry, error) {
	e.indexMu.Lock()
	idx := e.indexes[tier]
	stale := idx == nil || e.indexStale(idx)
	e.indexMu.Unlock()
	if !stale {
		// Entries appended since the build move the ledger head.
		head := "genesis"
		if n := len(idx.all); n > 0 {
			head = idx.all[n-1].EntryHash
		}
		stale = head != client.Head()
	}

	if stale {
		all, err := client.ReadAll()
		if err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.KindIntegrity, "LEDGER_SCAN_FAILED", err)
		}
		idx = buildIndex(all)
		e.indexMu.Lock()
		e.indexes[tier] = idx
		e.indexMu.Unlock()
	}

	if len(req.EventTypes) == 0 {
		return idx.all, nil
	}

	seen := make(map[string]bool)
	var out []ledger.Entry
	for _, et := range req.EventTypes {
		for _, entry := range idx.byEventType[et] {
			if !seen[entry.EntryID] {
				seen[entry.EntryID] = true
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func (e *Engine) indexStale(idx *tierIndex) bool {
	if e.indexTTL > 0 && e.clock().Sub(idx.builtAt) > e.indexTTL {
		return true
	}
	if e.indexRebuildThreshold > 0 && idx.newSinceBuild >= e.indexRebuildThreshold {
		return true
	}
	return false
}

func (e *Engine) resolveWindow(req Request) (since, until time.Time, err error) {
	now := e.clock().UTC()
	switch req.Recency {
	case RecencyToday:
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		until = now
		return since, until, nil
	case RecencySession, "session":
		// session window has no independent timestamp bound; callers
		// filter by session_id instead, so leave the time window open.
		return time.Time{}, time.Time{}, nil
	case RecencyAll, "":
		// fall through to explicit since/until below
	}

	if req.Since != "" {
		since, err = parseTimeOrDuration(req.Since, now)
		if err != nil {
			return since, until, err
		}
	}
	if req.Until != "" {
		until, err = parseTimeOrDuration(req.Until, now)
		if err != nil {
			return since, until, err
		}
	}
	return since, until, nil
}

func parseTimeOrDuration(s string, now time.Time) (time.Time, error) {
	if s == "session" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if dur, ok := parseDurationShorthand(s); ok {
		return now.Add(-dur), nil
	}
	return time.Time{}, kernelerrors.New(kernelerrors.KindValidation, "TIME_PARSE_FAILED", fmt.Sprintf("cannot parse time %q", s))
}

// parseDurationShorthand accepts Nd|Nh|Nm (days/hours/minutes).
func parseDurationShorthand(s string) (time.Duration, bool) {
	if len(s) < 2 {
		return 0, false
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, false
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	}
	return 0, false
}

func matchesFilters(e ledger.Entry, req Request, since, until time.Time) bool {
	p := e.Metadata.Provenance
	if req.AgentID != "" && p.AgentID != req.AgentID {
		return false
	}
	if req.AgentClass != "" && p.AgentClass != req.AgentClass {
		return false
	}
	if req.FrameworkID != "" && p.FrameworkID != req.FrameworkID {
		return false
	}
	if req.PackageID != "" && p.PackageID != req.PackageID {
		return false
	}
	if req.WorkOrderID != "" && p.WorkOrderID != req.WorkOrderID {
		return false
	}
	if req.SessionID != "" && p.SessionID != req.SessionID {
		return false
	}
	if req.Status != "" && e.Metadata.Outcome.Status != req.Status {
		return false
	}
	if req.MinQualitySignal != 0 && e.Metadata.Outcome.QualitySignal < req.MinQualitySignal {
		return false
	}
	if req.ParentEventID != "" && e.Metadata.Relational.ParentEventID != req.ParentEventID {
		return false
	}
	if req.RootEventID != "" && e.Metadata.Relational.RootEventID != req.RootEventID {
		return false
	}
	if !since.IsZero() && e.Timestamp.Before(since) {
		return false
	}
	if !until.IsZero() && e.Timestamp.After(until) {
		return false
	}
	if req.Recency == RecencySession && req.SessionID != "" && p.SessionID != req.SessionID {
		return false
	}
	return true
}

func sortEntries(entries []ledger.Entry, order SortOrder) {
	switch order {
	case SortTimestampAsc:
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	case SortQualityDesc:
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Metadata.Outcome.QualitySignal > entries[j].Metadata.Outcome.QualitySignal
		})
	default: // SortTimestampDesc and unset
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	}
}

func aggregate(entries []ledger.Entry, agg Aggregation) map[string]any {
	switch agg.Kind {
	case "count":
		return map[string]any{"count": len(entries)}
	case "token_sum":
		var sum int64
		for _, e := range entries {
			sum += e.Metadata.ContextFingerprint.TokensUsed.Input + e.Metadata.ContextFingerprint.TokensUsed.Output
		}
		return map[string]any{"token_sum": sum}
	case "quality_avg":
		if len(entries) == 0 {
			return map[string]any{"quality_avg": 0.0}
		}
		var sum float64
		for _, e := range entries {
			sum += e.Metadata.Outcome.QualitySignal
		}
		return map[string]any{"quality_avg": sum / float64(len(entries))}
	case "group_by":
		groups := make(map[string]int)
		for _, e := range entries {
			key := groupKey(e, agg.GroupBy)
			groups[key]++
		}
		return map[string]any{"groups": groups}
	}
	return nil
}

func groupKey(e ledger.Entry, field string) string {
	switch strings.ToLower(field) {
	case "event_type":
		return e.EventType
	case "agent_class":
		return e.Metadata.Provenance.AgentClass
	case "status":
		return e.Metadata.Outcome.Status
	case "tier":
		return string(e.Metadata.Scope.Tier)
	default:
		return "unknown"
	}
}
