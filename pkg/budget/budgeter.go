package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
)

// Budgeter enforces a tree of token budgets: a session scope owns one or
// more work-order scopes, each of which owns one or more call scopes.
// Debits propagate upward and are checked against every ancestor's
// remaining budget atomically; if any ancestor in the chain would be
// exhausted, the whole debit fails closed and nothing is recorded.
type Budgeter struct {
	mu     sync.Mutex
	scopes map[string]*Allocation
	clock  func() time.Time
}

// New creates an empty budget tree.
func New() *Budgeter {
	return &Budgeter{
		scopes: make(map[string]*Allocation),
		clock:  time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (b *Budgeter) WithClock(clock func() time.Time) *Budgeter {
	b.clock = clock
	return b
}

// CreateScope registers a new scope with the given limit, optionally
// nested under parentScopeID. The root session scope has no parent.
func (b *Budgeter) CreateScope(scopeID string, kind ScopeKind, limit int64, parentScopeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.scopes[scopeID]; exists {
		return kernelerrors.New(kernelerrors.KindValidation, "SCOPE_EXISTS", fmt.Sprintf("scope %q already exists", scopeID))
	}
	if parentScopeID != "" {
		if _, ok := b.scopes[parentScopeID]; !ok {
			return kernelerrors.New(kernelerrors.KindValidation, "PARENT_SCOPE_UNKNOWN", fmt.Sprintf("parent scope %q does not exist", parentScopeID))
		}
	}
	b.scopes[scopeID] = &Allocation{
		ScopeID:       scopeID,
		Kind:          kind,
		ParentScopeID: parentScopeID,
		Limit:         limit,
		LastUpdated:   b.clock().UTC(),
	}
	return nil
}

// chain returns the scope and every ancestor, scope first, root last.
// Caller must hold b.mu.
func (b *Budgeter) chain(scopeID string) ([]*Allocation, error) {
	var chain []*Allocation
	id := scopeID
	seen := make(map[string]bool)
	for id != "" {
		if seen[id] {
			return nil, kernelerrors.New(kernelerrors.KindIntegrity, "SCOPE_CYCLE", fmt.Sprintf("cycle detected at scope %q", id))
		}
		seen[id] = true
		scope, ok := b.scopes[id]
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindValidation, "SCOPE_UNKNOWN", fmt.Sprintf("scope %q does not exist", id))
		}
		chain = append(chain, scope)
		id = scope.ParentScopeID
	}
	return chain, nil
}

// Check reports whether a spend would be allowed without recording it.
func (b *Budgeter) Check(scopeID string, cost Cost) (*Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chain, err := b.chain(scopeID)
	if err != nil {
		return b.denyLocked(scopeID, cost, err.Error()), err
	}
	for _, scope := range chain {
		if scope.Used+cost.Tokens > scope.Limit {
			reason := fmt.Sprintf("scope %q would exceed limit: %d + %d > %d", scope.ScopeID, scope.Used, cost.Tokens, scope.Limit)
			return b.denyLocked(scopeID, cost, reason), nil
		}
	}
	return &Decision{Allowed: true, Reason: "within budget", Chain: chain}, nil
}

// Debit atomically checks and records a spend across scopeID and every
// ancestor. Fails closed: if any scope in the chain would be exhausted,
// no scope's usage is modified.
func (b *Budgeter) Debit(scopeID string, cost Cost) (*Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chain, err := b.chain(scopeID)
	if err != nil {
		return b.denyLocked(scopeID, cost, err.Error()), err
	}

	for _, scope := range chain {
		if scope.Used+cost.Tokens > scope.Limit {
			reason := fmt.Sprintf("scope %q would exceed limit: %d + %d > %d", scope.ScopeID, scope.Used, cost.Tokens, scope.Limit)
			return b.denyLocked(scopeID, cost, reason), nil
		}
	}

	now := b.clock().UTC()
	for _, scope := range chain {
		scope.Used += cost.Tokens
		scope.LastUpdated = now
	}

	return &Decision{
		Allowed: true,
		Reason:  "debited",
		Chain:   chain,
		Receipt: b.receipt(scopeID, "allowed", cost, "ok"),
	}, nil
}

func (b *Budgeter) denyLocked(scopeID string, cost Cost, reason string) *Decision {
	return &Decision{
		Allowed: false,
		Reason:  reason,
		Receipt: b.receipt(scopeID, "denied", cost, reason),
	}
}

func (b *Budgeter) receipt(scopeID, action string, cost Cost, reason string) *Receipt {
	return &Receipt{
		ID:        uuid.New().String(),
		ScopeID:   scopeID,
		Action:    action,
		Tokens:    cost.Tokens,
		Reason:    reason,
		Timestamp: b.clock().UTC(),
	}
}

// Get returns a snapshot of a scope's allocation.
func (b *Budgeter) Get(scopeID string) (*Allocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	scope, ok := b.scopes[scopeID]
	if !ok {
		return nil, kernelerrors.New(kernelerrors.KindValidation, "SCOPE_UNKNOWN", fmt.Sprintf("scope %q does not exist", scopeID))
	}
	clone := *scope
	return &clone, nil
}

// Release removes a scope and its accounting, e.g. once a call or work
// order has finished. It does not touch ancestor usage, since ancestor
// usage reflects tokens actually spent, not an outstanding reservation.
func (b *Budgeter) Release(scopeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scopes, scopeID)
}
