package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebitPropagatesUpChain(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateScope("session-1", ScopeSession, 1000, ""))
	require.NoError(t, b.CreateScope("wo-1", ScopeWorkOrder, 400, "session-1"))
	require.NoError(t, b.CreateScope("call-1", ScopeCall, 100, "wo-1"))

	dec, err := b.Debit("call-1", Cost{Tokens: 80, Reason: "llm call"})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	call, err := b.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), call.Used)

	wo, err := b.Get("wo-1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), wo.Used)

	session, err := b.Get("session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), session.Used)
}

func TestDebitFailsClosedWhenAncestorExhausted(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateScope("session-1", ScopeSession, 100, ""))
	require.NoError(t, b.CreateScope("wo-1", ScopeWorkOrder, 1000, "session-1"))
	require.NoError(t, b.CreateScope("call-1", ScopeCall, 1000, "wo-1"))

	// First call burns nearly the whole session budget.
	_, err := b.Debit("call-1", Cost{Tokens: 90, Reason: "first"})
	require.NoError(t, err)

	// Second call fits under its own and the WO's limit, but not the session's.
	dec, err := b.Debit("call-1", Cost{Tokens: 50, Reason: "second"})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	// Nothing should have been recorded on the failed debit.
	call, err := b.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), call.Used)
}

func TestCheckDoesNotMutateState(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateScope("session-1", ScopeSession, 100, ""))

	dec, err := b.Check("session-1", Cost{Tokens: 50})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	session, err := b.Get("session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), session.Used)
}

func TestUnknownScopeFailsClosed(t *testing.T) {
	b := New()
	dec, err := b.Debit("missing", Cost{Tokens: 1})
	require.Error(t, err)
	assert.False(t, dec.Allowed)
}

func TestCreateScopeRejectsDuplicateAndUnknownParent(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateScope("session-1", ScopeSession, 100, ""))

	err := b.CreateScope("session-1", ScopeSession, 100, "")
	assert.Error(t, err)

	err = b.CreateScope("wo-1", ScopeWorkOrder, 10, "does-not-exist")
	assert.Error(t, err)
}

func TestReleaseRemovesScope(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateScope("session-1", ScopeSession, 100, ""))
	b.Release("session-1")

	_, err := b.Get("session-1")
	assert.Error(t, err)
}
