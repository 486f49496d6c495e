package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(t *testing.T, path string, entries []Entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSegmentBytes = 1_000_000
	cfg.MaxSegmentEntries = 3
	return cfg
}

func TestAppendChainsHashes(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()

	e1, err := c.Append("wo.dispatched", Metadata{
		Provenance: Provenance{WorkOrderID: "wo-1"},
		Scope:      Scope{Tier: TierHO1},
	})
	require.NoError(t, err)
	assert.Equal(t, "genesis", e1.PreviousHash)
	assert.NotEmpty(t, e1.EntryHash)

	e2, err := c.Append("wo.completed", Metadata{
		Provenance: Provenance{WorkOrderID: "wo-1"},
		Scope:      Scope{Tier: TierHO1},
	})
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.NotEqual(t, e1.EntryHash, e2.EntryHash)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Append("event", Metadata{Scope: Scope{Tier: TierHOT}})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	ok, _ := reopenAndVerify(t, dir)
	assert.True(t, ok)

	// Tamper with the first segment file directly.
	path := filepath.Join(dir, "exec.00000.jsonl")
	tamperFile(t, path)

	ok, reason := reopenAndVerify(t, dir)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func reopenAndVerify(t *testing.T, dir string) (bool, string) {
	t.Helper()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()
	return c.VerifyChain()
}

func tamperFile(t *testing.T, path string) {
	t.Helper()
	data, err := readJSONL(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	data[0].Metadata.Outcome.Status = "tampered"

	// Rewrite the segment with the mutated first entry but leave its
	// stored entry_hash untouched so VerifyChain recomputes a mismatch.
	writeRaw(t, path, data)
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	c, err := Open(dir, "exec", cfg)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 7; i++ {
		_, err := c.Append("event", Metadata{Scope: Scope{Tier: TierHO2}})
		require.NoError(t, err)
	}

	assert.True(t, len(c.segments) >= 3, "expected rotation across multiple segments, got %d", len(c.segments))

	all, err := c.ReadAll()
	require.NoError(t, err)
	assert.Len(t, all, 7)

	ok, reason := c.VerifyChain()
	assert.True(t, ok, reason)
}

func TestReadRecentAndRange(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 5; i++ {
		_, err := c.Append("event", Metadata{Scope: Scope{Tier: TierHO1}})
		require.NoError(t, err)
	}

	recent, err := c.ReadRecent(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	rng, err := c.ReadRange(1, 3)
	require.NoError(t, err)
	assert.Len(t, rng, 2)
}

func TestQueryByEventType(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Append("wo.dispatched", Metadata{Scope: Scope{Tier: TierHO1}})
	require.NoError(t, err)
	_, err = c.Append("wo.completed", Metadata{Scope: Scope{Tier: TierHO1}})
	require.NoError(t, err)
	_, err = c.Append("wo.dispatched", Metadata{Scope: Scope{Tier: TierHO1}})
	require.NoError(t, err)

	matches, err := c.QueryByEventType("wo.dispatched")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRecoverRestoresHeadAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c1, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	e1, err := c1.Append("event", Metadata{Scope: Scope{Tier: TierHOT}})
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, e1.EntryHash, c2.Head())

	e2, err := c2.Append("event", Metadata{Scope: Scope{Tier: TierHOT}})
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
}

func TestWithClockIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return fixed })

	e, err := c.Append("event", Metadata{Scope: Scope{Tier: TierHOT}})
	require.NoError(t, err)
	assert.Equal(t, fixed, e.Timestamp)
}

func TestSegmentMerkleRootStableAcrossEntryOrder(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Append("wo.dispatched", Metadata{Scope: Scope{Tier: TierHOT}})
	require.NoError(t, err)
	_, err = c.Append("wo.completed", Metadata{Scope: Scope{Tier: TierHOT}})
	require.NoError(t, err)

	require.Equal(t, 1, c.SegmentCount())

	root1, err := c.SegmentMerkleRoot(0)
	require.NoError(t, err)
	assert.NotEmpty(t, root1)

	root2, err := c.SegmentMerkleRoot(0)
	require.NoError(t, err)
	assert.Equal(t, root1, root2, "recomputing over the same segment must be deterministic")
}

func TestSegmentMerkleRootCommitsToEntryHashesNotRawFields(t *testing.T) {
	// SegmentMerkleRoot anchors the set of (entry_id, entry_hash) pairs a
	// segment contains; it is a fast existence/inclusion check for an
	// external anchor, not a substitute for VerifyChain's full
	// recomputation. A field edit that leaves entry_hash on disk
	// unchanged (as a raw file tamper can, since nothing recomputes it
	// on read) moves VerifyChain's verdict but not this root.
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)

	_, err = c.Append("event", Metadata{Scope: Scope{Tier: TierHOT}})
	require.NoError(t, err)
	root, err := c.SegmentMerkleRoot(0)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	entries, err := readJSONL(filepath.Join(dir, "exec.00000.jsonl"))
	require.NoError(t, err)
	entries[0].EventType = "tampered"
	writeRaw(t, filepath.Join(dir, "exec.00000.jsonl"), entries)

	c2, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c2.Close()

	tamperedRoot, err := c2.SegmentMerkleRoot(0)
	require.NoError(t, err)
	assert.Equal(t, root, tamperedRoot)

	ok, _ := c2.VerifyChain()
	assert.False(t, ok, "VerifyChain still catches the tamper via hash recomputation")
}

func TestSegmentMerkleRootOutOfRange(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "exec", testConfig())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SegmentMerkleRoot(5)
	assert.Error(t, err)
}
