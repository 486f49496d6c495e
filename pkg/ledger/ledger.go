// Package ledger implements the per-tier, append-only, hash-chained JSONL
// ledger (spec component C2). It is modeled directly on the teacher's
// in-memory hash-chain design (pkg/ledger/ledger.go in the source repo) and
// its file-backed durability pattern (pkg/store/ledger/file_ledger.go),
// combined into a single segmented-file implementation: entries are
// appended to disk with fsync, chained by SHA-256 over their canonical
// JSON form, and segmented by size/count per spec §4.1 and §6.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/govkernel/pkg/kernelerrors"
	"github.com/Mindburn-Labs/govkernel/pkg/merkle"
)

// Tier identifies the originating governance tier of a ledger entry.
type Tier string

const (
	TierHOT Tier = "hot"
	TierHO2 Tier = "ho2"
	TierHO1 Tier = "ho1"
)

// Provenance identifies who/what produced an entry.
type Provenance struct {
	AgentID     string `json:"agent_id,omitempty"`
	AgentClass  string `json:"agent_class,omitempty"`
	FrameworkID string `json:"framework_id,omitempty"`
	PackageID   string `json:"package_id,omitempty"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Scope carries the tier the entry belongs to.
type Scope struct {
	Tier Tier `json:"tier"`
}

// RelatedArtifact is a (type,id) pair resolvable via a registry.
type RelatedArtifact struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relational captures the causal chain linking entries to each other.
type Relational struct {
	ParentEventID   string            `json:"parent_event_id,omitempty"`
	RootEventID     string            `json:"root_event_id,omitempty"`
	RelatedArtifacts []RelatedArtifact `json:"related_artifacts,omitempty"`
}

// Outcome records the result of the event being logged.
type Outcome struct {
	Status         string `json:"status,omitempty"`
	QualitySignal  float64 `json:"quality_signal,omitempty"`
	Error          string `json:"error,omitempty"`
}

// TokensUsed records input/output token counts for an LLM call.
type TokensUsed struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// ContextFingerprint anchors the context and model identity used.
type ContextFingerprint struct {
	ContextHash  string     `json:"context_hash,omitempty"`
	PromptPackID string     `json:"prompt_pack_id,omitempty"`
	TokensUsed   TokensUsed `json:"tokens_used,omitempty"`
	ModelID      string     `json:"model_id,omitempty"`
}

// Metadata is the structured payload attached to every entry.
type Metadata struct {
	Provenance         Provenance         `json:"provenance"`
	Scope              Scope              `json:"scope"`
	Relational         Relational         `json:"relational,omitempty"`
	Outcome            Outcome            `json:"outcome,omitempty"`
	ContextFingerprint ContextFingerprint `json:"context_fingerprint,omitempty"`
}

// Entry is one immutable, hash-chained ledger record (spec §3 Ledger Entry).
type Entry struct {
	EntryID      string    `json:"entry_id"`
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
	Metadata     Metadata  `json:"metadata"`
}

// hashableEntry is the subset of fields covered by entry_hash: every field
// of Entry except EntryHash itself, per spec invariant
// entry_hash = SHA256(canonicalize(entry without entry_hash)).
type hashableEntry struct {
	EntryID      string    `json:"entry_id"`
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Metadata     Metadata  `json:"metadata"`
}

func computeHash(e Entry) (string, error) {
	h := hashableEntry{
		EntryID:      e.EntryID,
		EventType:    e.EventType,
		Timestamp:    e.Timestamp,
		PreviousHash: e.PreviousHash,
		Metadata:     e.Metadata,
	}
	return canonicalize.CanonicalHash(h)
}

// Segment describes one rotation-numbered JSONL file on disk.
type segmentFile struct {
	index int
	path  string
	file  *os.File
	count int
	size  int64
}

// Config controls segment rotation thresholds (spec §9 Open Question:
// thresholds are config-driven; govkernel's chosen defaults are in
// DefaultConfig in this package).
type Config struct {
	MaxSegmentBytes   int64
	MaxSegmentEntries int
	IDGenerator       func() string // overridable for tests
}

// DefaultConfig returns the govkernel default segment-rotation policy.
func DefaultConfig() Config {
	return Config{
		MaxSegmentBytes:   8_000_000,
		MaxSegmentEntries: 50_000,
	}
}

// Client is a single-writer, append-only ledger backed by a directory of
// segmented JSONL files (spec §6 ledger file layout).
type Client struct {
	mu       sync.Mutex
	dir      string
	name     string // e.g. "exec", "evidence", "workorder"
	cfg      Config
	seq      uint64
	headHash string
	current  *segmentFile
	segments []string // ordered segment paths, oldest first
	clock    func() time.Time
}

// Open opens or creates a ledger named `name` under dir (e.g.
// ".../sessions/<sid>/ledger", name="exec"). It replays existing segments
// to recover the head hash and sequence counter.
func Open(dir, name string, cfg Config) (*Client, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "MKDIR_FAILED", err)
	}
	c := &Client{
		dir:      dir,
		name:     name,
		cfg:      cfg,
		headHash: "genesis",
		clock:    time.Now,
	}
	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithClock overrides the clock, for deterministic tests.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

func (c *Client) segmentPath(index int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.%05d.jsonl", c.name, index))
}

// recover scans existing segment files in order, replaying them to
// reconstruct seq/headHash and the list of segment paths.
func (c *Client) recover() error {
	index := 0
	for {
		path := c.segmentPath(index)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "STAT_FAILED", err)
		}
		c.segments = append(c.segments, path)

		entries, err := readJSONL(path)
		if err != nil {
			return kernelerrors.Wrap(kernelerrors.KindIntegrity, "SEGMENT_READ_FAILED", err)
		}
		for _, e := range entries {
			c.seq++
			c.headHash = e.EntryHash
		}
		_ = info
		index++
	}

	if len(c.segments) == 0 {
		return c.openSegment(0)
	}

	last := c.segments[len(c.segments)-1]
	f, err := os.OpenFile(last, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "OPEN_FAILED", err)
	}
	info, _ := f.Stat()
	entries, _ := readJSONL(last)
	c.current = &segmentFile{index: index - 1, path: last, file: f, count: len(entries), size: info.Size()}
	return nil
}

func (c *Client) openSegment(index int) error {
	path := c.segmentPath(index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "OPEN_FAILED", err)
	}
	c.current = &segmentFile{index: index, path: path}
	c.current.file = f
	c.segments = append(c.segments, path)
	return nil
}

func readJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("ledger: corrupt line in %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// Append writes a new entry, chaining it to the current head, and fsyncs
// before returning. It rotates to a new segment first if the current one
// has reached its configured threshold; the new segment's first entry
// embeds the prior segment's terminal entry_hash as its previous_hash,
// exactly as spec §6 requires.
func (c *Client) Append(eventType string, meta Metadata) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shouldRotate() {
		if err := c.rotate(); err != nil {
			return nil, err
		}
	}

	c.seq++
	entry := Entry{
		EntryID:      fmt.Sprintf("%s-%06d", c.name, c.seq),
		EventType:    eventType,
		Timestamp:    c.clock().UTC(),
		PreviousHash: c.headHash,
		Metadata:     meta,
	}

	hash, err := computeHash(entry)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "HASH_FAILED", err)
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "MARSHAL_FAILED", err)
	}
	line = append(line, '\n')

	n, err := c.current.file.Write(line)
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "WRITE_FAILED", err)
	}
	if err := c.current.file.Sync(); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.KindLedgerWriteError, "FSYNC_FAILED", err)
	}

	c.current.count++
	c.current.size += int64(n)
	c.headHash = entry.EntryHash

	return &entry, nil
}

func (c *Client) shouldRotate() bool {
	if c.current == nil {
		return false
	}
	return c.current.size >= c.cfg.MaxSegmentBytes || c.current.count >= c.cfg.MaxSegmentEntries
}

func (c *Client) rotate() error {
	if c.current != nil {
		_ = c.current.file.Close()
	}
	return c.openSegment(c.current.index + 1)
}

// Head returns the current chain head hash.
func (c *Client) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headHash
}

// ReadAll reads every entry across all segments, in write order.
func (c *Client) ReadAll() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readAllLocked()
}

func (c *Client) readAllLocked() ([]Entry, error) {
	var all []Entry
	for _, seg := range c.segments {
		entries, err := readJSONL(seg)
		if err != nil {
			return nil, kernelerrors.Wrap(kernelerrors.KindIntegrity, "SEGMENT_READ_FAILED", err)
		}
		all = append(all, entries...)
	}
	return all, nil
}

// ReadRange returns entries with sequence position in [start,end)
// (0-indexed, in write order).
func (c *Client) ReadRange(start, end int) ([]Entry, error) {
	all, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end > len(all) {
		end = len(all)
	}
	if start >= end {
		return nil, nil
	}
	return all[start:end], nil
}

// ReadRecent returns the last n entries in write order.
func (c *Client) ReadRecent(n int) ([]Entry, error) {
	all, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	if n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// QueryByEventType returns all entries with the given event type.
func (c *Client) QueryByEventType(eventType string) ([]Entry, error) {
	all, err := c.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// SegmentMerkleRoot computes a Merkle root over the entries of the
// segment at index, keyed by entry_id -> entry_hash, giving an
// anchorable tamper-evidence summary for that segment independent of
// the linear hash chain VerifyChain walks. Segment indexes are
// assigned in rotation order starting at 0.
func (c *Client) SegmentMerkleRoot(index int) (string, error) {
	c.mu.Lock()
	if index < 0 || index >= len(c.segments) {
		c.mu.Unlock()
		return "", kernelerrors.New(kernelerrors.KindValidation, "SEGMENT_OUT_OF_RANGE", fmt.Sprintf("segment %d out of range (have %d)", index, len(c.segments)))
	}
	seg := c.segments[index]
	c.mu.Unlock()

	entries, err := readJSONL(seg)
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.KindIntegrity, "SEGMENT_READ_FAILED", err)
	}

	leaves := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		leaves[e.EntryID] = e.EntryHash
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", kernelerrors.Wrap(kernelerrors.KindIntegrity, "MERKLE_BUILD_FAILED", err)
	}
	return tree.Root, nil
}

// SegmentCount returns the number of segments written so far.
func (c *Client) SegmentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segments)
}

// VerifyChain walks every segment in order and checks that each entry's
// previous_hash matches the prior entry's entry_hash (or, for the first
// entry of a non-zero segment, the prior segment's terminal hash), and
// that entry_hash is a correct recomputation. It never repairs a broken
// chain, only reports where it breaks.
func (c *Client) VerifyChain() (ok bool, breakAt string) {
	c.mu.Lock()
	segments := append([]string(nil), c.segments...)
	c.mu.Unlock()

	prevHash := "genesis"
	for _, seg := range segments {
		entries, err := readJSONL(seg)
		if err != nil {
			return false, fmt.Sprintf("unreadable segment %s: %v", seg, err)
		}
		for _, e := range entries {
			if e.PreviousHash != prevHash {
				return false, fmt.Sprintf("chain broken at %s: expected previous_hash %s, got %s", e.EntryID, prevHash, e.PreviousHash)
			}
			recomputed, err := computeHash(e)
			if err != nil {
				return false, fmt.Sprintf("cannot recompute hash for %s: %v", e.EntryID, err)
			}
			if recomputed != e.EntryHash {
				return false, fmt.Sprintf("hash mismatch at %s", e.EntryID)
			}
			prevHash = e.EntryHash
		}
	}
	return true, ""
}

// Close releases the underlying file handle.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.file != nil {
		return c.current.file.Close()
	}
	return nil
}
