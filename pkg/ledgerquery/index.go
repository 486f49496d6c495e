package ledgerquery

import (
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/ledger"
)

// tierIndex is the in-memory inverted index for one tier's ledger,
// rebuilt lazily on staleness per the correctness invariant: the index is
// a cache, never a source of truth.
type tierIndex struct {
	all           []ledger.Entry
	byEventType   map[string][]ledger.Entry
	builtAt       time.Time
	newSinceBuild int
}

func buildIndex(entries []ledger.Entry) *tierIndex {
	idx := &tierIndex{
		all:         entries,
		byEventType: make(map[string][]ledger.Entry),
		builtAt:     time.Now(),
	}
	for _, e := range entries {
		idx.byEventType[e.EventType] = append(idx.byEventType[e.EventType], e)
	}
	return idx
}
