// Package merkle builds Merkle roots over path->value maps, used to anchor
// ledger segment rotations so that a single root hash commits to an
// entire set of named artifacts.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/Mindburn-Labs/govkernel/pkg/canonicalize"
)

// Leaf is one named, hashed entry in the tree.
type Leaf struct {
	Path      string
	LeafBytes []byte
	LeafHash  string
}

// Tree is a bottom-up binary Merkle tree with duplicate-last-node padding
// for odd levels.
type Tree struct {
	Leaves []Leaf
	Root   string
	Levels [][]string // Levels[0] is the leaf-hash level
}

// Build constructs a Merkle tree from a map of path -> arbitrary value.
// Values are JCS-canonicalized before hashing so the root is stable
// regardless of map key ordering in the caller.
func Build(data map[string]interface{}) (*Tree, error) {
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, path := range paths {
		canonical, err := canonicalize.JCS(data[path])
		if err != nil {
			return nil, err
		}
		leafBytes := buildLeafBytes(path, canonical)
		leaves[i] = Leaf{
			Path:      path,
			LeafBytes: leafBytes,
			LeafHash:  sha256Hex(leafBytes),
		}
	}

	if len(leaves) == 0 {
		return &Tree{}, nil
	}

	tree := &Tree{Leaves: leaves}
	level := extractHashes(leaves)
	tree.Levels = append(tree.Levels, level)

	for len(level) > 1 {
		level = nextLevel(level)
		tree.Levels = append(tree.Levels, level)
	}

	tree.Root = level[0]
	return tree, nil
}

// Proof returns an inclusion proof for the leaf at path, or false if absent.
func (t *Tree) Proof(path string) (InclusionProof, bool) {
	idx := -1
	for i, l := range t.Leaves {
		if l.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InclusionProof{}, false
	}

	steps := make([]ProofStep, 0, len(t.Levels))
	pos := idx
	for levelIdx := 0; levelIdx < len(t.Levels)-1; levelIdx++ {
		level := t.Levels[levelIdx]
		isRight := pos%2 == 1
		var siblingIdx int
		var side string
		if isRight {
			siblingIdx = pos - 1
			side = "L"
		} else {
			siblingIdx = pos + 1
			if siblingIdx >= len(level) {
				siblingIdx = pos // duplicated last node
			}
			side = "R"
		}
		steps = append(steps, ProofStep{Side: side, SiblingHash: level[siblingIdx]})
		pos /= 2
	}

	return InclusionProof{
		LeafPath:   path,
		LeafHash:   t.Leaves[idx].LeafHash,
		MerkleRoot: t.Root,
		ProofPath:  steps,
	}, true
}

func buildLeafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("govkernel:leaf:v1")
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func extractHashes(leaves []Leaf) []string {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	return hashes
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString("govkernel:node:v1")
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
