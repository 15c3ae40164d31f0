// Package ledger builds the per-session transparency log: a binary Merkle
// tree over the session's trace events, inclusion proofs per event, and
// checkpoints optionally anchored to an external witness.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/agentgate/backend/internal/core"
)

// LeafHash computes the leaf digest for one event: the event id in
// big-endian followed by the canonical event bytes. Binding the id into the
// leaf means reordering events changes the root even when contents collide.
func LeafHash(e *core.TraceEvent) string {
	h := sha256.New()
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(e.EventID))
	h.Write(id[:])
	h.Write(e.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}

func nodeHash(left, right string) string {
	h := sha256.New()
	l, _ := hex.DecodeString(left)
	r, _ := hex.DecodeString(right)
	h.Write(l)
	h.Write(r)
	return hex.EncodeToString(h.Sum(nil))
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // sibling sits on the left of the path node
}

// InclusionProof lets a verifier recompute the root from a single event.
type InclusionProof struct {
	EventID  int64       `json:"event_id"`
	LeafHash string      `json:"leaf_hash"`
	RootHash string      `json:"root_hash"`
	Path     []ProofStep `json:"path"`
}

// Tree is the Merkle tree for one session's ordered event log.
type Tree struct {
	levels [][]string // levels[0] is the leaf row
}

// Build constructs the tree. Odd rows duplicate their last node, the usual
// completion rule for binary Merkle trees.
func Build(events []core.TraceEvent) *Tree {
	if len(events) == 0 {
		return &Tree{}
	}
	leaves := make([]string, len(events))
	for i := range events {
		leaves[i] = LeafHash(&events[i])
	}

	levels := [][]string{leaves}
	for len(levels[len(levels)-1]) > 1 {
		prev := levels[len(levels)-1]
		if len(prev)%2 == 1 {
			// Pad a working copy only; stored rows keep their true size so
			// Size() reports the leaf count, not the padded width.
			prev = append(prev[:len(prev):len(prev)], prev[len(prev)-1])
		}
		next := make([]string, 0, len(prev)/2)
		for i := 0; i < len(prev); i += 2 {
			next = append(next, nodeHash(prev[i], prev[i+1]))
		}
		levels = append(levels, next)
	}
	return &Tree{levels: levels}
}

// Root returns the session root hash, or "" for an empty log.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return ""
	}
	return t.levels[len(t.levels)-1][0]
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Prove emits the inclusion proof for the event at leaf index i.
func (t *Tree) Prove(i int, eventID int64) (*InclusionProof, error) {
	if len(t.levels) == 0 || i < 0 || i >= len(t.levels[0]) {
		return nil, core.E(core.KindValidation, "leaf index out of range")
	}
	proof := &InclusionProof{
		EventID:  eventID,
		LeafHash: t.levels[0][i],
		RootHash: t.Root(),
	}
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		row := t.levels[level]
		var sibling int
		left := idx%2 == 1
		if left {
			sibling = idx - 1
		} else {
			sibling = idx + 1
			if sibling >= len(row) {
				sibling = idx // duplicated last node
			}
		}
		proof.Path = append(proof.Path, ProofStep{Hash: row[sibling], Left: left})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from an event and its proof. Deterministic and
// entirely offline.
func Verify(e *core.TraceEvent, proof *InclusionProof) bool {
	if proof == nil || LeafHash(e) != proof.LeafHash {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Left {
			current = nodeHash(step.Hash, current)
		} else {
			current = nodeHash(current, step.Hash)
		}
	}
	return current == proof.RootHash
}
