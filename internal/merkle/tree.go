// Package merkle implements CT Merkle-tree reconstruction and
// consistency-proof verification. Both are thin domain wrappers around
// golang.org/x/mod/sumdb/tlog's hash primitives (tlog.RecordHash and
// tlog.NodeHash implement the RFC 6962 §2.1 leaf/interior hash
// construction directly), with the streaming hash-stack bookkeeping built
// on top rather than through tlog's own tile-storage scheme, since this
// repository has no persisted-tile backing store for tlog.HashReader to
// read from.
package merkle

import (
	"bytes"
	"fmt"

	"golang.org/x/mod/sumdb/tlog"

	"ctmirror.dev/internal/ctxerr"
)

// Hash is a 32-byte Merkle tree hash, identical in layout to tlog.Hash so
// the primitives below interoperate directly with golang.org/x/mod/sumdb/tlog.
type Hash = tlog.Hash

// LeafHash returns SHA-256(0x00 || leafBytes), the RFC 6962 leaf hash.
func LeafHash(leafBytes []byte) Hash {
	return tlog.RecordHash(leafBytes)
}

// nodeHash returns SHA-256(0x01 || left || right), the RFC 6962 interior
// hash.
func nodeHash(left, right Hash) Hash {
	return tlog.NodeHash(left, right)
}

// stackEntry is one complete subtree sitting on a Stack.
type stackEntry struct {
	Level int  // the subtree holds 2^Level leaves
	Hash  Hash // the subtree's root hash
}

// Stack is the streaming tree builder: it accepts leaf hashes in strictly
// increasing index order, starting at index 0 or from a resumed state via
// PushSubtree, and maintains the minimal "hash stack" of complete-subtree
// subroots needed to recompute the root at any size without rehashing
// earlier leaves.
//
// This repository does not persist the stack mid-shard between process
// runs: a restarted run rebuilds it from the last sealed shard boundary
// forward.
type Stack struct {
	size    uint64
	entries []stackEntry // bottom (oldest, largest subtree) first, top (most recent, smallest) last
}

// NewStack returns an empty streaming tree builder, starting at size 0.
func NewStack() *Stack {
	return &Stack{}
}

// Size reports how many leaves have been pushed.
func (s *Stack) Size() uint64 { return s.size }

// Push appends the next leaf hash (at index Size()) and merges any
// complete subtrees it closes off: push, then while the top two entries
// correspond to equal-sized complete subtrees, pop them and push their
// parent hash.
func (s *Stack) Push(h Hash) {
	s.pushSubtree(0, h)
}

// PushSubtree appends the root hash of an already-complete subtree of
// 2^level leaves, merging it the same way Push merges a single leaf
// (level 0). Because RFC 6962's tree is recursively self-similar, the
// binary-counter merge algorithm is valid at any granularity: pushing a
// sealed shard's own subroot at level log2(shardSize) reconstructs the
// exact global stack a leaf-by-leaf replay would have produced, without
// rehashing the shard's contents.
//
// Used by the sync controller to resume the full-tree builder across
// process runs cheaply when the trusted tree size falls on a shard
// boundary. The PushSubtree calls must be made in increasing index order,
// and every subtree pushed must be genuinely complete (its leaf count a
// power of two).
func (s *Stack) PushSubtree(level int, h Hash) {
	s.pushSubtree(level, h)
}

func (s *Stack) pushSubtree(level int, h Hash) {
	s.entries = append(s.entries, stackEntry{Level: level, Hash: h})
	s.size += uint64(1) << uint(level)
	for len(s.entries) >= 2 {
		top := s.entries[len(s.entries)-1]
		next := s.entries[len(s.entries)-2]
		if top.Level != next.Level {
			break
		}
		merged := stackEntry{Level: top.Level + 1, Hash: nodeHash(next.Hash, top.Hash)}
		s.entries = append(s.entries[:len(s.entries)-2], merged)
	}
}

// Root folds the stack right-to-left, hashing the smaller subtree on top
// into the accumulator. It errors on an empty stack, so callers must
// special-case tree_size == 0 (whose RFC 6962 root is SHA-256 of the
// empty string).
func (s *Stack) Root() (Hash, error) {
	if len(s.entries) == 0 {
		return Hash{}, fmt.Errorf("merkle: root of empty tree is undefined")
	}
	acc := s.entries[len(s.entries)-1].Hash
	for i := len(s.entries) - 2; i >= 0; i-- {
		acc = nodeHash(s.entries[i].Hash, acc)
	}
	return acc, nil
}

// VerifyConsistency checks that a log claiming root oldRoot at size
// firstSize and root newRoot at size secondSize is consistent, given the
// server-provided proof path, per RFC 6962 §2.1.2.
//
// Edge cases, matching exactly:
//   - firstSize == 0 is vacuously accepted; no proof is consulted.
//   - firstSize == secondSize requires an empty proof and oldRoot == newRoot.
func VerifyConsistency(firstSize, secondSize uint64, oldRoot, newRoot Hash, proof [][]byte) error {
	if firstSize == 0 {
		return nil
	}
	if firstSize > secondSize {
		return &ctxerr.ConsistencyProofFailedError{
			First: firstSize, Second: secondSize,
			Err: fmt.Errorf("first_size %d exceeds second_size %d", firstSize, secondSize),
		}
	}
	if firstSize == secondSize {
		if len(proof) != 0 {
			return &ctxerr.ConsistencyProofFailedError{
				First: firstSize, Second: secondSize,
				Err: fmt.Errorf("expected empty proof for equal tree sizes, got %d entries", len(proof)),
			}
		}
		if !bytes.Equal(oldRoot[:], newRoot[:]) {
			return &ctxerr.ConsistencyProofFailedError{
				First: firstSize, Second: secondSize,
				Err: fmt.Errorf("roots differ at equal tree size %d", firstSize),
			}
		}
		return nil
	}

	treeProof := make(tlog.TreeProof, len(proof))
	for i, p := range proof {
		if len(p) != len(Hash{}) {
			return &ctxerr.ConsistencyProofFailedError{
				First: firstSize, Second: secondSize,
				Err: fmt.Errorf("proof entry %d has length %d, want %d", i, len(p), len(Hash{})),
			}
		}
		copy(treeProof[i][:], p)
	}

	if err := tlog.CheckTree(treeProof, int64(secondSize), newRoot, int64(firstSize), oldRoot); err != nil {
		return &ctxerr.ConsistencyProofFailedError{First: firstSize, Second: secondSize, Err: err}
	}
	return nil
}
