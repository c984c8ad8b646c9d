// Package sync implements the resumable top-level state machine that
// extends one log's local mirror to its newest Signed Tree Head,
// verifying consistency before it trusts the result. A sync run is
// single-flight: it validates inputs, loads prior state, and drives an
// explicit state machine to completion rather than handling concurrent
// submissions as a long-lived server would.
package sync

import (
	"context"
	"fmt"
	"math/bits"

	"ctmirror.dev/internal/archive"
	"ctmirror.dev/internal/config"
	"ctmirror.dev/internal/ctxerr"
	"ctmirror.dev/internal/entry"
	"ctmirror.dev/internal/logclient"
	"ctmirror.dev/internal/merkle"
	"ctmirror.dev/internal/packager"
	"ctmirror.dev/internal/pipeline"
	"ctmirror.dev/internal/shard"
)

// State names one position in the state machine.
type State int

const (
	StateIdle State = iota
	StateFetchSTH
	StateVerifyConsistency
	StateSync
	StateCommit
	StateDone
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetchSTH:
		return "FETCH_STH"
	case StateVerifyConsistency:
		return "VERIFY_CONSISTENCY"
	case StateSync:
		return "SYNC"
	case StateCommit:
		return "COMMIT"
	case StateDone:
		return "DONE"
	case StateAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Result summarizes one completed (or aborted) run for the caller.
type Result struct {
	LogID       string
	OldTreeSize uint64
	NewTreeSize uint64
	FinalState  State
}

// Controller drives one log's sync run to completion. It holds no state
// across runs beyond what it loads from the archive at the start of Run.
type Controller struct {
	desc         config.LogDescriptor
	arc          *archive.Archive
	client       *logclient.Client
	notifier     packager.Notifier
	workers      int
	shardSize    uint64
	shardStorage shard.Storage
}

// New builds a Controller for one log. shardSize must be a power of two
// (config.Options.Validate enforces this): the resume path below treats a
// sealed shard's subroot as a complete subtree of the global tree, which is
// only a valid RFC 6962 node when its leaf count is a power of two.
//
// shardStorage overrides where shard data and manifests are written; pass
// nil to use the archive root's own local filesystem (arc.ShardStorage()),
// or a *shard.S3Storage to mirror directly into an S3-compatible bucket.
func New(desc config.LogDescriptor, arc *archive.Archive, client *logclient.Client, notifier packager.Notifier, workers int, shardSize uint64, shardStorage shard.Storage) *Controller {
	return &Controller{desc: desc, arc: arc, client: client, notifier: notifier, workers: workers, shardSize: shardSize, shardStorage: shardStorage}
}

// Run executes one full sync cycle: IDLE -> FETCH_STH -> VERIFY_CONSISTENCY
// -> (SYNC -> COMMIT | DONE) | ABORT. On any verification failure the
// trusted STH is left unchanged and the first error is returned; the
// caller's Result still reports the state the run reached.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	res := &Result{LogID: c.desc.ID, FinalState: StateIdle}

	stored, found, err := c.arc.LoadTrustedSTH(c.desc.ID)
	if err != nil {
		res.FinalState = StateAbort
		return res, err
	}
	var oldSize uint64
	var oldRoot merkle.Hash
	if found {
		oldSize = stored.TreeSize
		oldRoot = stored.RootHash
	}
	res.OldTreeSize = oldSize

	res.FinalState = StateFetchSTH
	newSTH, err := c.client.GetSTH(ctx)
	if err != nil {
		res.FinalState = StateAbort
		return res, err
	}
	if err := logclient.VerifySTHSignature(c.desc.PublicKey, newSTH); err != nil {
		res.FinalState = StateAbort
		return res, &ctxerr.SignatureInvalidError{LogID: c.desc.ID, Err: err}
	}
	newSize := newSTH.TreeSize
	newRoot := merkle.Hash(newSTH.SHA256RootHash)
	res.NewTreeSize = newSize

	if newSize < oldSize {
		res.FinalState = StateAbort
		return res, &ctxerr.ConsistencyProofFailedError{
			First: oldSize, Second: newSize,
			Err: fmt.Errorf("trusted tree_size must not regress: have %d, log reports %d", oldSize, newSize),
		}
	}

	res.FinalState = StateVerifyConsistency
	var proof [][]byte
	if oldSize > 0 && newSize > oldSize {
		proof, err = c.client.GetSTHConsistency(ctx, oldSize, newSize)
		if err != nil {
			res.FinalState = StateAbort
			return res, err
		}
	}
	if err := merkle.VerifyConsistency(oldSize, newSize, oldRoot, newRoot, proof); err != nil {
		res.FinalState = StateAbort
		return res, err
	}

	if newSize == oldSize {
		res.FinalState = StateDone
		return res, nil
	}

	res.FinalState = StateSync
	if err := c.sync(ctx, oldSize, newSize, newRoot); err != nil {
		res.FinalState = StateAbort
		return res, err
	}

	res.FinalState = StateCommit
	if err := c.arc.SaveTrustedSTH(c.desc.ID, &archive.StoredSTH{
		TreeSize:  newSTH.TreeSize,
		Timestamp: newSTH.Timestamp,
		RootHash:  newRoot,
		Signature: newSTH.TreeHeadSignature,
	}); err != nil {
		res.FinalState = StateAbort
		return res, err
	}

	res.FinalState = StateDone
	return res, nil
}

// sync drives the fetch pipeline over [oldSize, newSize), feeding every
// decoded leaf to both the shard writer and the full-tree Merkle builder,
// and checks the recomputed root against the new STH before returning.
func (c *Controller) sync(ctx context.Context, oldSize, newSize uint64, wantRoot merkle.Hash) error {
	logDir := c.arc.LogDir(c.desc.ID)
	storage := c.shardStorage
	if storage == nil {
		storage = c.arc.ShardStorage()
	}
	shardStart := (oldSize / c.shardSize) * c.shardSize

	writer, err := shard.OpenExisting(ctx, storage, c.notifier, logDir, c.shardSize, shardStart)
	if err != nil {
		return err
	}

	tree, err := c.resumeTreeStack(ctx, storage, logDir, shardStart, oldSize)
	if err != nil {
		return err
	}

	p := pipeline.New(c.client, c.workers, uint64(c.desc.MaxBatchSize))
	runErr := p.Run(ctx, oldSize, newSize, func(d *entry.Decoded) error {
		if err := writer.Append(ctx, d, d.LeafBytes, d.ExtraData); err != nil {
			return err
		}
		tree.Push(d.LeafHash)
		return nil
	})
	if runErr != nil {
		return runErr
	}

	gotRoot, err := tree.Root()
	if err != nil {
		return fmt.Errorf("sync: compute final root: %w", err)
	}
	if gotRoot != wantRoot {
		return &ctxerr.RootMismatchError{TreeSize: newSize, Got: gotRoot, Want: wantRoot}
	}

	return writer.Flush(ctx)
}

// resumeTreeStack rebuilds the full-tree streaming builder's state as of
// oldSize without rehashing any sealed shard's leaves: each sealed
// shard's own subroot is pushed as one complete subtree, and only the
// still-open shard's already-written leaves (if any) are replayed
// individually.
func (c *Controller) resumeTreeStack(ctx context.Context, storage shard.Storage, logDir string, shardStart, oldSize uint64) (*merkle.Stack, error) {
	tree := merkle.NewStack()
	level := bits.TrailingZeros64(c.shardSize)

	for s := uint64(0); s < shardStart; s += c.shardSize {
		m, err := shard.ReadManifest(ctx, storage, logDir, s)
		if err != nil {
			return nil, err
		}
		tree.PushSubtree(level, m.Subroot)
	}

	hashes, err := shard.ReadLeafHashes(ctx, storage, logDir, shardStart)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		tree.Push(h)
	}

	if tree.Size() != oldSize {
		return nil, fmt.Errorf("sync: resumed tree size %d does not match trusted tree_size %d", tree.Size(), oldSize)
	}
	return tree, nil
}
