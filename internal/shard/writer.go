package shard

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"ctmirror.dev/internal/ctxerr"
	"ctmirror.dev/internal/entry"
	"ctmirror.dev/internal/merkle"
	"ctmirror.dev/internal/packager"
)

// encodeRecord returns one entry's on-disk encoding within a shard data file: a
// length-prefixed concatenation of (leaf_bytes, extra_data_bytes) pairs,
// self-delimiting so a shard file can be re-read and re-hashed without a
// separate offset index.
func encodeRecord(leafBytes, extraData []byte) []byte {
	buf := make([]byte, 4+len(leafBytes)+4+len(extraData))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(leafBytes)))
	copy(buf[4:], leafBytes)
	off := 4 + len(leafBytes)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(extraData)))
	copy(buf[off+4:], extraData)
	return buf
}

func decodeRecords(data []byte) ([][2][]byte, error) {
	var out [][2][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated record length prefix")
		}
		leafLen := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint32(len(data)) < leafLen {
			return nil, fmt.Errorf("truncated leaf bytes")
		}
		leafBytes := data[:leafLen]
		data = data[leafLen:]

		if len(data) < 4 {
			return nil, fmt.Errorf("truncated extra_data length prefix")
		}
		extraLen := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint32(len(data)) < extraLen {
			return nil, fmt.Errorf("truncated extra_data bytes")
		}
		extraData := data[:extraLen]
		data = data[extraLen:]

		out = append(out, [2][]byte{leafBytes, extraData})
	}
	return out, nil
}

// Manifest is one sealed shard's metadata.
type Manifest struct {
	FirstIndex uint64      `json:"first_index"`
	LastIndex  uint64      `json:"last_index"`
	Count      uint64      `json:"count"`
	Subroot    merkle.Hash `json:"subroot"`
}

func dataKey(logDir string, shardStart uint64) string {
	return fmt.Sprintf("%s/shards/%020d.bin", logDir, shardStart)
}

func manifestKey(logDir string, shardStart uint64) string {
	return fmt.Sprintf("%s/shards/%020d.manifest.json", logDir, shardStart)
}

// Writer appends verified leaves to the currently-open shard and seals it
// once a shard boundary is crossed. Writer does not persist its streaming
// Merkle stack across process runs: OpenExisting rebuilds it by
// re-hashing the open shard's already-written leaf bytes.
type Writer struct {
	storage    Storage
	notifier   packager.Notifier
	logDir     string
	shardSize  uint64
	shardStart uint64

	buf   []byte
	stack *merkle.Stack
}

// New starts a fresh shard writer at shardStart, with no entries yet.
func New(storage Storage, notifier packager.Notifier, logDir string, shardSize, shardStart uint64) *Writer {
	return &Writer{
		storage:    storage,
		notifier:   notifier,
		logDir:     logDir,
		shardSize:  shardSize,
		shardStart: shardStart,
		stack:      merkle.NewStack(),
	}
}

// OpenExisting resumes a Writer from an archive root where the shard at
// shardStart has already received some (but not all) of its entries: the
// shard's data file is read back and each leaf re-hashed with
// merkle.LeafHash to rebuild the in-memory Merkle stack, rather than trusting any persisted
// stack state.
func OpenExisting(ctx context.Context, storage Storage, notifier packager.Notifier, logDir string, shardSize, shardStart uint64) (*Writer, error) {
	w := New(storage, notifier, logDir, shardSize, shardStart)

	exists, err := storage.Exists(ctx, dataKey(logDir, shardStart))
	if err != nil {
		return nil, &ctxerr.DiskIOError{Path: dataKey(logDir, shardStart), Err: err}
	}
	if !exists {
		return w, nil
	}

	data, err := storage.Get(ctx, dataKey(logDir, shardStart))
	if err != nil {
		return nil, &ctxerr.DiskIOError{Path: dataKey(logDir, shardStart), Err: err}
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, &ctxerr.DiskIOError{Path: dataKey(logDir, shardStart), Err: fmt.Errorf("corrupt open shard data: %w", err)}
	}
	for _, rec := range records {
		w.buf = append(w.buf, encodeRecord(rec[0], rec[1])...)
		w.stack.Push(merkle.LeafHash(rec[0]))
	}
	return w, nil
}

// ReadManifest loads a sealed shard's manifest, for callers (the sync
// controller) that need to replay already-sealed subroots when resuming
// the full-tree builder across process runs.
func ReadManifest(ctx context.Context, storage Storage, logDir string, shardStart uint64) (Manifest, error) {
	key := manifestKey(logDir, shardStart)
	data, err := storage.Get(ctx, key)
	if err != nil {
		return Manifest{}, &ctxerr.DiskIOError{Path: key, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, &ctxerr.DiskIOError{Path: key, Err: fmt.Errorf("corrupt manifest: %w", err)}
	}
	return m, nil
}

// ReadLeafHashes replays an open (not yet sealed) shard's already-written
// leaves and returns their Merkle leaf hashes in index order, without
// constructing a full Writer. Used by the sync controller to rebuild the
// full-tree builder's partial state for the in-progress shard on resume.
func ReadLeafHashes(ctx context.Context, storage Storage, logDir string, shardStart uint64) ([]merkle.Hash, error) {
	key := dataKey(logDir, shardStart)
	exists, err := storage.Exists(ctx, key)
	if err != nil {
		return nil, &ctxerr.DiskIOError{Path: key, Err: err}
	}
	if !exists {
		return nil, nil
	}
	data, err := storage.Get(ctx, key)
	if err != nil {
		return nil, &ctxerr.DiskIOError{Path: key, Err: err}
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, &ctxerr.DiskIOError{Path: key, Err: fmt.Errorf("corrupt open shard data: %w", err)}
	}
	hashes := make([]merkle.Hash, len(records))
	for i, rec := range records {
		hashes[i] = merkle.LeafHash(rec[0])
	}
	return hashes, nil
}

// NextIndex reports the index this Writer expects to receive next.
func (w *Writer) NextIndex() uint64 { return w.shardStart + w.stack.Size() }

// Append adds the next entry (which must carry index == NextIndex()) to
// the open shard, sealing and finalizing the shard if this write crosses
// its boundary.
func (w *Writer) Append(ctx context.Context, d *entry.Decoded, leafBytes, extraData []byte) error {
	if d.Index != w.NextIndex() {
		return fmt.Errorf("shard writer: out-of-order append: got index %d, want %d", d.Index, w.NextIndex())
	}

	w.buf = append(w.buf, encodeRecord(leafBytes, extraData)...)
	w.stack.Push(d.LeafHash)

	if w.stack.Size() == w.shardSize {
		return w.seal(ctx)
	}
	return nil
}

// seal writes the data file, computes the shard's subroot, writes the
// manifest, and notifies the packager, in that order — Storage.Set's
// durability contract means the leaf is already safe on disk before the
// manifest write that references it begins.
func (w *Writer) seal(ctx context.Context) error {
	dKey := dataKey(w.logDir, w.shardStart)
	if err := w.storage.Set(ctx, dKey, w.buf); err != nil {
		return &ctxerr.DiskIOError{Path: dKey, Err: err}
	}

	subroot, err := w.stack.Root()
	if err != nil {
		return fmt.Errorf("shard writer: compute subroot: %w", err)
	}
	manifest := Manifest{
		FirstIndex: w.shardStart,
		LastIndex:  w.shardStart + w.shardSize - 1,
		Count:      w.shardSize,
		Subroot:    subroot,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("shard writer: marshal manifest: %w", err)
	}

	mKey := manifestKey(w.logDir, w.shardStart)
	if err := w.storage.Set(ctx, mKey, manifestBytes); err != nil {
		return &ctxerr.DiskIOError{Path: mKey, Err: err}
	}

	if w.notifier != nil {
		if err := w.notifier.ShardFinalized(ctx, packager.ShardManifest{
			DataPath:   dKey,
			FirstIndex: manifest.FirstIndex,
			LastIndex:  manifest.LastIndex,
			Count:      manifest.Count,
			Subroot:    subroot,
		}); err != nil {
			return fmt.Errorf("shard writer: notify packager: %w", err)
		}
	}

	w.shardStart += w.shardSize
	w.buf = nil
	w.stack = merkle.NewStack()
	return nil
}

// Flush persists the currently-open (not yet sealed) shard's data so far,
// without writing a manifest — a manifest's presence is exactly what
// distinguishes a sealed shard from an open one. Called once at the end
// of a successful sync run so the next run's OpenExisting can resume from
// here.
func (w *Writer) Flush(ctx context.Context) error {
	if w.stack.Size() == 0 {
		return nil
	}
	dKey := dataKey(w.logDir, w.shardStart)
	if err := w.storage.Set(ctx, dKey, w.buf); err != nil {
		return &ctxerr.DiskIOError{Path: dKey, Err: err}
	}
	return nil
}
