package shard

import (
	"context"
	"fmt"
	"testing"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/tls"

	"ctmirror.dev/internal/entry"
	"ctmirror.dev/internal/merkle"
	"ctmirror.dev/internal/packager"
)

// memStorage is an in-memory Storage for tests, avoiding any real
// filesystem or network dependency. Set is synchronous and records the
// order keys were written in, so a test can assert write ordering (the
// durability invariant a real Storage enforces via fsync) without a
// separate sync-tracking hook.
type memStorage struct {
	data  map[string][]byte
	order []string
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
	}
	return v, nil
}

func (m *memStorage) Set(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key] = cp
	m.order = append(m.order, key)
	return nil
}

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStorage) writtenBefore(earlier, later string) bool {
	earlierIdx, laterIdx := -1, -1
	for i, k := range m.order {
		if k == earlier && earlierIdx == -1 {
			earlierIdx = i
		}
		if k == later && laterIdx == -1 {
			laterIdx = i
		}
	}
	return earlierIdx != -1 && laterIdx != -1 && earlierIdx < laterIdx
}

func decodedLeaf(t *testing.T, index uint64) (*entry.Decoded, []byte, []byte) {
	t.Helper()
	leaf := ct.MerkleTreeLeaf{
		Version:  ct.V1,
		LeafType: ct.TimestampedEntryLeafType,
		TimestampedEntry: &ct.TimestampedEntry{
			Timestamp: 1700000000000 + index,
			EntryType: ct.X509LogEntryType,
			X509Entry: &ct.ASN1Cert{Data: []byte(fmt.Sprintf("cert-%d", index))},
		},
	}
	leafBytes, err := tls.Marshal(leaf)
	if err != nil {
		t.Fatal(err)
	}
	d, err := entry.Decode(index, leafBytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d, leafBytes, nil
}

type capturingNotifier struct {
	manifests []packager.ShardManifest
}

func (c *capturingNotifier) ShardFinalized(ctx context.Context, m packager.ShardManifest) error {
	c.manifests = append(c.manifests, m)
	return nil
}

func TestWriterSealsAtShardBoundary(t *testing.T) {
	storage := newMemStorage()
	notifier := &capturingNotifier{}
	const shardSize = 4
	w := New(storage, notifier, "logs/test", shardSize, 0)

	var leaves [][]byte
	for i := uint64(0); i < shardSize; i++ {
		d, leafBytes, extra := decodedLeaf(t, i)
		leaves = append(leaves, leafBytes)
		if err := w.Append(context.Background(), d, leafBytes, extra); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	if len(notifier.manifests) != 1 {
		t.Fatalf("len(manifests) = %d, want 1", len(notifier.manifests))
	}
	m := notifier.manifests[0]
	if m.FirstIndex != 0 || m.LastIndex != shardSize-1 || m.Count != shardSize {
		t.Errorf("manifest = %+v", m)
	}

	mKey := manifestKey("logs/test", 0)
	if _, ok := storage.data[mKey]; !ok {
		t.Fatal("manifest not written to storage")
	}
	dKey := dataKey("logs/test", 0)
	if _, ok := storage.data[dKey]; !ok {
		t.Fatal("data file not written to storage")
	}
	if !storage.writtenBefore(dKey, mKey) {
		t.Error("data file must be written before the manifest that references it")
	}

	// w should now be writing into shard 1.
	if w.NextIndex() != shardSize {
		t.Errorf("NextIndex() = %d, want %d", w.NextIndex(), shardSize)
	}
}

func TestWriterRejectsOutOfOrderAppend(t *testing.T) {
	storage := newMemStorage()
	w := New(storage, nil, "logs/test", 10, 0)
	d, leafBytes, extra := decodedLeaf(t, 5)
	if err := w.Append(context.Background(), d, leafBytes, extra); err == nil {
		t.Fatal("expected error appending out-of-order index")
	}
}

func TestWriterFlushPersistsOpenShardWithoutManifest(t *testing.T) {
	storage := newMemStorage()
	w := New(storage, nil, "logs/test", 10, 0)
	d, leafBytes, extra := decodedLeaf(t, 0)
	if err := w.Append(context.Background(), d, leafBytes, extra); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dKey := dataKey("logs/test", 0)
	if _, ok := storage.data[dKey]; !ok {
		t.Fatal("open shard data not persisted by Flush")
	}
	mKey := manifestKey("logs/test", 0)
	if _, ok := storage.data[mKey]; ok {
		t.Fatal("Flush must not write a manifest for an unsealed shard")
	}
}

func TestOpenExistingRebuildsStackByRehashing(t *testing.T) {
	storage := newMemStorage()
	const shardSize = 10
	w := New(storage, nil, "logs/test", shardSize, 0)

	var hashes []merkle.Hash
	for i := uint64(0); i < 3; i++ {
		d, leafBytes, extra := decodedLeaf(t, i)
		hashes = append(hashes, d.LeafHash)
		if err := w.Append(context.Background(), d, leafBytes, extra); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	resumed, err := OpenExisting(context.Background(), storage, nil, "logs/test", shardSize, 0)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	if resumed.NextIndex() != 3 {
		t.Fatalf("NextIndex() = %d, want 3", resumed.NextIndex())
	}

	// Finish the shard on the resumed writer and confirm its subroot
	// matches a from-scratch computation over all 10 leaf hashes.
	notifier := &capturingNotifier{}
	resumed.notifier = notifier
	var allHashes []merkle.Hash
	allHashes = append(allHashes, hashes...)
	for i := uint64(3); i < shardSize; i++ {
		d, leafBytes, extra := decodedLeaf(t, i)
		allHashes = append(allHashes, d.LeafHash)
		if err := resumed.Append(context.Background(), d, leafBytes, extra); err != nil {
			t.Fatal(err)
		}
	}

	want := merkle.NewStack()
	for _, h := range allHashes {
		want.Push(h)
	}
	wantRoot, _ := want.Root()

	if len(notifier.manifests) != 1 {
		t.Fatalf("len(manifests) = %d, want 1", len(notifier.manifests))
	}
	gotRoot := notifier.manifests[0].Subroot
	if gotRoot != wantRoot {
		t.Errorf("resumed subroot %x != from-scratch subroot %x", gotRoot, wantRoot)
	}
}
