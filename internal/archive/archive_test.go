package archive

import (
	"os"
	"path/filepath"
	"testing"

	"ctmirror.dev/internal/merkle"
)

func TestOpenCreatesRootAndLock(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := os.Stat(root); err != nil {
		t.Fatalf("archive root not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, lockFileName)); err != nil {
		t.Fatalf("lockfile not created: %v", err)
	}
}

func TestOpenFailsWhenAlreadyLocked(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := Open(root); err == nil {
		t.Fatal("expected second Open of a locked archive root to fail")
	}
}

func TestCloseReleasesLockForReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := Open(root)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	defer b.Close()
}

func TestLoadTrustedSTHMissingIsNotAnError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	sth, found, err := a.LoadTrustedSTH("ct.example.com/test")
	if err != nil {
		t.Fatalf("LoadTrustedSTH: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a log with no sth.json yet")
	}
	if sth != nil {
		t.Fatal("expected nil sth when not found")
	}
}

func TestSaveAndLoadTrustedSTHRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	const logID = "ct.example.com/test"
	var root32 merkle.Hash
	root32[0] = 0xAB
	want := &StoredSTH{
		TreeSize:  1234,
		Timestamp: 1700000000000,
		RootHash:  root32,
		Signature: []byte{0x01, 0x02, 0x03},
	}
	if err := a.SaveTrustedSTH(logID, want); err != nil {
		t.Fatalf("SaveTrustedSTH: %v", err)
	}

	got, found, err := a.LoadTrustedSTH(logID)
	if err != nil {
		t.Fatalf("LoadTrustedSTH: %v", err)
	}
	if !found {
		t.Fatal("expected found=true after SaveTrustedSTH")
	}
	if got.TreeSize != want.TreeSize || got.Timestamp != want.Timestamp || got.RootHash != want.RootHash {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// The written file must exist at the on-disk layout's well-known path,
	// so external tooling and the packager can find it.
	expectedPath := filepath.Join(root, "ct.example.com_test", "sth.json")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Fatalf("sth.json not at expected path: %v", err)
	}

	// No leftover temp files.
	entries, err := os.ReadDir(filepath.Join(root, "ct.example.com_test"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "sth.json" {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}

func TestSaveTrustedSTHOverwritesAtomically(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	const logID = "ct.example.com/test"
	if err := a.SaveTrustedSTH(logID, &StoredSTH{TreeSize: 1}); err != nil {
		t.Fatal(err)
	}
	if err := a.SaveTrustedSTH(logID, &StoredSTH{TreeSize: 2}); err != nil {
		t.Fatal(err)
	}

	got, _, err := a.LoadTrustedSTH(logID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TreeSize != 2 {
		t.Errorf("TreeSize = %d, want 2 (latest write must win)", got.TreeSize)
	}
}

func TestLogDirReplacesSlashes(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if got := a.LogDir("ct.googleapis.com/rocketeer"); got != "ct.googleapis.com_rocketeer" {
		t.Errorf("LogDir = %q", got)
	}
}
