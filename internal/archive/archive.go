// Package archive implements the on-disk archive root: one directory per
// mirrored log holding the latest trusted STH and a sequence of shard
// files, guarded by a per-archive-root advisory lock.
//
// This tool runs as a single-operator local batch job, not a fleet of
// cooperating log-writer replicas, so a local lockfile (see DESIGN.md) is
// the idiomatic choice over a distributed lock service.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ctmirror.dev/internal/config"
	"ctmirror.dev/internal/ctxerr"
	"ctmirror.dev/internal/merkle"
	"ctmirror.dev/internal/shard"
)

const lockFileName = ".lock"

// Archive owns one archive root directory for the duration of a process
// run. It is not safe for concurrent use by more than one *Archive at a
// time against the same root; Open enforces this with an advisory lock.
type Archive struct {
	root     string
	lockPath string
	lockFile *os.File
}

// Open acquires the archive root's advisory lock and ensures the root
// directory exists. The returned Archive must be Closed to release the
// lock, even on error paths during the run: the lock prevents concurrent
// runs against the same archive.
func Open(root string) (*Archive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &ctxerr.DiskIOError{Path: root, Err: err}
	}

	lockPath := filepath.Join(root, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &ctxerr.DiskIOError{Path: lockPath, Err: fmt.Errorf("archive root is locked by another run")}
		}
		return nil, &ctxerr.DiskIOError{Path: lockPath, Err: err}
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Archive{root: root, lockPath: lockPath, lockFile: f}, nil
}

// Close releases the advisory lock.
func (a *Archive) Close() error {
	closeErr := a.lockFile.Close()
	removeErr := os.Remove(a.lockPath)
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}

// LogDir returns the archive-relative directory name for logID, with "/"
// replaced by "_".
func (a *Archive) LogDir(logID string) string {
	return config.LogDirName(logID)
}

// ShardStorage returns the Storage implementation shard.Writer should use
// for this archive root: a local FsStorage, since the archive root's
// sth.json/lockfile bookkeeping is inherently local even when the shard
// data itself is later mirrored to an S3-compatible bucket via a
// dedicated shard.S3Storage constructed by the caller.
func (a *Archive) ShardStorage() shard.Storage {
	return shard.NewFsStorage(a.root)
}

// StoredSTH is the on-disk representation of sth.json.
type StoredSTH struct {
	TreeSize  uint64      `json:"tree_size"`
	Timestamp uint64      `json:"timestamp"`
	RootHash  merkle.Hash `json:"root_hash"`
	Signature []byte      `json:"signature"`
}

func sthPath(root, logID string) string {
	return filepath.Join(root, config.LogDirName(logID), "sth.json")
}

// LoadTrustedSTH reads the last trusted STH for logID. A missing file is
// not an error: it is reported via found=false, and the caller treats the
// log as starting from tree_size 0.
func (a *Archive) LoadTrustedSTH(logID string) (sth *StoredSTH, found bool, err error) {
	path := sthPath(a.root, logID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &ctxerr.DiskIOError{Path: path, Err: err}
	}
	var s StoredSTH
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, &ctxerr.DiskIOError{Path: path, Err: fmt.Errorf("corrupt sth.json: %w", err)}
	}
	return &s, true, nil
}

// SaveTrustedSTH atomically replaces sth.json via temp-file + rename +
// fsync.
func (a *Archive) SaveTrustedSTH(logID string, sth *StoredSTH) error {
	dir := filepath.Join(a.root, config.LogDirName(logID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &ctxerr.DiskIOError{Path: dir, Err: err}
	}

	data, err := json.Marshal(sth)
	if err != nil {
		return fmt.Errorf("archive: marshal sth: %w", err)
	}

	finalPath := filepath.Join(dir, "sth.json")
	tmp, err := os.CreateTemp(dir, "sth.json.tmp-*")
	if err != nil {
		return &ctxerr.DiskIOError{Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &ctxerr.DiskIOError{Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &ctxerr.DiskIOError{Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &ctxerr.DiskIOError{Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &ctxerr.DiskIOError{Path: finalPath, Err: err}
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return &ctxerr.DiskIOError{Path: dir, Err: err}
	}
	defer dirHandle.Close()
	return dirHandle.Sync()
}

