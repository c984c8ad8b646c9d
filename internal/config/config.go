// Package config parses and validates the known-logs JSON file and the
// CLI options that select an archive run. Nothing here is part of the
// core; it is the shallow glue the core is invoked through.
package config

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"ctmirror.dev/internal/ctxerr"
)

// LogDescriptor identifies one CT log endpoint and its trust material.
type LogDescriptor struct {
	ID                string
	BaseURL           string
	PublicKey         crypto.PublicKey
	MaximumMergeDelay time.Duration
	MaxBatchSize      int
}

// knownLogEntry mirrors one element of the known-logs JSON file. Only Key
// and URL are consumed by the core; the other fields are retained for
// operator reference.
type knownLogEntry struct {
	Description       string `json:"description"`
	Key               string `json:"key"`
	URL               string `json:"url"`
	MaximumMergeDelay int    `json:"maximum_merge_delay"`
}

// LoadKnownLogs parses the known-logs JSON file at path into a map keyed by
// log identifier: the file is a JSON object whose keys are taken as the
// identifiers (DNS-style names such as "ct.googleapis.com/rocketeer").
func LoadKnownLogs(path string) (map[string]LogDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ctxerr.ConfigError{Field: "known-logs", Err: err}
	}

	var entries map[string]knownLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &ctxerr.ConfigError{Field: "known-logs", Err: fmt.Errorf("parse: %w", err)}
	}

	out := make(map[string]LogDescriptor, len(entries))
	for id, e := range entries {
		spki, err := base64.StdEncoding.DecodeString(e.Key)
		if err != nil {
			return nil, &ctxerr.ConfigError{Field: "known-logs[" + id + "].key", Err: err}
		}
		pub, err := x509.ParsePKIXPublicKey(spki)
		if err != nil {
			return nil, &ctxerr.ConfigError{Field: "known-logs[" + id + "].key", Err: fmt.Errorf("not a valid SubjectPublicKeyInfo: %w", err)}
		}

		baseURL := e.URL
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			baseURL = "https://" + baseURL
		}
		baseURL = strings.TrimSuffix(baseURL, "/")

		out[id] = LogDescriptor{
			ID:                id,
			BaseURL:           baseURL,
			PublicKey:         pub,
			MaximumMergeDelay: time.Duration(e.MaximumMergeDelay) * time.Second,
			MaxBatchSize:      1000,
		}
	}
	return out, nil
}

// Options gathers the validated CLI surface consumed by the core.
type Options struct {
	KnownLogsPath  string
	LogID          string
	ArchiveRoot    string
	TorrentOutDir  string
	Workers        int
	ShardSize      uint64
	RequestTimeout time.Duration
	TrackerURLs    []string
	SeedPeers      []string
	AnnouncedASN   int

	// S3Bucket selects an S3-compatible shard backend over the archive
	// root's local filesystem; the other S3 fields are ignored when it is
	// empty.
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// DefaultShardSize is the fixed shard width used when none is configured.
const DefaultShardSize = 65536

// Validate checks that every required option is present and within range,
// returning a *ctxerr.ConfigError naming the first offending field.
func (o *Options) Validate() error {
	if o.KnownLogsPath == "" {
		return &ctxerr.ConfigError{Field: "known-logs-path", Err: fmt.Errorf("required")}
	}
	if o.LogID == "" {
		return &ctxerr.ConfigError{Field: "log-id", Err: fmt.Errorf("required")}
	}
	if o.ArchiveRoot == "" {
		return &ctxerr.ConfigError{Field: "archive-root", Err: fmt.Errorf("required")}
	}
	if o.Workers <= 0 {
		return &ctxerr.ConfigError{Field: "workers", Err: fmt.Errorf("must be positive, got %d", o.Workers)}
	}
	if o.ShardSize == 0 {
		o.ShardSize = DefaultShardSize
	}
	if o.ShardSize&(o.ShardSize-1) != 0 {
		// internal/sync resumes the full-tree builder by re-pushing sealed
		// shards' subroots as complete RFC 6962 subtrees; that's only valid
		// when a shard's leaf count is a power of two.
		return &ctxerr.ConfigError{Field: "shard-size", Err: fmt.Errorf("must be a power of two, got %d", o.ShardSize)}
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	return nil
}

// LogDirName derives the per-log archive directory name from the log
// identifier: "/" replaced by "_".
func LogDirName(logID string) string {
	return strings.ReplaceAll(logID, "/", "_")
}
