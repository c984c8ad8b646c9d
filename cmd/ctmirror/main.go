// Command ctmirror is the CLI entry point: it parses options, validates
// them, and drives one log's sync controller to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"ctmirror.dev/internal/archive"
	"ctmirror.dev/internal/config"
	"ctmirror.dev/internal/ctxerr"
	"ctmirror.dev/internal/logclient"
	"ctmirror.dev/internal/packager"
	"ctmirror.dev/internal/shard"
	"ctmirror.dev/internal/sync"
	"ctmirror.dev/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ctmirror", flag.ContinueOnError)
	knownLogsPath := fs.String("c", "", "path to the known-logs JSON configuration file")
	logID := fs.String("u", "", "log identifier to sync, as named in the known-logs file")
	archiveRoot := fs.String("archive-root", "", "directory holding this log's mirrored archive")
	torrentOutDir := fs.String("torrent-out", "", "packager output directory (kept in the options; the built-in logging notifier writes no files)")
	workers := fs.Int("workers", 8, "number of concurrent get-entries fetches")
	shardSize := fs.Uint64("shard-size", config.DefaultShardSize, "entries per shard (must be a power of two)")
	requestTimeout := fs.Duration("request-timeout", 60*time.Second, "per-HTTP-request timeout")
	trackers := fs.String("trackers", "", "comma-separated BitTorrent tracker URLs (kept in the options; not read by the built-in logging notifier)")
	seedPeers := fs.String("seed-peers", "", "comma-separated seed peer addresses (kept in the options; not read by the built-in logging notifier)")
	announcedASN := fs.Int("announced-asn", 0, "AS number announced to trackers (kept in the options; not read by the built-in logging notifier)")
	otelService := fs.String("otel-service-name", "", "enable OpenTelemetry tracing under this service name")
	s3Bucket := fs.String("s3-bucket", "", "mirror shard data into this S3-compatible bucket instead of the archive root's filesystem")
	s3Region := fs.String("s3-region", "us-east-1", "S3 bucket region")
	s3Endpoint := fs.String("s3-endpoint", "", "S3-compatible endpoint URL (empty uses the default AWS endpoint)")
	s3AccessKeyID := fs.String("s3-access-key-id", "", "S3 static credential access key")
	s3SecretAccessKey := fs.String("s3-secret-access-key", "", "S3 static credential secret key")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	opts := &config.Options{
		KnownLogsPath:  *knownLogsPath,
		LogID:          *logID,
		ArchiveRoot:    *archiveRoot,
		TorrentOutDir:  *torrentOutDir,
		Workers:        *workers,
		ShardSize:      *shardSize,
		RequestTimeout: *requestTimeout,
		AnnouncedASN:   *announcedASN,

		S3Bucket:          *s3Bucket,
		S3Region:          *s3Region,
		S3Endpoint:        *s3Endpoint,
		S3AccessKeyID:     *s3AccessKeyID,
		S3SecretAccessKey: *s3SecretAccessKey,
	}
	if *trackers != "" {
		opts.TrackerURLs = strings.Split(*trackers, ",")
	}
	if *seedPeers != "" {
		opts.SeedPeers = strings.Split(*seedPeers, ",")
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		return exitCodeFor(err)
	}

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Configure(ctx, *otelService)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer shutdownTelemetry(ctx)

	if err := syncOne(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "ctmirror:", err)
		return exitCodeFor(err)
	}
	return 0
}

func syncOne(ctx context.Context, opts *config.Options) error {
	logs, err := config.LoadKnownLogs(opts.KnownLogsPath)
	if err != nil {
		return err
	}
	desc, ok := logs[opts.LogID]
	if !ok {
		return &ctxerr.ConfigError{Field: "log-id", Err: fmt.Errorf("%q not found in %s", opts.LogID, opts.KnownLogsPath)}
	}
	desc.MaxBatchSize = 1000

	arc, err := archive.Open(opts.ArchiveRoot)
	if err != nil {
		return err
	}
	defer arc.Close()

	client := logclient.New(desc, opts.RequestTimeout, opts.Workers, logclient.DefaultRetryPolicy())
	notifier := &packager.LoggingNotifier{Logger: log.New(os.Stderr, "ctmirror: ", log.LstdFlags)}

	var shardStorage shard.Storage
	if opts.S3Bucket != "" {
		shardStorage = shard.NewS3Storage(opts.S3Region, opts.S3Bucket, opts.S3Endpoint, opts.S3AccessKeyID, opts.S3SecretAccessKey)
	}

	ctrl := sync.New(desc, arc, client, notifier, opts.Workers, opts.ShardSize, shardStorage)
	result, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}

	log.Printf("log %s: %s, tree_size %d -> %d", desc.ID, result.FinalState, result.OldTreeSize, result.NewTreeSize)
	return nil
}

// exitCodeFor maps an abort's error kind to a non-zero exit status,
// distinguishing configuration mistakes (2) from run-time aborts (1) so
// operators can script around this tool.
func exitCodeFor(err error) int {
	var cfgErr *ctxerr.ConfigError
	if asConfigError(err, &cfgErr) {
		return 2
	}
	return 1
}

func asConfigError(err error, target **ctxerr.ConfigError) bool {
	e, ok := err.(*ctxerr.ConfigError)
	if ok {
		*target = e
	}
	return ok
}
