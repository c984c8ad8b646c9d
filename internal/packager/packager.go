// Package packager defines the boundary between the verified mirror core
// and the external packager it hands shards off to: the core only ever
// calls Notifier.ShardFinalized, and never knows whether a .torrent,
// magnet URI, or RSS entry is produced from that call.
package packager

import (
	"context"
	"log"
)

// ShardManifest is the subset of a sealed shard's manifest the packager
// needs.
type ShardManifest struct {
	DataPath   string
	FirstIndex uint64
	LastIndex  uint64
	Count      uint64
	Subroot    [32]byte
}

// Notifier receives one call per shard sealed by the shard writer.
// Implementations must not block the core for long; packaging work
// (torrent creation, RSS publication, …) belongs in a goroutine or a
// separate process reading the notification off a queue.
type Notifier interface {
	ShardFinalized(ctx context.Context, m ShardManifest) error
}

// LoggingNotifier is the only concrete Notifier in this repository:
// torrent/magnet/RSS generation is out of scope here, so production
// deployments wire a real packager process listening on the same event;
// this implementation exists so the core is runnable and testable
// standalone.
type LoggingNotifier struct {
	Logger *log.Logger
}

func (n *LoggingNotifier) ShardFinalized(ctx context.Context, m ShardManifest) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("shard finalized: path=%s first=%d last=%d count=%d subroot=%x",
		m.DataPath, m.FirstIndex, m.LastIndex, m.Count, m.Subroot)
	return nil
}
