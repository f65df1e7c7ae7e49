package feed

import (
	"time"

	"github.com/bili-arch/cachedb/internal/store"
)

// ItemSyncedData describes a synced item.
type ItemSyncedData struct {
	BVID     string `json:"bvid"`
	Metadata bool   `json:"metadata"`
	Size     bool   `json:"size"`
}

// WaitFinishedData describes the end of a wait for an item's writer.
type WaitFinishedData struct {
	BVID     string `json:"bvid"`
	Acquired bool   `json:"acquired"`
	WaitedMS int64  `json:"waited_ms"`
}

// WalkFinishedData summarises a full walk.
type WalkFinishedData struct {
	Scanned int   `json:"scanned"`
	Changed int   `json:"changed"`
	Failed  int   `json:"failed"`
	TookMS  int64 `json:"took_ms"`
}

// StatsData carries the daemon counters.
type StatsData struct {
	Tracked int   `json:"tracked"`
	Waiting int   `json:"waiting"`
	Workers int   `json:"workers"`
	Idle    int   `json:"idle"`
	Pending int   `json:"pending"`
	Synced  int64 `json:"synced"`
	Walks   int64 `json:"walks"`
}

// ItemSynced broadcasts a sync result.
func (s *Server) ItemSynced(bvid string, metadata, size bool) {
	s.publish(MessageTypeItemSynced, ItemSyncedData{BVID: bvid, Metadata: metadata, Size: size})
}

// WaitFinished broadcasts the outcome of a lock wait.
func (s *Server) WaitFinished(bvid string, acquired bool, waited time.Duration) {
	s.publish(MessageTypeWaitFinished, WaitFinishedData{BVID: bvid, Acquired: acquired, WaitedMS: waited.Milliseconds()})
}

// WalkFinished broadcasts a walk summary.
func (s *Server) WalkFinished(result store.WalkResult, took time.Duration) {
	s.publish(MessageTypeWalkFinished, WalkFinishedData{
		Scanned: result.Scanned,
		Changed: result.Changed,
		Failed:  result.Failed,
		TookMS:  took.Milliseconds(),
	})
}

// PublishStats broadcasts counters and remembers them for new clients.
func (s *Server) PublishStats(stats StatsData) {
	s.publish(MessageTypeStats, stats)
}
