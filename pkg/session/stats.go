package session

import (
	"time"

	"github.com/network-goods-institute/negation-game-sub014/pkg/bridge"
	"github.com/network-goods-institute/negation-game-sub014/pkg/health"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport"
)

// Stats 汇总会话各组件的计数，供指标导出。
type Stats struct {
	DocumentID    string
	Leader        bool
	Writable      bool
	Status        health.Status
	Disconnects   uint64
	Promotions    uint64
	LockConflicts uint64
	UndoDepth     int
	RedoDepth     int
	Undone        uint64
	Redone        uint64
	PendingOps    int
	Saves         uint64
	SaveFailures  uint64
	Migrated      uint64
	LastSaved     time.Time
	Bridge        bridge.Stats
	Replication   transport.ReplicatorStats
}

// Stats 返回统计快照。
func (s *Session) Stats() Stats {
	undoDepth, redoDepth := s.undo.Depth()
	undone, redone := s.undo.Counts()
	s.mu.Lock()
	lastSaved := s.lastSaved
	s.mu.Unlock()
	return Stats{
		DocumentID:    s.cfg.DocumentID,
		Leader:        s.elector.IsLeader(),
		Writable:      s.CanWrite(),
		Status:        s.health.Status(),
		Disconnects:   s.health.Disconnects(),
		Promotions:    s.elector.Promotions(),
		LockConflicts: s.coordinator.Conflicts(),
		UndoDepth:     undoDepth,
		RedoDepth:     redoDepth,
		Undone:        undone,
		Redone:        redone,
		PendingOps:    s.doc.Pending(),
		Saves:         s.saves.Load(),
		SaveFailures:  s.saveFailures.Load(),
		Migrated:      s.migrated.Load(),
		LastSaved:     lastSaved,
		Bridge:        s.bridge.Stats(),
		Replication:   s.replicator.Stats(),
	}
}
