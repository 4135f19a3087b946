// ============================================================================
// NetSchedule 佇列 - 崩潰恢復
// ============================================================================
//
// 恢復流程:
//   1. loadSnapshot() - 從最新快照恢復任務表與 lastID
//   2. replayWAL()    - 重放 seq > snapshot.LastSeq 的事件（完整任務記錄，冪等）
//   3. rearm()        - Running 任務依原截止時間重新放上 runTimeline，
//                       終態任務放上 expiryTimeline
//
// WAL 尾端損毀（崩潰時寫到一半的記錄）只記錄警告，保留之前已套用的狀態，
// 並立即快照旋轉掉損毀的檔案，避免新事件接在損毀記錄之後。
//
// ============================================================================

package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// recoverState 恢復佇列狀態，在背景循環啟動前呼叫
func (q *Queue) recoverState() error {
	truncated, err := q.restore()
	if err != nil {
		return err
	}
	if truncated {
		return q.TakeSnapshot()
	}
	return nil
}

func (q *Queue) restore() (bool, error) {
	start := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	lastSeq, err := q.loadSnapshot()
	if err != nil {
		return false, err
	}
	replayed, truncated, err := q.replayWAL(lastSeq)
	if err != nil {
		return false, err
	}
	q.wal.EnsureSeq(lastSeq)
	running := q.rearm()

	recoveryTime := time.Since(start)
	q.metrics.SetRecoveryTime(q.cfg.Name, recoveryTime)
	if recoveryTime > 3*time.Second {
		q.logger.Warn("queue.recovery.slow", "duration", recoveryTime.String())
	}
	q.logger.Info("queue.recovered",
		"duration", recoveryTime.String(),
		"jobs", q.jobs.Len(),
		"replayed", replayed,
		"running", running,
		"wal_seq", q.wal.GetLastSeq())
	return truncated, nil
}

// loadSnapshot 從快照恢復狀態，回傳快照涵蓋的最後 WAL 序號
func (q *Queue) loadSnapshot() (uint64, error) {
	data, err := q.snap.Load()
	if err != nil {
		return 0, fmt.Errorf("queue %s: load snapshot: %w", q.cfg.Name, err)
	}
	q.jobs.Restore(data)
	q.lastID = data.LastID
	return data.LastSeq, nil
}

// replayWAL 重放快照之後的事件
//
// 每個事件帶有轉換後的完整任務，因此套用方式只有覆寫或刪除，重複重放結果相同。
func (q *Queue) replayWAL(afterSeq uint64) (int, bool, error) {
	replayed := 0
	err := q.wal.Replay(afterSeq, func(event wal.Event) error {
		switch {
		case event.Type.Removes():
			q.jobs.Remove(event.JobID)
		case event.Job != nil:
			q.jobs.Upsert(*event.Job)
		}
		if event.JobID > q.lastID {
			q.lastID = event.JobID
		}
		replayed++
		return nil
	})
	switch {
	case err == nil:
		return replayed, false, nil
	case errors.Is(err, wal.ErrCorruptedWAL), errors.Is(err, wal.ErrChecksumMismatch):
		q.logger.Warn("queue.wal.replay_truncated", "replayed", replayed, "error", err)
		return replayed, true, nil
	default:
		return replayed, false, fmt.Errorf("queue %s: replay WAL: %w", q.cfg.Name, err)
	}
}

// rearm 重建時間軸，回傳 Running 任務數
func (q *Queue) rearm() int {
	running := 0
	for _, job := range q.jobs.All() {
		if job.ID > q.lastID {
			q.lastID = job.ID
		}
		switch {
		case job.Status == types.StatusRunning:
			q.runTL.AddObject(job.RunDeadline, job.ID)
			running++
		case job.Status.IsFinal():
			q.scheduleExpiry(job)
		}
	}
	return running
}
