// ============================================================================
// NetSchedule 佇列 - 背景循環
// ============================================================================
//
// 時間軸掃描方式（runTimeline 與 expiryTimeline 相同）:
//   curr := TimeLineSlot(now)
//   slot curr-1 及之前的任務截止時間都已過去 → 取出並 HeadTruncate(curr-1)
//   取出的任務若狀態已變（完成、取消、截止時間被延長）則忽略或重新排入
//
// ============================================================================

package queue

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/internal/timeline"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// ============================================================================
// 三個背景循環
// ============================================================================

// timeoutLoop 掃描執行逾時、清理監聽者、flush WAL 並更新指標
func (q *Queue) timeoutLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.logger.Debug("queue.loop.timeout.stopped")
			return

		case <-ticker.C:
			q.CheckRunTimeouts()
			q.PruneListeners()
			if err := q.wal.Flush(); err != nil {
				q.fatal.Store(true)
				q.logger.Error("queue.wal.flush_failed", "error", err)
			}
			q.metrics.SetJobCounts(q.cfg.Name, q.jobs.Stats())
		}
	}
}

// expiryLoop 清除超過 TTL 的終態任務
func (q *Queue) expiryLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.logger.Debug("queue.loop.expiry.stopped")
			return

		case <-ticker.C:
			q.CheckExpired()
		}
	}
}

// snapshotLoop 定期生成快照
func (q *Queue) snapshotLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.logger.Debug("queue.loop.snapshot.stopped")
			return

		case <-ticker.C:
			if err := q.TakeSnapshot(); err != nil {
				q.logger.Error("queue.snapshot.failed", "error", err)
			}
		}
	}
}

// ============================================================================
// 掃描
// ============================================================================

// dueLocked 取出 tl 上截止時間早於 now 所在時間槽的所有任務
func dueLocked(tl *timeline.Timeline, now int64) []types.JobID {
	if now < tl.Head() {
		return nil
	}
	curr := tl.TimeLineSlot(now)
	if curr == 0 {
		return nil
	}
	due := tl.EnumerateObjects(curr - 1)
	tl.HeadTruncate(curr - 1)
	return due.Slice()
}

// CheckRunTimeouts 將截止時間已過的 Running 任務放回佇列（計入重試），回傳處理數
func (q *Queue) CheckRunTimeouts() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, id := range dueLocked(q.runTL, now) {
		job, ok := q.jobs.Get(id)
		if !ok || job.Status != types.StatusRunning {
			continue
		}
		if job.RunDeadline > now {
			q.runTL.AddObject(job.RunDeadline, id)
			continue
		}

		updated, err := q.jobs.Requeue(id, "run timeout", q.cfg.FailedRetries, now)
		if err != nil {
			continue
		}
		if err := q.appendLocked(wal.EventTimeout, updated); err != nil {
			return n
		}
		q.metrics.RecordTimeout(q.cfg.Name)
		q.logger.Info("queue.timeout.requeued",
			"job", uint32(id),
			"worker", job.WorkerHost,
			"attempt", updated.Attempt,
			"status", updated.Status.String())
		q.afterRetryLocked(updated, now)
		n++
	}
	return n
}

// CheckExpired 刪除保留期限已過的終態任務，回傳刪除數
func (q *Queue) CheckExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.JobTTL <= 0 {
		return 0
	}
	now := q.now()
	ttl := int64(q.cfg.JobTTL / time.Second)
	n := 0
	for _, id := range dueLocked(q.expiryTL, now) {
		job, ok := q.jobs.Get(id)
		if !ok || !job.Status.IsFinal() {
			continue
		}
		if job.UpdatedAt+ttl > now {
			q.expiryTL.AddObject(job.UpdatedAt+ttl, id)
			continue
		}
		removed, _ := q.jobs.Remove(id)
		if err := q.appendLocked(wal.EventExpire, removed); err != nil {
			return n
		}
		q.metrics.RecordExpired(q.cfg.Name)
		n++
	}
	if n > 0 {
		q.logger.Debug("queue.expired", "count", n)
	}
	return n
}

// TakeSnapshot 寫入快照並旋轉 WAL
//
// 全程持有 q.mu：旋轉前不會有新事件寫入，舊 WAL 的內容必定被快照涵蓋。
func (q *Queue) TakeSnapshot() error {
	start := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	data := q.jobs.Snapshot()
	data.LastSeq = q.wal.GetLastSeq()
	data.LastID = q.lastID

	if err := q.snap.Write(data); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", ErrStorageFatal, err)
	}
	if err := q.wal.Rotate(); err != nil {
		q.fatal.Store(true)
		return fmt.Errorf("%w: rotate WAL: %v", ErrStorageFatal, err)
	}

	q.logger.Info("queue.snapshot.taken",
		"duration", time.Since(start).String(),
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq)
	return nil
}
