// ============================================================================
// NetSchedule 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理單一佇列內任務的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源
//   2. pending 佇列 - Pending/Returned 任務的 FIFO 索引（延遲刪除）
//   3. counts - 各狀態的任務數，供 STSN/STAT 快速查詢
//
// 任務狀態轉換 (State Machine):
//   Pending/Returned
//      ↓ Dispatch()
//   Running
//      ├─ Complete()           → Done
//      ├─ Fail() 未超過重試次數 → Pending
//      ├─ Fail() 超過重試次數   → Failed
//      ├─ Return()             → Returned
//      └─ Requeue() (逾時)     → Pending / Failed
//   任何非終態 → Cancel() → Canceled
//
// 延遲刪除:
//   pending 佇列中的 ID 在任務狀態改變時不會立即移除，
//   取出時若狀態已非 Pending/Returned 則直接略過。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 所有回傳的 Job 皆為副本，呼叫者可自由修改
//
// ============================================================================

package jobmanager

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("jobmanager: job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("jobmanager: job not found")
	// 任務狀態不允許此轉換
	ErrInvalidStatus = errors.New("jobmanager: invalid job status for operation")
)

// schemaVersion 快照格式版本
const schemaVersion = 1

// JobManager 代表單一佇列的任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job // 所有任務，透過 Status 欄位區分狀態
	pending []types.JobID              // 可分派任務的 FIFO（含過期項目）
	counts  map[types.JobStatus]int    // 各狀態任務數
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*types.Job),
		pending: make([]types.JobID, 0),
		counts:  make(map[types.JobStatus]int),
	}
}

// ============================================================================
// 提交與分派
// ============================================================================

// Enqueue 將新任務加入系統，設定為 Pending 狀態
//
// 參數說明：
//   - job: 要加入的任務，ID 由呼叫者分配
//   - now: 當前時間（Unix 秒）
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
func (jm *JobManager) Enqueue(job types.Job, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, ErrDuplicateJob
	}

	job.Status = types.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := job
	jm.jobs[job.ID] = &stored
	jm.counts[types.StatusPending]++
	jm.pending = append(jm.pending, job.ID)
	return stored, nil
}

// Dispatch 取出一個可分派任務並標記為 Running
//
// 選擇規則：
//   - prefer 非空時，先找 FIFO 中第一個親和性命中的任務
//   - 否則（或沒有命中）取 FIFO 中第一個任務
//
// 參數說明：
//   - prefer: worker 偏好的親和性集合
//   - worker: worker 主機位址（記錄用）
//   - deadline: 執行截止時間（Unix 秒）
//   - now: 當前時間（Unix 秒）
//
// 返回值：
//   - types.Job: 更新後的任務副本
//   - bool: 沒有可分派任務時為 false
func (jm *JobManager) Dispatch(prefer map[string]struct{}, worker string, deadline, now int64) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.compactLocked()

	idx := -1
	if len(prefer) > 0 {
		for i, id := range jm.pending {
			job := jm.jobs[id]
			if _, ok := prefer[job.Affinity]; ok && job.Affinity != "" {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		if len(jm.pending) == 0 {
			return types.Job{}, false
		}
		idx = 0
	}

	id := jm.pending[idx]
	jm.pending = slices.Delete(jm.pending, idx, idx+1)

	job := jm.jobs[id]
	jm.setStatusLocked(job, types.StatusRunning)
	job.Attempt++
	job.WorkerHost = worker
	job.RunDeadline = deadline
	job.UpdatedAt = now
	return *job, true
}

// ============================================================================
// 執行結果
// ============================================================================

// Complete 將 Running 任務標記為 Done，並記錄回傳碼與輸出
func (jm *JobManager) Complete(id types.JobID, retCode int, output string, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningLocked(id)
	if err != nil {
		return types.Job{}, err
	}
	jm.setStatusLocked(job, types.StatusDone)
	job.RetCode = retCode
	job.Output = output
	job.RunDeadline = 0
	job.UpdatedAt = now
	return *job, nil
}

// Fail 記錄 Running 任務的失敗
//
// 重試規則：
//   - Attempt <= maxRetries：回到 Pending，重新排隊
//   - 否則：標記為 Failed
func (jm *JobManager) Fail(id types.JobID, errMsg, output string, retCode, maxRetries int, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningLocked(id)
	if err != nil {
		return types.Job{}, err
	}
	job.ErrMsg = errMsg
	job.Output = output
	job.RetCode = retCode
	jm.retryOrFailLocked(job, maxRetries, now)
	return *job, nil
}

// Requeue 將逾時的 Running 任務放回佇列（計入重試次數）
func (jm *JobManager) Requeue(id types.JobID, reason string, maxRetries int, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningLocked(id)
	if err != nil {
		return types.Job{}, err
	}
	job.ErrMsg = reason
	jm.retryOrFailLocked(job, maxRetries, now)
	return *job, nil
}

// Return 將 Running 任務退回（Returned），可被再次分派，不計入失敗
func (jm *JobManager) Return(id types.JobID, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningLocked(id)
	if err != nil {
		return types.Job{}, err
	}
	jm.setStatusLocked(job, types.StatusReturned)
	job.RunDeadline = 0
	job.WorkerHost = ""
	job.UpdatedAt = now
	jm.pending = append(jm.pending, id)
	return *job, nil
}

// Cancel 取消任務；已取消的任務重複取消視為成功
//
// 錯誤處理：
//   - ErrInvalidStatus: 任務已是 Done 或 Failed
func (jm *JobManager) Cancel(id types.JobID, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	switch job.Status {
	case types.StatusCanceled:
		return *job, nil
	case types.StatusDone, types.StatusFailed:
		return types.Job{}, ErrInvalidStatus
	}
	jm.setStatusLocked(job, types.StatusCanceled)
	job.RunDeadline = 0
	job.UpdatedAt = now
	return *job, nil
}

// ============================================================================
// 欄位更新
// ============================================================================

// SetProgress 更新任務進度訊息（任何狀態皆可）
func (jm *JobManager) SetProgress(id types.JobID, msg string, now int64) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	job.ProgressMsg = msg
	job.UpdatedAt = now
	return *job, nil
}

// SetRunDeadline 變更 Running 任務的執行截止時間，並回傳舊的截止時間
func (jm *JobManager) SetRunDeadline(id types.JobID, deadline, now int64) (types.Job, int64, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningLocked(id)
	if err != nil {
		return types.Job{}, 0, err
	}
	old := job.RunDeadline
	job.RunDeadline = deadline
	job.UpdatedAt = now
	return *job, old, nil
}

// Remove 從系統中刪除任務（DROJ 與過期清理）
func (jm *JobManager) Remove(id types.JobID) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	jm.counts[job.Status]--
	delete(jm.jobs, id)
	return *job, true
}

// Upsert 以完整任務記錄覆寫狀態（WAL 重放使用）
func (jm *JobManager) Upsert(job types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if old, ok := jm.jobs[job.ID]; ok {
		jm.counts[old.Status]--
	}
	stored := job
	jm.jobs[job.ID] = &stored
	jm.counts[job.Status]++
	if job.Status.IsDispatchable() {
		jm.pending = append(jm.pending, job.ID)
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (jm *JobManager) Get(id types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// IDsByStatus 回傳指定狀態的所有任務 ID（遞增排序）
func (jm *JobManager) IDsByStatus(status types.JobStatus) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var ids []types.JobID
	for id, job := range jm.jobs {
		if job.Status == status {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// All 回傳所有任務副本（依 ID 排序）
func (jm *JobManager) All() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, *job)
	}
	slices.SortFunc(out, func(a, b types.Job) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// CountByStatus 統計各狀態任務數；affinity 非空時只計算該親和性的任務
func (jm *JobManager) CountByStatus(affinity string) map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		out[st] = 0
	}
	if affinity == "" {
		for st, n := range jm.counts {
			out[st] = n
		}
		return out
	}
	for _, job := range jm.jobs {
		if job.Affinity == affinity {
			out[job.Status]++
		}
	}
	return out
}

// Stats 取得各狀態任務的統計資訊（以狀態名稱為鍵）
func (jm *JobManager) Stats() map[string]int {
	counts := jm.CountByStatus("")
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[st.String()] = n
	}
	return out
}

// Len 回傳任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Restore 從快照恢復狀態（清空現有狀態）
func (jm *JobManager) Restore(data types.SnapshotData) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.pending = make([]types.JobID, 0)
	jm.counts = make(map[types.JobStatus]int)

	ids := make([]types.JobID, 0, len(data.Jobs))
	for id := range data.Jobs {
		ids = append(ids, id)
	}
	// FIFO 依 ID 重建，與提交順序一致
	slices.Sort(ids)

	for _, id := range ids {
		job := *data.Jobs[id]
		jm.jobs[id] = &job
		jm.counts[job.Status]++
		if job.Status.IsDispatchable() {
			jm.pending = append(jm.pending, id)
		}
	}
}

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobCopy := *job
		jobsCopy[id] = &jobCopy
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: schemaVersion,
	}
}

// ============================================================================
// 內部輔助方法（呼叫者需持有 jm.mu）
// ============================================================================

func (jm *JobManager) runningLocked(id types.JobID) (*types.Job, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return nil, ErrInvalidStatus
	}
	return job, nil
}

func (jm *JobManager) retryOrFailLocked(job *types.Job, maxRetries int, now int64) {
	job.RunDeadline = 0
	job.WorkerHost = ""
	job.UpdatedAt = now
	if job.Attempt <= maxRetries {
		jm.setStatusLocked(job, types.StatusPending)
		jm.pending = append(jm.pending, job.ID)
		return
	}
	jm.setStatusLocked(job, types.StatusFailed)
}

func (jm *JobManager) setStatusLocked(job *types.Job, status types.JobStatus) {
	jm.counts[job.Status]--
	job.Status = status
	jm.counts[status]++
}

// compactLocked 移除 pending 佇列中已失效或重複的項目
func (jm *JobManager) compactLocked() {
	seen := make(map[types.JobID]struct{}, len(jm.pending))
	kept := jm.pending[:0]
	for _, id := range jm.pending {
		job, ok := jm.jobs[id]
		if !ok || !job.Status.IsDispatchable() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, id)
	}
	jm.pending = kept
}
