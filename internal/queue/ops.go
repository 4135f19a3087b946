// ============================================================================
// NetSchedule 佇列 - 命令處理器使用的操作
// ============================================================================
//
// 每個操作的流程:
//   1. 取得 q.mu
//   2. 透過 JobManager 修改記憶體狀態
//   3. 追加 WAL 事件（完整任務記錄）
//   4. 更新時間軸、通知監聽者、記錄指標
//
// PUT/JXCG 不在此處移除 runTimeline 項目：回應寫出後，session 透過
// RemoveFromTimeLine / TimeLineExchange 完成清理。
//
// ============================================================================

package queue

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// SubmitRequest 提交一個任務所需的欄位
type SubmitRequest struct {
	Input       string
	ProgressMsg string
	Affinity    string
	Mask        int

	// 提交者完成通知；Port 為 0 表示不通知
	NotifyHost    netip.Addr
	NotifyPort    int
	NotifyTimeout time.Duration
}

// ============================================================================
// 提交
// ============================================================================

// Submit 提交單一任務並回傳其 ID
func (q *Queue) Submit(req SubmitRequest) (types.JobID, error) {
	first, err := q.SubmitBatch([]SubmitRequest{req})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// SubmitBatch 以連續 ID 提交一批任務並回傳第一個 ID
//
// 所有項目先通過檢查才會寫入，批次中任一項目不合法時整批不生效。
func (q *Queue) SubmitBatch(items []SubmitRequest) (types.JobID, error) {
	if len(items) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return 0, ErrStopped
	}
	for i, item := range items {
		if q.cfg.MaxInputSize > 0 && len(item.Input) > q.cfg.MaxInputSize {
			return 0, fmt.Errorf("%w: item %d has %d bytes, limit %d",
				ErrInputTooLong, i, len(item.Input), q.cfg.MaxInputSize)
		}
		if item.NotifyTimeout > q.cfg.MaxRunTimeout {
			return 0, fmt.Errorf("%w: item %d notify timeout %v, limit %v",
				ErrTimeoutTooLong, i, item.NotifyTimeout, q.cfg.MaxRunTimeout)
		}
	}

	now := q.now()
	first := q.lastID + 1
	for _, item := range items {
		q.lastID++
		job := types.Job{
			ID:          q.lastID,
			Input:       item.Input,
			ProgressMsg: item.ProgressMsg,
			Affinity:    item.Affinity,
			Mask:        item.Mask,
		}
		if item.NotifyPort > 0 && item.NotifyHost.IsValid() {
			job.NotifyHost = item.NotifyHost.String()
			job.NotifyPort = item.NotifyPort
			job.NotifyDeadline = now + int64(item.NotifyTimeout/time.Second)
		}
		stored, err := q.jobs.Enqueue(job, now)
		if err != nil {
			return 0, err
		}
		if err := q.appendLocked(wal.EventSubmit, stored); err != nil {
			return 0, err
		}
	}

	q.metrics.RecordSubmit(q.cfg.Name, len(items))
	q.notifyListenersLocked(now)
	return first, nil
}

// ============================================================================
// 分派與結果
// ============================================================================

// GetJob 為 worker 分派一個任務
//
// aff 非空時加入該 worker 的親和性偏好。沒有可分派任務時回傳 false。
func (q *Queue) GetJob(worker netip.Addr, aff string) (types.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dispatchLocked(worker, aff)
}

func (q *Queue) dispatchLocked(worker netip.Addr, aff string) (types.Job, bool, error) {
	if q.stopped {
		return types.Job{}, false, ErrStopped
	}
	if aff != "" {
		set, ok := q.prefs[worker]
		if !ok {
			set = make(map[string]struct{})
			q.prefs[worker] = set
		}
		set[aff] = struct{}{}
	}

	now := q.now()
	deadline := now + int64(q.cfg.RunTimeout/time.Second)
	job, ok := q.jobs.Dispatch(q.prefs[worker], worker.String(), deadline, now)
	if !ok {
		return types.Job{}, false, nil
	}
	if err := q.appendLocked(wal.EventDispatch, job); err != nil {
		return types.Job{}, false, err
	}
	q.runTL.AddObject(job.RunDeadline, job.ID)
	q.metrics.RecordDispatch(q.cfg.Name)
	return job, true, nil
}

// PutResult 記錄 Running 任務的完成結果
//
// 回傳的任務帶有完成前的 RunDeadline，供回應寫出後呼叫 RemoveFromTimeLine。
func (q *Queue) PutResult(id types.JobID, retCode int, output string) (types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completeLocked(id, retCode, output)
}

func (q *Queue) completeLocked(id types.JobID, retCode int, output string) (types.Job, error) {
	before, ok := q.jobs.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	now := q.now()
	job, err := q.jobs.Complete(id, retCode, output, now)
	if err != nil {
		return types.Job{}, mapErr(err)
	}
	if err := q.appendLocked(wal.EventPut, job); err != nil {
		return types.Job{}, err
	}
	q.metrics.RecordDone(q.cfg.Name)
	q.scheduleExpiry(job)
	q.notifySubmitterLocked(job, now)

	job.RunDeadline = before.RunDeadline
	return job, nil
}

// PutResultGetJob 完成 done（為 0 時略過）並分派下一個任務
//
// 新任務立即加入 runTimeline；done 的時間軸清理由 TimeLineExchange 完成。
func (q *Queue) PutResultGetJob(worker netip.Addr, done types.JobID, retCode int, output, aff string) (types.Job, types.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var completed types.Job
	if done != 0 {
		job, err := q.completeLocked(done, retCode, output)
		if err != nil {
			return types.Job{}, types.Job{}, false, err
		}
		completed = job
	}
	next, ok, err := q.dispatchLocked(worker, aff)
	if err != nil {
		return completed, types.Job{}, false, err
	}
	return completed, next, ok, nil
}

// RemoveFromTimeLine 從 runTimeline 移除任務（PUT 回應寫出後）
func (q *Queue) RemoveFromTimeLine(id types.JobID, deadline int64) {
	q.removeFromRun(deadline, id)
}

// TimeLineExchange 移除已完成的任務並確認新任務在 runTimeline 上
func (q *Queue) TimeLineExchange(done types.JobID, doneDeadline int64, next types.JobID, nextDeadline int64) {
	if done != 0 {
		q.removeFromRun(doneDeadline, done)
	}
	if next != 0 {
		q.runTL.MoveObject(nextDeadline, nextDeadline, next)
	}
}

// FailJob 記錄任務失敗；未超過重試次數時回到 Pending
func (q *Queue) FailJob(id types.JobID, errMsg, output string, retCode int) (types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	before, ok := q.jobs.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	now := q.now()
	job, err := q.jobs.Fail(id, errMsg, output, retCode, q.cfg.FailedRetries, now)
	if err != nil {
		return types.Job{}, mapErr(err)
	}
	if err := q.appendLocked(wal.EventFail, job); err != nil {
		return types.Job{}, err
	}
	q.removeFromRun(before.RunDeadline, id)
	q.metrics.RecordFailed(q.cfg.Name)
	q.afterRetryLocked(job, now)
	return job, nil
}

// ReturnJob worker 放棄任務，任務可再次分派
func (q *Queue) ReturnJob(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	before, ok := q.jobs.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	now := q.now()
	job, err := q.jobs.Return(id, now)
	if err != nil {
		return mapErr(err)
	}
	if err := q.appendLocked(wal.EventReturn, job); err != nil {
		return err
	}
	q.removeFromRun(before.RunDeadline, id)
	q.notifyListenersLocked(now)
	return nil
}

// Cancel 取消任務；重複取消不寫 WAL
func (q *Queue) Cancel(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	before, ok := q.jobs.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if before.Status == types.StatusCanceled {
		return nil
	}
	now := q.now()
	job, err := q.jobs.Cancel(id, now)
	if err != nil {
		return mapErr(err)
	}
	if err := q.appendLocked(wal.EventCancel, job); err != nil {
		return err
	}
	if before.Status == types.StatusRunning {
		q.removeFromRun(before.RunDeadline, id)
	}
	q.metrics.RecordCanceled(q.cfg.Name)
	q.scheduleExpiry(job)
	q.notifySubmitterLocked(job, now)
	return nil
}

// afterRetryLocked 重試後的後續處理：回到 Pending 時喚醒監聽者，
// 進入 Failed 時排入過期並通知提交者
func (q *Queue) afterRetryLocked(job types.Job, now int64) {
	switch job.Status {
	case types.StatusPending:
		q.notifyListenersLocked(now)
	case types.StatusFailed:
		q.scheduleExpiry(job)
		q.notifySubmitterLocked(job, now)
	}
}

// ============================================================================
// 查詢與欄位更新
// ============================================================================

// GetStatus 回傳任務副本
func (q *Queue) GetStatus(id types.JobID) (types.Job, error) {
	job, ok := q.jobs.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return job, nil
}

// GetJobDescr 回傳任務的描述行（DUMP 使用）
func (q *Queue) GetJobDescr(id types.JobID) ([]string, error) {
	job, ok := q.jobs.Get(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return describe(job), nil
}

func describe(job types.Job) []string {
	lines := []string{
		"id: " + strconv.FormatUint(uint64(job.ID), 10),
		"key: " + protocol.FormatJobKey(job.ID),
		"status: " + job.Status.String(),
		"input: " + strconv.Quote(job.Input),
		"output: " + strconv.Quote(job.Output),
		"err_msg: " + strconv.Quote(job.ErrMsg),
		"progress_msg: " + strconv.Quote(job.ProgressMsg),
		"affinity: " + strconv.Quote(job.Affinity),
		"mask: " + strconv.Itoa(job.Mask),
		"ret_code: " + strconv.Itoa(job.RetCode),
		"attempts: " + strconv.Itoa(job.Attempt),
		"created: " + time.Unix(job.CreatedAt, 0).UTC().Format(time.RFC3339),
		"updated: " + time.Unix(job.UpdatedAt, 0).UTC().Format(time.RFC3339),
	}
	if job.Status == types.StatusRunning {
		lines = append(lines,
			"worker: "+job.WorkerHost,
			"run_deadline: "+time.Unix(job.RunDeadline, 0).UTC().Format(time.RFC3339))
	}
	if job.NotifyPort > 0 {
		lines = append(lines, fmt.Sprintf("notify: %s:%d until %s", job.NotifyHost, job.NotifyPort,
			time.Unix(job.NotifyDeadline, 0).UTC().Format(time.RFC3339)))
	}
	return lines
}

// PutProgress 更新任務進度訊息
func (q *Queue) PutProgress(id types.JobID, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.jobs.SetProgress(id, msg, q.now())
	if err != nil {
		return mapErr(err)
	}
	return q.appendLocked(wal.EventProgress, job)
}

// GetProgress 回傳任務進度訊息
func (q *Queue) GetProgress(id types.JobID) (string, error) {
	job, ok := q.jobs.Get(id)
	if !ok {
		return "", ErrJobNotFound
	}
	return job.ProgressMsg, nil
}

// DropJob 從佇列中刪除任務（任何狀態）
func (q *Queue) DropJob(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs.Remove(id)
	if !ok {
		return ErrJobNotFound
	}
	if err := q.appendLocked(wal.EventDrop, job); err != nil {
		return err
	}
	if job.Status == types.StatusRunning {
		q.removeFromRun(job.RunDeadline, id)
	}
	if job.Status.IsFinal() {
		q.expiryTL.RemoveObject(id)
	}
	return nil
}

// SetJobRunTimeout 重設 Running 任務的截止時間為 now+timeout（timeout <= 0 使用佇列預設）
//
// runTimeline 每個精度單位配置一個時間槽，超過 MaxRunTimeout 的要求在修改任何狀態前拒絕。
func (q *Queue) SetJobRunTimeout(id types.JobID, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timeout <= 0 {
		timeout = q.cfg.RunTimeout
	}
	if timeout > q.cfg.MaxRunTimeout {
		return fmt.Errorf("%w: %v, limit %v", ErrTimeoutTooLong, timeout, q.cfg.MaxRunTimeout)
	}
	now := q.now()
	job, old, err := q.jobs.SetRunDeadline(id, now+int64(timeout/time.Second), now)
	if err != nil {
		return mapErr(err)
	}
	if err := q.appendLocked(wal.EventRunTimeout, job); err != nil {
		return err
	}
	q.runTL.MoveObject(old, job.RunDeadline, id)
	return nil
}

// ClearAffinity 清除 worker 的親和性偏好；aff 為空時全部清除
func (q *Queue) ClearAffinity(worker netip.Addr, aff string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if aff == "" {
		delete(q.prefs, worker)
		return
	}
	if set, ok := q.prefs[worker]; ok {
		delete(set, aff)
		if len(set) == 0 {
			delete(q.prefs, worker)
		}
	}
}

// CountStatus 各狀態任務數；aff 非空時只計算該親和性
func (q *Queue) CountStatus(aff string) map[types.JobStatus]int {
	return q.jobs.CountByStatus(aff)
}

// IDsByStatus 指定狀態的任務 ID（遞增）
func (q *Queue) IDsByStatus(status types.JobStatus) []types.JobID {
	return q.jobs.IDsByStatus(status)
}

// ============================================================================
// 統計與傾印
// ============================================================================

// Stats 佇列統計
type Stats struct {
	Name           string
	Counts         map[string]int
	Total          int
	LastID         types.JobID
	Listeners      int
	AffinityPrefs  int
	RunTimeline    int // runTimeline 上的任務數
	RunSlots       int
	ExpiryTimeline int
	WALSeq         uint64
	WALPending     int
	StartedAt      time.Time
	RunTimeout     time.Duration
	JobTTL         time.Duration
	SubmitHosts    string
	WorkerHosts    string
	Fatal          bool
}

// Stats 回傳佇列統計
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Name:           q.cfg.Name,
		Counts:         q.jobs.Stats(),
		Total:          q.jobs.Len(),
		LastID:         q.lastID,
		Listeners:      len(q.listeners),
		AffinityPrefs:  len(q.prefs),
		RunTimeline:    q.runTL.Count(),
		RunSlots:       q.runTL.Len(),
		ExpiryTimeline: q.expiryTL.Count(),
		WALSeq:         q.wal.GetLastSeq(),
		WALPending:     q.wal.Pending(),
		StartedAt:      q.startedAt,
		RunTimeout:     q.cfg.RunTimeout,
		JobTTL:         q.cfg.JobTTL,
		SubmitHosts:    q.submitACL.String(),
		WorkerHosts:    q.workerACL.String(),
		Fatal:          q.fatal.Load(),
	}
}

// WALPath 目前 WAL 檔案路徑
func (q *Queue) WALPath() string { return q.wal.Path() }

// Dump 傾印所有任務（依 ID 遞增）
func (q *Queue) Dump() []string {
	var lines []string
	for _, job := range q.jobs.All() {
		lines = append(lines, describe(job)...)
	}
	return lines
}
