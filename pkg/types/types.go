// Package types 定義了 netschedule 系統中使用的核心領域模型
package types

import (
	"strconv"
	"strings"
)

// JobID 任務唯一識別碼（每個佇列內單調遞增）
type JobID uint32

// JobStatus 任務狀態，數值與線上協議一致
type JobStatus int

// 定義任務狀態常數
const (
	StatusPending  JobStatus = 0 // 待處理：已提交，等待 worker 取走
	StatusRunning  JobStatus = 1 // 執行中：已分派給 worker
	StatusReturned JobStatus = 2 // 已退回：worker 放棄，可再次分派
	StatusCanceled JobStatus = 3 // 已取消
	StatusFailed   JobStatus = 4 // 失敗：超過重試次數
	StatusDone     JobStatus = 5 // 完成：worker 已回報結果
)

// AllStatuses 依協議數值排序的所有狀態
var AllStatuses = []JobStatus{
	StatusPending, StatusRunning, StatusReturned,
	StatusCanceled, StatusFailed, StatusDone,
}

var statusNames = map[JobStatus]string{
	StatusPending:  "Pending",
	StatusRunning:  "Running",
	StatusReturned: "Returned",
	StatusCanceled: "Canceled",
	StatusFailed:   "Failed",
	StatusDone:     "Done",
}

func (s JobStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(s)) + ")"
}

// IsFinal 終態任務不會再被分派
func (s JobStatus) IsFinal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// IsDispatchable Pending 與 Returned 任務都可以交給 worker
func (s JobStatus) IsDispatchable() bool {
	return s == StatusPending || s == StatusReturned
}

// ParseStatus 接受狀態名稱（不分大小寫）或協議數值
func ParseStatus(s string) (JobStatus, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		st := JobStatus(n)
		_, ok := statusNames[st]
		return st, ok
	}
	for st, name := range statusNames {
		if strings.EqualFold(name, s) {
			return st, true
		}
	}
	return 0, false
}

// Job 任務結構，代表佇列中的一個工作單元
// 所有時間欄位皆為 Unix 秒（與 timeline 的時間粒度一致）
type Job struct {
	// 識別與資料
	ID          JobID  `json:"id"`
	Input       string `json:"input"`
	Output      string `json:"output,omitempty"`
	ErrMsg      string `json:"err_msg,omitempty"`
	ProgressMsg string `json:"progress_msg,omitempty"`
	Affinity    string `json:"affinity,omitempty"`
	Mask        int    `json:"mask,omitempty"`
	RetCode     int    `json:"ret_code"`

	// 狀態追蹤
	Status  JobStatus `json:"status"`
	Attempt int       `json:"attempt"` // 已分派次數

	// 執行資訊
	WorkerHost  string `json:"worker_host,omitempty"`
	RunDeadline int64  `json:"run_deadline,omitempty"`

	// 提交者完成通知（SUBMIT ... port timeout）
	NotifyHost     string `json:"notify_host,omitempty"`
	NotifyPort     int    `json:"notify_port,omitempty"`
	NotifyDeadline int64  `json:"notify_deadline,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// SnapshotData 快照資料，用於佇列狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 快照時 WAL 的最後序號
	LastID    JobID          `json:"last_id"`    // 已分配的最大任務 ID
}
