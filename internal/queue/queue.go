// ============================================================================
// NetSchedule 佇列 - 單一任務佇列的協調器
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 協調任務狀態、持久化、時間軸與通知，供 session 的命令處理器呼叫
//
// 架構設計:
//   - JobManager: 任務狀態機（Pending/Running/Returned/Canceled/Failed/Done）
//   - WAL: 每次狀態轉換都記錄完整任務，確保重啟後不丟失
//   - Snapshot: 定期保存完整狀態並旋轉 WAL，加速恢復
//   - runTimeline: 執行截止時間（逾時偵測）
//   - expiryTimeline: 終態任務的保留期限（TTL 清理）
//   - Notifier: UDP 通知（worker 監聽者與提交者完成通知）
//
// 背景循環 (3 個 Goroutine):
//   1. timeoutLoop  - 掃描執行逾時、清理過期監聽者、flush WAL、更新指標
//   2. expiryLoop   - 清除超過 TTL 的終態任務
//   3. snapshotLoop - 定期快照並旋轉 WAL
//
// 一致性:
//   q.mu 串行化所有狀態變更與 WAL 追加，WAL 記錄順序與記憶體中的轉換順序一致。
//   先修改記憶體，再追加 WAL；WAL 失敗視為儲存致命錯誤（ErrStorageFatal），
//   由 server 觸發關閉。
//
// 鎖順序: q.mu → timeline.mu / jobmanager.mu
//
// ============================================================================

package queue

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/acl"
	"github.com/ChuLiYu/netschedule/internal/clock"
	"github.com/ChuLiYu/netschedule/internal/jobmanager"
	"github.com/ChuLiYu/netschedule/internal/logging"
	"github.com/ChuLiYu/netschedule/internal/metrics"
	"github.com/ChuLiYu/netschedule/internal/snapshot"
	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/internal/timeline"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrInvalidStatus 任務狀態不允許此操作
	ErrInvalidStatus = errors.New("queue: invalid job status")
	// ErrStorageFatal WAL 或快照 I/O 失敗，佇列狀態無法再保證持久
	ErrStorageFatal = errors.New("queue: storage failure")
	// ErrInputTooLong 任務輸入超過 max_input_size
	ErrInputTooLong = errors.New("queue: input too long")
	// ErrTimeoutTooLong 逾時超過 max_run_timeout
	ErrTimeoutTooLong = errors.New("queue: timeout too long")
	// ErrStopped 佇列已停止
	ErrStopped = errors.New("queue: stopped")
)

// ============================================================================
// 設定
// ============================================================================

// Config 佇列設定
type Config struct {
	Name              string
	RunTimeout        time.Duration // 分派後的預設執行期限
	MaxRunTimeout     time.Duration // JRTO、監聽與提交通知可要求的最長逾時，0 表示 RunTimeout 的 24 倍
	TimelinePrecision time.Duration // runTimeline 的時間槽寬度
	JobTTL            time.Duration // 終態任務的保留時間，0 表示永久保留
	MaxInputSize      int           // 任務輸入上限（位元組），0 表示不限
	FailedRetries     int           // FPUT/逾時後重新排隊的次數
	Program           string        // 允許的客戶端程式名單 "name ver; name2 ver"
	SubmitHosts       string        // 提交者主機名單（空白表示不限）
	WorkerHosts       string        // worker 主機名單（空白表示不限）

	DataDir          string
	WALBufferSize    int
	WALFlushInterval time.Duration
	SnapshotInterval time.Duration
	SweepInterval    time.Duration
}

// 預設值
const (
	DefaultRunTimeout        = time.Hour
	DefaultTimelinePrecision = time.Second
	DefaultSnapshotInterval  = 5 * time.Minute
	DefaultSweepInterval     = time.Second

	// DefaultListenerTimeout REGC 與 GET <port> 註冊監聽者的存活時間
	DefaultListenerTimeout = time.Minute

	// DefaultMaxRunTimeoutFactor 未設定 MaxRunTimeout 時相對 RunTimeout 的倍數
	DefaultMaxRunTimeoutFactor = 24

	expiryPrecision = time.Minute
)

func (c Config) withDefaults() Config {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.MaxRunTimeout <= 0 {
		c.MaxRunTimeout = DefaultMaxRunTimeoutFactor * c.RunTimeout
	}
	if c.MaxRunTimeout < c.RunTimeout {
		c.MaxRunTimeout = c.RunTimeout
	}
	if c.TimelinePrecision < time.Second {
		c.TimelinePrecision = DefaultTimelinePrecision
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.FailedRetries < 0 {
		c.FailedRetries = 0
	}
	return c
}

// Notifier 送出 UDP 通知（由 worker.Pool 實作）
type Notifier interface {
	Notify(addr netip.AddrPort, msg string) error
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Queue 單一任務佇列
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	jobs     *jobmanager.JobManager
	wal      *wal.WAL
	snap     *snapshot.Manager
	runTL    *timeline.Timeline
	expiryTL *timeline.Timeline
	lastID   types.JobID

	listeners map[netip.AddrPort]int64             // 監聽者 → 到期時間（Unix 秒）
	prefs     map[netip.Addr]map[string]struct{} // worker → 偏好的親和性

	submitACL *acl.AccessList
	workerACL *acl.AccessList
	programs  []program

	clock    clock.Clock
	logger   pslog.Logger
	metrics  *metrics.Collector
	notifier Notifier
	aclOpts  []acl.Option

	fatal     atomic.Bool
	startedAt time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	started   bool
	recovered bool
	stopped   bool
}

// Option 設定 Queue
type Option func(*Queue)

// WithLogger 設定日誌
func WithLogger(logger pslog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock 設定時鐘（測試用）
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithNotifier 設定 UDP 通知發送器
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithACLOptions 傳給 submit/worker 主機名單的選項（測試可注入 resolver）
func WithACLOptions(opts ...acl.Option) Option {
	return func(q *Queue) { q.aclOpts = append(q.aclOpts, opts...) }
}

// ============================================================================
// 生命週期
// ============================================================================

// New 建立佇列並開啟其 WAL 與快照檔案；狀態在 Start 時恢復
func New(cfg Config, opts ...Option) (*Queue, error) {
	if cfg.Name == "" {
		return nil, errors.New("queue: name is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("queue %s: data dir is required", cfg.Name)
	}
	cfg = cfg.withDefaults()

	q := &Queue{
		cfg:       cfg,
		jobs:      jobmanager.NewJobManager(),
		listeners: make(map[netip.AddrPort]int64),
		prefs:     make(map[netip.Addr]map[string]struct{}),
		clock:     clock.Real{},
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.WithSubsystem(q.logger, logging.Subsystem("queue", cfg.Name))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("queue %s: create data dir: %w", cfg.Name, err)
	}
	w, err := wal.NewWAL(filepath.Join(cfg.DataDir, cfg.Name+".wal"), wal.Options{
		BufferSize:    cfg.WALBufferSize,
		FlushInterval: cfg.WALFlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: open WAL: %w", cfg.Name, err)
	}
	q.wal = w
	q.snap = snapshot.NewManager(filepath.Join(cfg.DataDir, cfg.Name+".snapshot.json"))

	now := q.now()
	q.runTL = timeline.New(int64(cfg.TimelinePrecision/time.Second), now, timeline.WithNow(q.now))
	q.expiryTL = timeline.New(int64(expiryPrecision/time.Second), now, timeline.WithNow(q.now))

	q.submitACL = acl.New(q.logger, q.aclOpts...)
	q.workerACL = acl.New(q.logger, q.aclOpts...)
	q.submitACL.SetHosts(cfg.SubmitHosts)
	q.workerACL.SetHosts(cfg.WorkerHosts)
	q.programs = parseRoster(cfg.Program)

	return q, nil
}

// Start 恢復狀態並啟動背景循環
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue: already started")
	}
	q.started = true
	q.mu.Unlock()

	q.startedAt = q.clock.Now()
	if err := q.recoverState(); err != nil {
		return err
	}
	q.mu.Lock()
	q.recovered = true
	q.mu.Unlock()

	q.loopWg.Add(3)
	go q.timeoutLoop()
	go q.expiryLoop()
	go q.snapshotLoop()

	q.logger.Info("queue.started",
		"jobs", q.jobs.Len(),
		"last_id", uint32(q.lastID),
		"run_timeout", q.cfg.RunTimeout.String())
	return nil
}

// Stop 停止背景循環、寫入最後快照並關閉 WAL
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	recovered := q.recovered
	q.mu.Unlock()

	close(q.stopCh)
	q.loopWg.Wait()

	if recovered && !q.fatal.Load() {
		if err := q.TakeSnapshot(); err != nil {
			q.logger.Error("queue.snapshot.final_failed", "error", err)
		}
	}
	if err := q.wal.Close(); err != nil {
		q.logger.Error("queue.wal.close_failed", "error", err)
	}
	q.logger.Info("queue.stopped")
}

// ============================================================================
// 存取控制
// ============================================================================

// Name 佇列名稱
func (q *Queue) Name() string { return q.cfg.Name }

// Config 目前的設定
func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// IsSubmitterAllowed 提交者主機檢查（未設定名單時皆允許）
func (q *Queue) IsSubmitterAllowed(addr netip.Addr) bool {
	return q.submitACL.IsAllowed(addr)
}

// IsWorkerAllowed worker 主機檢查（未設定名單時皆允許）
func (q *Queue) IsWorkerAllowed(addr netip.Addr) bool {
	return q.workerACL.IsAllowed(addr)
}

// Reconfigure 重新套用可熱更新的設定：主機名單、程式名單與重試次數
func (q *Queue) Reconfigure(cfg Config) {
	q.submitACL.SetHosts(cfg.SubmitHosts)
	q.workerACL.SetHosts(cfg.WorkerHosts)

	q.mu.Lock()
	q.cfg.SubmitHosts = cfg.SubmitHosts
	q.cfg.WorkerHosts = cfg.WorkerHosts
	q.cfg.Program = cfg.Program
	q.programs = parseRoster(cfg.Program)
	if cfg.FailedRetries >= 0 {
		q.cfg.FailedRetries = cfg.FailedRetries
	}
	if cfg.MaxInputSize >= 0 {
		q.cfg.MaxInputSize = cfg.MaxInputSize
	}
	if cfg.MaxRunTimeout > 0 {
		q.cfg.MaxRunTimeout = max(cfg.MaxRunTimeout, q.cfg.RunTimeout)
	}
	q.mu.Unlock()

	q.logger.Info("queue.reconfigured",
		"submit_hosts", q.submitACL.String(),
		"worker_hosts", q.workerACL.String())
}

// Fatal 回報是否發生過儲存致命錯誤
func (q *Queue) Fatal() bool { return q.fatal.Load() }

// ============================================================================
// 內部輔助方法
// ============================================================================

func (q *Queue) now() int64 { return clock.Unix(q.clock) }

// appendLocked 追加 WAL 事件；呼叫者需持有 q.mu
func (q *Queue) appendLocked(event wal.EventType, job types.Job) error {
	if err := q.wal.Append(event, job, false); err != nil {
		q.fatal.Store(true)
		q.logger.Error("queue.wal.append_failed",
			"event", string(event), "job", uint32(job.ID), "error", err)
		return fmt.Errorf("%w: %v", ErrStorageFatal, err)
	}
	return nil
}

// mapErr 把 jobmanager 錯誤轉為佇列錯誤
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return ErrJobNotFound
	case errors.Is(err, jobmanager.ErrInvalidStatus):
		return ErrInvalidStatus
	default:
		return err
	}
}

// removeFromRun 先定點移除，找不到時全表掃描
func (q *Queue) removeFromRun(deadline int64, id types.JobID) {
	if !q.runTL.RemoveObjectAt(deadline, id) {
		q.runTL.RemoveObject(id)
	}
}

// scheduleExpiry 終態任務加入 TTL 時間軸
func (q *Queue) scheduleExpiry(job types.Job) {
	if q.cfg.JobTTL <= 0 || !job.Status.IsFinal() {
		return
	}
	q.expiryTL.AddObject(job.UpdatedAt+int64(q.cfg.JobTTL/time.Second), job.ID)
}
