// ============================================================================
// NetSchedule Worker Pool - 並發通知發送器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個發送 goroutine，把佇列產生的 UDP 通知送出
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發通知
//   3. 通過結果回呼回報送出結果（日誌與指標）
//
// 架構組件:
//   ┌─────────────┐
//   │   Queue     │ --Notify()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ Sender (UDP)
//   │  │Worker 2│←── taskCh      ──→ onResult
//   │  └────────┘ │
//   └─────────────┘
//
// 背壓策略:
//   通知是盡力而為的：taskCh 滿時 Submit 立即回傳 ErrPoolFull，
//   不會阻塞持有佇列鎖的呼叫者。
//
// 優雅關閉:
//   Stop() 在持有 mu 的情況下關閉 taskCh；Submit 也在 mu 內做非阻塞送出，
//   因此不會向已關閉的 channel 送資料。Worker 送完剩餘任務後退出。
//
// ============================================================================

package worker

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/logging"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務緩衝已滿，通知被丟棄
	ErrPoolFull = errors.New("worker pool queue is full")
)

// DefaultSendTimeout 單一通知的預設送出超時
const DefaultSendTimeout = 2 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的發送 Worker
type Pool struct {
	workers  []*Worker      // 已啟動的 Worker
	taskCh   chan Task      // 任務通道
	sender   Sender         // 實際送出封包的實作
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started、stopped 與 taskCh 的關閉
	timeout  time.Duration
	onResult func(Result)
	logger   pslog.Logger

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// Option 設定 Pool
type Option func(*Pool)

// WithLogger 設定日誌
func WithLogger(logger pslog.Logger) Option {
	return func(p *Pool) { p.logger = logging.WithSubsystem(logger, "worker.notify") }
}

// WithResultHook 設定每個送出結果的回呼（在 Worker goroutine 中執行）
func WithResultHook(fn func(Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// WithSendTimeout 設定預設送出超時
func WithSendTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小
//   - sender: 封包發送實作
func NewPool(bufferSize int, sender Sender, opts ...Option) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	p := &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		sender:  sender,
		timeout: DefaultSendTimeout,
		logger:  logging.WithSubsystem(nil, "worker.notify"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.sender, p.timeout, p.handleResult)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool（非阻塞）
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		p.dropped.Add(1)
		return ErrPoolFull
	}
}

// Notify 送出一個文字通知封包（queue.Notifier 介面）
func (p *Pool) Notify(addr netip.AddrPort, msg string) error {
	err := p.Submit(Task{Addr: addr, Payload: []byte(msg)})
	if err != nil {
		p.logger.Warn("worker.notify.dropped", "addr", addr.String(), "error", err)
	}
	return err
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 taskCh（持有 mu）
//  2. 等待所有 Worker 送完剩餘任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats 送出統計
type Stats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// Stats 返回累計的送出統計
func (p *Pool) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
}

func (p *Pool) handleResult(r Result) {
	if r.Error != nil {
		p.failed.Add(1)
		p.logger.Debug("worker.notify.failed", "addr", r.Addr.String(), "error", r.Error)
	} else {
		p.sent.Add(1)
	}
	if p.onResult != nil {
		p.onResult(r)
	}
}
