package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復佇列狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 批次寫入：緩衝滿、超過 flush 間隔或強制 flush 時才寫檔
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options WAL 行為設定
type Options struct {
	SyncOnAppend  bool          // 每次追加都 flush 並 fsync
	BufferSize    int           // 緩衝事件數上限，<=0 使用預設值
	FlushInterval time.Duration // 距上次 flush 超過此間隔時，下一次 Append 會 flush
}

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = time.Second
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu     sync.Mutex    // 保護並發寫入
	file   FileInterface // WAL 檔案
	path   string        // WAL 檔案路徑
	seq    uint64        // 最後分配的事件序號（旋轉後不歸零）
	closed bool
	opts   Options

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
	now           func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		// 損毀的尾端記錄不影響序號延續：GetLastEvent 回傳最後一個可解析事件
		if last, err := GetLastEvent(path); err == nil && last != nil {
			seq = last.Seq
		}
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		now:           time.Now,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum（涵蓋完整任務記錄）
// - 加入緩衝區；SyncOnAppend、isForceFlush、緩衝滿或超時時 flush
func (w *WAL) Append(eventType EventType, job types.Job, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	jobCopy := job
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: w.now().UnixMilli(),
		Job:       &jobCopy,
	}
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		w.now().Sub(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝事件寫入磁碟（背景循環定期呼叫）
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq 大於 afterSeq 的所有 WAL 事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，handler 錯誤立即停止
// - 無法解析的記錄回傳 *CorruptionError，checksum 錯誤回傳 *ChecksumError；
//   在此之前的事件都已套用
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanEvents(file, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 path.1（覆蓋上一代），並開啟新的空檔案。
// seq 不歸零，快照記錄的 LastSeq 因此可用來跳過已涵蓋的事件。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = newFile
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.now()
	return nil
}

// EnsureSeq 確保下一個序號大於 seq（從快照恢復後呼叫）
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < seq {
		w.seq = seq
	}
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	return errors.Join(flushErr, closeErr)
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Pending 回傳尚未寫入磁碟的事件數
func (w *WAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件一次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.now()
	return nil
}

// scanEvents 逐筆解碼並驗證事件
func scanEvents(r io.Reader, fn func(Event) error) error {
	decoder := json.NewDecoder(r)
	var lastSeq uint64
	for {
		var event Event
		err := decoder.Decode(&event)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		lastSeq = event.Seq
		if err := fn(event); err != nil {
			return err
		}
	}
}
