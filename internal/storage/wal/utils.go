package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 檢查與診斷功能（netscheduled wal 子命令、STAT ALL）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個可解析的事件
//
// 採用從頭到尾掃描：WAL 在每次快照後旋轉，檔案不會很大。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = scanEvents(file, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中有效事件的總數（遇到損毀記錄即停止並回傳錯誤）
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	err = scanEvents(file, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增且連續
func ValidateWAL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var lastSeq uint64
	return scanEvents(file, func(e Event) error {
		if lastSeq != 0 && e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq=%d follows seq=%d", ErrSeqGap, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SUBMIT job=1 status=Pending at 2024-01-01T00:00:00Z (checksum:0x12345678)
//
// 損毀的記錄會輸出一行說明後回傳錯誤。
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	err = scanEvents(file, func(e Event) error {
		status := "-"
		if e.Job != nil {
			status = e.Job.Status.String()
		}
		_, werr := fmt.Fprintf(w, "[Seq:%d] %s job=%d status=%s at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, e.JobID, status,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		return werr
	})
	if err != nil {
		fmt.Fprintf(w, "!! %v\n", err)
	}
	return err
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]（Unix 毫秒）
	CorruptedCount int               // 損壞記錄數（最多 1：掃描在第一筆損壞處停止）
	SizeBytes      int64             // 檔案大小
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	if info, err := file.Stat(); err == nil {
		stats.SizeBytes = info.Size()
	}

	err = scanEvents(file, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		return nil
	})

	var corrupt *CorruptionError
	var checksum *ChecksumError
	switch {
	case err == nil:
	case errors.As(err, &corrupt), errors.As(err, &checksum):
		stats.CorruptedCount++
	default:
		return nil, err
	}
	return stats, nil
}
