package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 依序寫入事件類型、序號（big endian）、任務 ID 與任務 JSON
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))

	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], event.Seq)
	binary.BigEndian.PutUint32(buf[8:], uint32(event.JobID))
	h.Write(buf[:])

	if event.Job != nil {
		// 結構體序列化的欄位順序固定，重放時可重現同樣的位元組
		if data, err := json.Marshal(event.Job); err == nil {
			h.Write(data)
		}
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
