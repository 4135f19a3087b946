package worker

import (
	"net/netip"
	"time"
)

// Task 代表一個待送出的通知封包
type Task struct {
	Addr    netip.AddrPort // 目的位址（worker 監聽埠或提交者通知埠）
	Payload []byte         // 封包內容
	Timeout time.Duration  // 送出超時時間，<=0 使用 Pool 預設值
}

// Result 代表通知送出結果
type Result struct {
	Addr     netip.AddrPort // 目的位址
	Error    error          // 錯誤訊息（如果有）
	Duration time.Duration  // 實際送出時間
}
