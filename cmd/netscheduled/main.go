package main

// ============================================================================
// netscheduled 入口點
// 1. 從環境變數 NETSCHEDULE_LOG_* 建立 logger
// 2. 執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"

	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/cli"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) (code int) {
	logger := pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("NETSCHEDULE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "netscheduled")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("netscheduled.panic", "panic", fmt.Sprint(r))
			code = 2
		}
	}()

	if _, err := cli.BuildCLI(logger).ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "netscheduled: %v\n", err)
		}
		return 1
	}
	return 0
}
