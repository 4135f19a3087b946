// ============================================================================
// NetSchedule CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 建立 netscheduled 的命令樹，Viper 疊加旗標與環境變數
//
// 命令結構:
//   netscheduled                   # 根命令
//   ├── run                        # 啟動伺服器
//   ├── submit INPUT...            # 提交任務（多個輸入使用 BSUB 批次）
//   ├── status [JOBKEY]            # 任務狀態或伺服器 STAT
//   ├── shutdown                   # 要求伺服器關閉（管理權限）
//   ├── version                    # 版本資訊
//   └── wal dump|verify|stats      # 離線檢查 WAL 檔案
//
// 設定來源（優先順序由高至低）:
//   1. 命令列旗標
//   2. 環境變數 NETSCHEDULE_<旗標>，例如 NETSCHEDULE_DATA_DIR
//   3. YAML 設定檔（預設 configs/default.yaml）
//
// 範例:
//   netscheduled run -c configs/default.yaml --listen :9100
//   netscheduled submit -q test "echo hello"
//   netscheduled status -q test JSID_01_1
//   netscheduled wal stats data/test/wal.log
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/client"
	"github.com/ChuLiYu/netschedule/internal/config"
	"github.com/ChuLiYu/netschedule/internal/logging"
	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/session"
	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// 由 -ldflags "-X" 覆寫
var (
	Version = "dev"
	Build   = "unknown"
)

const (
	envPrefix         = "NETSCHEDULE"
	defaultConfigPath = "configs/default.yaml"
	defaultAddr       = "localhost:9100"
	defaultAuth       = "netscheduled_cli"
	requestTimeout    = 30 * time.Second
)

// BuildCLI 建立根命令。logger 為 nil 時不輸出日誌。
func BuildCLI(logger pslog.Logger) *cobra.Command {
	logger = logging.OrNoop(logger)
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "netscheduled",
		Short: "NetSchedule: a networked job queue server",
		Long: `netscheduled serves named job queues over a line-oriented text protocol.
Submitters queue jobs, workers fetch and report them, and every change is
journaled to a write-ahead log with periodic snapshots for crash recovery.`,
		Version:       fmt.Sprintf("%s (build %s)", Version, Build),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "config file path")
	flags.String("log-level", "", "log level (trace|debug|info|warn|error)")
	flags.String("addr", defaultAddr, "server address for client commands")
	flags.String("auth", defaultAuth, "client authentication string")

	rootCmd.AddCommand(buildRunCommand(v, logger))
	rootCmd.AddCommand(buildSubmitCommand(v))
	rootCmd.AddCommand(buildStatusCommand(v))
	rootCmd.AddCommand(buildShutdownCommand(v))
	rootCmd.AddCommand(buildVersionCommand(v))
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// bindFlags 將執行中命令的旗標（含繼承的全域旗標）綁定至 viper
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	var bindErr error
	bind := func(f *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(f.Name, f)
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	return bindErr
}

// applyLogLevel 套用 --log-level；空字串維持原設定
func applyLogLevel(logger pslog.Logger, level string) (pslog.Logger, error) {
	if level == "" {
		return logger, nil
	}
	lvl, ok := pslog.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return logger.LogLevel(lvl), nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(v *viper.Viper, logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the NetSchedule server",
		Long:  "Load the config file, recover every queue from its snapshot and WAL, and serve until SIGINT, SIGTERM or SHUTDOWN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := applyLogLevel(logger, v.GetString("log-level"))
			if err != nil {
				return err
			}
			cfgPath := v.GetString("config")
			cfg, err := loadRunConfig(v, cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(cfg, cfgPath, log)
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}

	cmd.Flags().String("listen", "", "override server.listen")
	cmd.Flags().String("data-dir", "", "override storage.data_dir")
	cmd.Flags().String("metrics-listen", "", "override metrics.listen and enable metrics")
	cmd.Flags().String("health-listen", "", "override server.health_listen")

	return cmd
}

// loadRunConfig 讀取設定檔並套用旗標/環境變數覆寫
func loadRunConfig(v *viper.Viper, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if s := v.GetString("listen"); s != "" {
		cfg.Server.Listen = s
	}
	if s := v.GetString("data-dir"); s != "" {
		cfg.Storage.DataDir = s
	}
	if s := v.GetString("metrics-listen"); s != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = s
	}
	if s := v.GetString("health-listen"); s != "" {
		cfg.Server.HealthListen = s
	}
	return cfg, nil
}

// ============================================================================
// 客戶端命令
// ============================================================================

// dialServer 以 viper 中的 addr/auth 連線到伺服器
func dialServer(cmd *cobra.Command, v *viper.Viper, auth, queue string) (*client.Client, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	c, err := client.Dial(ctx, v.GetString("addr"), auth, queue)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func buildSubmitCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit INPUT...",
		Short: "Submit one or more jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dialServer(cmd, v, v.GetString("auth"), v.GetString("queue"))
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				key, err := c.Submit(ctx, args[0], client.SubmitOptions{
					Affinity: v.GetString("affinity"),
					Mask:     v.GetInt("mask"),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out, key)
				return nil
			}

			first, err := c.SubmitBatch(ctx, args)
			if err != nil {
				return err
			}
			id, err := protocol.ParseJobKey(first)
			if err != nil {
				return err
			}
			for i := range args {
				fmt.Fprintln(out, protocol.FormatJobKey(id+types.JobID(i)))
			}
			return nil
		},
	}

	cmd.Flags().StringP("queue", "q", "", "queue name")
	cmd.Flags().String("affinity", "", "job affinity token")
	cmd.Flags().Int("mask", 0, "job mask")
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func buildStatusCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [JOBKEY]",
		Short: "Show a job status, or server statistics when no key is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dialServer(cmd, v, v.GetString("auth"), v.GetString("queue"))
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				lines, err := c.Stat(ctx, v.GetBool("all"))
				if err != nil {
					return err
				}
				for _, l := range lines {
					fmt.Fprintln(out, l)
				}
				return nil
			}

			st, err := c.Status(ctx, args[0])
			if err != nil {
				return err
			}
			printStatus(out, args[0], st)
			return nil
		},
	}

	cmd.Flags().StringP("queue", "q", "", "queue name (required for JOBKEY)")
	cmd.Flags().Bool("all", false, "include per-queue details")

	return cmd
}

func printStatus(w io.Writer, key string, st client.JobStatus) {
	fmt.Fprintf(w, "Job:      %s\n", key)
	fmt.Fprintf(w, "Status:   %s\n", st.Status)
	fmt.Fprintf(w, "RetCode:  %d\n", st.RetCode)
	fmt.Fprintf(w, "Input:    %q\n", st.Input)
	if st.Output != "" {
		fmt.Fprintf(w, "Output:   %q\n", st.Output)
	}
	if st.ErrMsg != "" {
		fmt.Fprintf(w, "Error:    %q\n", st.ErrMsg)
	}
}

func buildShutdownCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the server to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			auth := v.GetString("auth") + " " + session.AdminCredential
			c, ctx, cancel, err := dialServer(cmd, v, auth, "")
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			if err := c.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func buildVersionCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "netscheduled %s (build %s)\n", Version, Build)
			if !v.GetBool("server") {
				return nil
			}
			c, ctx, cancel, err := dialServer(cmd, v, v.GetString("auth"), "")
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			line, err := c.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server: %s\n", line)
			return nil
		},
	}
	cmd.Flags().Bool("server", false, "also query the server version")
	return cmd
}

// ============================================================================
// wal: 離線檢查
// ============================================================================

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect write-ahead log files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump PATH",
		Short: "Print every WAL event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wal.DumpWAL(args[0], cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify PATH",
		Short: "Check that every WAL event decodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wal.ValidateWAL(args[0]); err != nil {
				return err
			}
			n, err := wal.CountEvents(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %s events\n", args[0], humanize.Comma(int64(n)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats PATH",
		Short: "Summarize a WAL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := wal.GetWALStats(args[0])
			if err != nil {
				return err
			}
			printWALStats(cmd.OutOrStdout(), args[0], stats)
			return nil
		},
	})

	return cmd
}

func printWALStats(w io.Writer, path string, s *wal.WALStats) {
	fmt.Fprintf(w, "File:       %s (%s)\n", path, humanize.IBytes(uint64(s.SizeBytes)))
	fmt.Fprintf(w, "Events:     %s\n", humanize.Comma(int64(s.TotalEvents)))
	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Sequence:   %d - %d\n", s.FirstSeq, s.LastSeq)
		first := time.UnixMilli(s.TimeRange[0]).UTC()
		last := time.UnixMilli(s.TimeRange[1]).UTC()
		fmt.Fprintf(w, "Time range: %s - %s (%s)\n",
			first.Format(time.RFC3339), last.Format(time.RFC3339), humanize.RelTime(first, last, "", ""))
	}
	if s.CorruptedCount > 0 {
		fmt.Fprintf(w, "Corrupted:  %d\n", s.CorruptedCount)
	}
	for _, typ := range slices.Sorted(maps.Keys(s.EventTypes)) {
		fmt.Fprintf(w, "  %-12s %s\n", typ, humanize.Comma(int64(s.EventTypes[typ])))
	}
}
