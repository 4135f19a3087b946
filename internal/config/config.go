// ============================================================================
// NetSchedule 設定 - YAML 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔、套用預設值並驗證，轉換為各佇列的 queue.Config
//
// 設定結構:
//   server:   監聽位址、對外主機名、閒置逾時、管理主機名單、連線上限、健康檢查
//   metrics:  Prometheus 端點
//   storage:  資料目錄、WAL 緩衝與 flush 間隔、快照間隔
//   queues[]: 每個佇列的執行逾時、TTL、輸入上限、客戶端版本、主機名單
//
// 範例:
//   server:
//     listen: ":9100"
//     admin_hosts: "localhost; 10.0.0.5"
//   queues:
//     - name: test
//       run_timeout: 30m
//       max_run_timeout: 12h
//       max_input_size: 1KiB
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/queue"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 完整系統設定
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Storage StorageConfig `yaml:"storage"`
	Queues  []QueueConfig `yaml:"queues"`
}

// ServerConfig 文字協定伺服器設定
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	Host           string        `yaml:"host"` // 任務 key 回覆中的主機名，空白則使用 os.Hostname
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AdminHosts     string        `yaml:"admin_hosts"`
	MaxConnections int           `yaml:"max_connections"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	HealthListen   string        `yaml:"health_listen"` // gRPC 健康檢查，空白表示停用
	NotifyWorkers  int           `yaml:"notify_workers"`
}

// MetricsConfig Prometheus 端點設定
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StorageConfig WAL 與快照設定
type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	WALBufferSize    int           `yaml:"wal_buffer_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// QueueConfig 單一佇列設定
type QueueConfig struct {
	Name              string        `yaml:"name"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	MaxRunTimeout     time.Duration `yaml:"max_run_timeout"`
	TimelinePrecision time.Duration `yaml:"timeline_precision"`
	JobTTL            time.Duration `yaml:"job_ttl"`
	MaxInputSize      ByteSize      `yaml:"max_input_size"`
	FailedRetries     int           `yaml:"failed_retries"`
	Program           string        `yaml:"program"`
	SubmitHosts       string        `yaml:"submit_hosts"`
	WorkerHosts       string        `yaml:"worker_hosts"`
}

// ByteSize 接受 "4KiB"、"1 MB" 或純數字的位元組大小
type ByteSize uint64

// UnmarshalYAML 以 humanize.ParseBytes 解析大小
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML 輸出人類可讀的大小
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// ============================================================================
// 預設值
// ============================================================================

const (
	DefaultListen         = ":9100"
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultMaxConnections = 1000
	DefaultNotifyWorkers  = 4
	DefaultMetricsListen  = ":9090"
	DefaultDataDir        = "data"
	DefaultWALBufferSize  = 100
	DefaultFlushInterval  = 10 * time.Millisecond
)

// Default 回傳只含預設值、沒有佇列的設定
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.NotifyWorkers == 0 {
		c.Server.NotifyWorkers = DefaultNotifyWorkers
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}
	if c.Storage.WALBufferSize == 0 {
		c.Storage.WALBufferSize = DefaultWALBufferSize
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = DefaultFlushInterval
	}
	if c.Storage.SnapshotInterval == 0 {
		c.Storage.SnapshotInterval = queue.DefaultSnapshotInterval
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = queue.DefaultSweepInterval
	}
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.RunTimeout == 0 {
			q.RunTimeout = queue.DefaultRunTimeout
		}
		if q.TimelinePrecision == 0 {
			q.TimelinePrecision = queue.DefaultTimelinePrecision
		}
	}
}

// ============================================================================
// 讀取與驗證
// ============================================================================

// Load 讀取設定檔，套用預設值並驗證
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查設定值，回傳所有問題
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("server.idle_timeout must not be negative"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.MaxBatchSize < 0 {
		errs = append(errs, errors.New("server.max_batch_size must not be negative"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Storage.WALBufferSize < 0 {
		errs = append(errs, errors.New("storage.wal_buffer_size must not be negative"))
	}

	seen := make(map[string]struct{}, len(c.Queues))
	for i, q := range c.Queues {
		where := fmt.Sprintf("queues[%d]", i)
		switch {
		case q.Name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		case q.Name == "noname":
			errs = append(errs, fmt.Errorf("%s: name %q is reserved", where, q.Name))
		case strings.ContainsAny(q.Name, " \t;/\\\"'"):
			errs = append(errs, fmt.Errorf("%s: name %q contains invalid characters", where, q.Name))
		}
		if _, dup := seen[q.Name]; dup && q.Name != "" {
			errs = append(errs, fmt.Errorf("%s: duplicate queue %q", where, q.Name))
		}
		seen[q.Name] = struct{}{}
		if q.RunTimeout < 0 || q.MaxRunTimeout < 0 || q.JobTTL < 0 {
			errs = append(errs, fmt.Errorf("%s: durations must not be negative", where))
		}
		if q.TimelinePrecision < time.Second {
			errs = append(errs, fmt.Errorf("%s: timeline_precision must be at least 1s", where))
		}
		if q.MaxRunTimeout > 0 && q.MaxRunTimeout < q.RunTimeout {
			errs = append(errs, fmt.Errorf("%s: max_run_timeout must not be below run_timeout", where))
		}
		// 引號字串超過 protocol.MaxQuotedSize 即被拒絕，更大的上限永遠達不到
		if q.MaxInputSize > protocol.MaxQuotedSize {
			errs = append(errs, fmt.Errorf("%s: max_input_size must not exceed %d bytes", where, protocol.MaxQuotedSize))
		}
		if q.FailedRetries < 0 {
			errs = append(errs, fmt.Errorf("%s: failed_retries must not be negative", where))
		}
	}
	return errors.Join(errs...)
}

// QueueConfigs 將佇列設定轉換為 queue.Config，並帶入共用的儲存設定
func (c *Config) QueueConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, queue.Config{
			Name:              q.Name,
			RunTimeout:        q.RunTimeout,
			MaxRunTimeout:     q.MaxRunTimeout,
			TimelinePrecision: q.TimelinePrecision,
			JobTTL:            q.JobTTL,
			MaxInputSize:      int(q.MaxInputSize),
			FailedRetries:     q.FailedRetries,
			Program:           q.Program,
			SubmitHosts:       q.SubmitHosts,
			WorkerHosts:       q.WorkerHosts,
			DataDir:           c.Storage.DataDir,
			WALBufferSize:     c.Storage.WALBufferSize,
			WALFlushInterval:  c.Storage.FlushInterval,
			SnapshotInterval:  c.Storage.SnapshotInterval,
			SweepInterval:     c.Storage.SweepInterval,
		})
	}
	return out
}

// AdvertisedHost 回傳任務 key 回覆中使用的主機名
func (c *Config) AdvertisedHost() string {
	if c.Server.Host != "" {
		return c.Server.Host
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}
