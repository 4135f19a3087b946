// ============================================================================
// NetSchedule Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列與協議層的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec, label: queue)：
//      - netschedule_jobs_submitted_total
//      - netschedule_jobs_dispatched_total
//      - netschedule_jobs_done_total
//      - netschedule_jobs_failed_total
//      - netschedule_jobs_timedout_total
//      - netschedule_jobs_expired_total
//      - netschedule_jobs_canceled_total
//
//   2. 協議指標：
//      - netschedule_commands_total{verb,result}
//      - netschedule_command_latency_seconds{verb}
//      - netschedule_connections_open
//
//   3. 狀態指標 (Gauge)：
//      - netschedule_jobs{queue,status}: 各狀態任務數
//      - netschedule_recovery_time_seconds{queue}: 最近一次恢復時間
//      - netschedule_notifications_total{result}: UDP 通知送出結果
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(netschedule_jobs_done_total[1m])
//
//   # 95 分位命令延遲
//   histogram_quantile(0.95, rate(netschedule_command_latency_seconds_bucket[5m]))
//
//   # 任務積壓
//   sum by (queue) (netschedule_jobs{status=~"Pending|Returned"})
//
// 所有方法對 nil *Collector 安全，未啟用指標時元件可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netschedule"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  *prometheus.CounterVec
	jobsDispatched *prometheus.CounterVec
	jobsDone       *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsTimedOut   *prometheus.CounterVec
	jobsExpired    *prometheus.CounterVec
	jobsCanceled   *prometheus.CounterVec

	// 協議指標
	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	connections    prometheus.Gauge

	// 狀態指標
	jobs          *prometheus.GaugeVec
	recoveryTime  *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

func jobCounter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"queue"})
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 使用 prometheus.DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted:  jobCounter("jobs_submitted_total", "Total number of jobs submitted"),
		jobsDispatched: jobCounter("jobs_dispatched_total", "Total number of jobs dispatched to workers"),
		jobsDone:       jobCounter("jobs_done_total", "Total number of jobs completed successfully"),
		jobsFailed:     jobCounter("jobs_failed_total", "Total number of failure reports"),
		jobsTimedOut:   jobCounter("jobs_timedout_total", "Total number of run timeouts"),
		jobsExpired:    jobCounter("jobs_expired_total", "Total number of jobs erased after their TTL"),
		jobsCanceled:   jobCounter("jobs_canceled_total", "Total number of jobs canceled"),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Protocol commands processed, by verb and result",
		}, []string{"verb", "result"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Command processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Current number of open client connections",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by queue and status",
		}, []string{"queue", "status"}),
		recoveryTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery in seconds",
		}, []string{"queue"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "UDP notifications sent, by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsDispatched, c.jobsDone, c.jobsFailed,
		c.jobsTimedOut, c.jobsExpired, c.jobsCanceled,
		c.commands, c.commandLatency, c.connections,
		c.jobs, c.recoveryTime, c.notifications,
	)
	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit(queue string, n int) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(queue).Add(float64(n))
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch(queue string) {
	if c == nil {
		return
	}
	c.jobsDispatched.WithLabelValues(queue).Inc()
}

// RecordDone 記錄任務完成
func (c *Collector) RecordDone(queue string) {
	if c == nil {
		return
	}
	c.jobsDone.WithLabelValues(queue).Inc()
}

// RecordFailed 記錄任務失敗回報
func (c *Collector) RecordFailed(queue string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(queue).Inc()
}

// RecordTimeout 記錄執行逾時
func (c *Collector) RecordTimeout(queue string) {
	if c == nil {
		return
	}
	c.jobsTimedOut.WithLabelValues(queue).Inc()
}

// RecordExpired 記錄任務過期清除
func (c *Collector) RecordExpired(queue string) {
	if c == nil {
		return
	}
	c.jobsExpired.WithLabelValues(queue).Inc()
}

// RecordCanceled 記錄任務取消
func (c *Collector) RecordCanceled(queue string) {
	if c == nil {
		return
	}
	c.jobsCanceled.WithLabelValues(queue).Inc()
}

// RecordCommand 記錄一個協議命令的結果與延遲
func (c *Collector) RecordCommand(verb, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(verb, result).Inc()
	c.commandLatency.WithLabelValues(verb).Observe(d.Seconds())
}

// ConnOpened 連線建立
func (c *Collector) ConnOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnClosed 連線關閉
func (c *Collector) ConnClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// SetJobCounts 更新佇列各狀態任務數
func (c *Collector) SetJobCounts(queue string, counts map[string]int) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.jobs.WithLabelValues(queue, status).Set(float64(n))
	}
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(queue string, d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.WithLabelValues(queue).Set(d.Seconds())
}

// RecordNotification 記錄 UDP 通知結果
func (c *Collector) RecordNotification(err error) {
	if c == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	c.notifications.WithLabelValues(result).Inc()
}

// Server 暴露 /metrics 的 HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics HTTP 伺服器（gatherer 為 nil 時使用 prometheus.DefaultGatherer）
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe 阻塞直到伺服器關閉；正常關閉回傳 nil
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler 回傳 HTTP handler（測試用）
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
