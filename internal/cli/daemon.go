package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/config"
	"github.com/ChuLiYu/netschedule/internal/logging"
	"github.com/ChuLiYu/netschedule/internal/metrics"
	"github.com/ChuLiYu/netschedule/internal/queue"
	"github.com/ChuLiYu/netschedule/internal/server"
	"github.com/ChuLiYu/netschedule/internal/worker"
)

const (
	notifyBufferSize = 1024
	shutdownTimeout  = 5 * time.Second
)

// daemon 組裝單一 netscheduled 程序：
// 指標 → 通知 worker pool → 佇列（復原） → TCP 伺服器 → 設定檔監看
type daemon struct {
	cfg     *config.Config
	cfgPath string
	base    pslog.Logger
	logger  pslog.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Collector
	metricsSrv *metrics.Server

	sender *worker.UDPSender
	pool   *worker.Pool

	queues  *queue.Registry
	server  *server.Server
	watcher *config.Watcher

	metricsDone chan struct{}
}

func newDaemon(cfg *config.Config, cfgPath string, logger pslog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		cfgPath:  cfgPath,
		base:     logger,
		logger:   logging.WithSubsystem(logger, "daemon"),
		registry: prometheus.NewRegistry(),
		queues:   queue.NewRegistry(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.NewCollector(d.registry)

	sender, err := worker.NewUDPSender()
	if err != nil {
		return nil, fmt.Errorf("failed to open notification socket: %w", err)
	}
	d.sender = sender
	d.pool = worker.NewPool(notifyBufferSize, sender, worker.WithLogger(logger))

	for _, qc := range cfg.QueueConfigs() {
		q, err := queue.New(qc,
			queue.WithLogger(logger),
			queue.WithMetrics(d.metrics),
			queue.WithNotifier(d.pool),
		)
		if err == nil {
			err = d.queues.Add(q)
		}
		if err != nil {
			sender.Close()
			return nil, fmt.Errorf("failed to create queue %s: %w", qc.Name, err)
		}
	}

	d.server = server.New(server.Config{
		Listen:         cfg.Server.Listen,
		Host:           cfg.AdvertisedHost(),
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxConnections: cfg.Server.MaxConnections,
		MaxBatchSize:   cfg.Server.MaxBatchSize,
		AdminHosts:     cfg.Server.AdminHosts,
		HealthListen:   cfg.Server.HealthListen,
		Version:        Version,
		Build:          Build,
	}, d.queues,
		server.WithLogger(logger),
		server.WithMetrics(d.metrics),
		server.WithReload(d.reload),
	)
	return d, nil
}

// start 復原佇列並開始監聽；失敗時釋放已取得的資源
func (d *daemon) start() error {
	if err := d.pool.Start(d.cfg.Server.NotifyWorkers); err != nil {
		d.sender.Close()
		return fmt.Errorf("failed to start notification pool: %w", err)
	}
	if err := d.queues.StartAll(); err != nil {
		d.pool.Stop()
		d.sender.Close()
		return err
	}
	if err := d.server.Listen(); err != nil {
		d.cleanup()
		return err
	}

	if d.cfg.Metrics.Enabled {
		d.metricsSrv = metrics.NewServer(d.cfg.Metrics.Listen, d.registry)
		d.metricsDone = make(chan struct{})
		go func() {
			defer close(d.metricsDone)
			if err := d.metricsSrv.ListenAndServe(); err != nil {
				d.logger.Error("daemon.metrics.serve_failed", "addr", d.cfg.Metrics.Listen, "error", err)
			}
		}()
		d.logger.Info("daemon.metrics.listening", "addr", d.cfg.Metrics.Listen)
	}

	if d.cfgPath != "" {
		w, err := config.Watch(d.cfgPath, d.apply, d.base)
		if err != nil {
			// 沒有監看仍可透過 RECO 重新載入
			d.logger.Warn("daemon.config.watch_failed", "path", d.cfgPath, "error", err)
		} else {
			d.watcher = w
		}
	}

	d.logger.Info("daemon.started",
		"addr", d.server.Addr().String(),
		"queues", d.queues.Names(),
		"instance", d.server.InstanceID(),
		"version", Version,
	)
	return nil
}

// serve 阻塞直到 ctx 取消或收到 SHUTDOWN，之後依序關閉所有元件
func (d *daemon) serve(ctx context.Context) error {
	defer d.cleanup()
	return d.server.Serve(ctx)
}

func (d *daemon) run(ctx context.Context) error {
	if err := d.start(); err != nil {
		return err
	}
	return d.serve(ctx)
}

// cleanup 關閉順序：設定監看 → 指標 → 佇列（最後快照） → 通知
func (d *daemon) cleanup() {
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			d.logger.Warn("daemon.metrics.shutdown_failed", "error", err)
		}
		cancel()
		<-d.metricsDone
	}
	d.queues.StopAll()
	d.pool.Stop()
	d.sender.Close()
	d.logger.Info("daemon.stopped")
}

// reload 為 RECO 命令重新讀取設定檔
func (d *daemon) reload() error {
	if d.cfgPath == "" {
		return errors.New("no config file to reload")
	}
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}
	return d.apply(cfg)
}

// apply 套用可熱更新的設定：管理主機名單與各佇列的主機名單、客戶端版本
func (d *daemon) apply(cfg *config.Config) error {
	d.server.SetAdminHosts(cfg.Server.AdminHosts)
	if err := d.queues.Reconfigure(cfg.QueueConfigs()); err != nil {
		return err
	}
	d.logger.Info("daemon.config.applied", "queues", len(cfg.Queues))
	return nil
}
