package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/logging"
)

// DefaultDebounce 合併編輯器連續寫入所產生的多個事件
const DefaultDebounce = 200 * time.Millisecond

// ApplyFunc 接收重新讀取後的設定
type ApplyFunc func(*Config) error

// Watcher 監看設定檔，變更時重新讀取並呼叫 ApplyFunc
//
// 監看的是設定檔所在目錄：編輯器常以「寫入暫存檔再 rename」的方式儲存，
// 直接監看檔案會在第一次儲存後失去追蹤。
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	apply    ApplyFunc
	logger   pslog.Logger
	debounce time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// WatchOption 設定 Watcher
type WatchOption func(*Watcher)

// WithDebounce 設定事件合併的等待時間
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watch 開始監看 path
func Watch(path string, apply ApplyFunc, logger pslog.Logger, opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %q: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %q: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:     abs,
		watcher:  fw,
		apply:    apply,
		logger:   logging.WithSubsystem(logger, "config.watch"),
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w, nil
}

// Close 停止監看；可重複呼叫
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// 保留現有設定，等待下一次修正
		w.logger.Warn("config.reload.invalid", "path", w.path, "error", err)
		return
	}
	if err := w.apply(cfg); err != nil {
		w.logger.Warn("config.reload.partial", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config.reloaded", "path", w.path, "queues", len(cfg.Queues))
}
