// 配置文件变更监听器实现。
//
// 以轮询检测修改时间，事件经防抖后交给回调。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件出现
	FileOpCreate FileOp = iota
	// FileOpWrite 文件被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 同一批变更合并后再回调
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval 轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// FileWatcher 监听一组文件的创建、修改与删除
type FileWatcher struct {
	mu sync.Mutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration
	callbacks     []func(FileEvent)
	modTimes      map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}

	logger *zap.Logger
}

// NewFileWatcher 创建监听器；不存在的路径会被监听其创建
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		modTimes:      make(map[string]time.Time),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听，直到 ctx 取消或 Stop
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher already running")
	}
	for _, p := range w.paths {
		if info, err := os.Stat(p); err == nil {
			w.modTimes[p] = info.ModTime()
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止监听并等待后台循环退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("file watcher stopped")
}

// Paths 返回监听的绝对路径
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// IsRunning 是否在监听
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *FileWatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range w.scan() {
				pending[ev.Path] = ev
				fire = time.After(w.debounceDelay)
			}
		case <-fire:
			fire = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// scan 对比修改时间，生成自上次扫描以来的事件
func (w *FileWatcher) scan() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	now := time.Now()
	for _, p := range w.paths {
		info, err := os.Stat(p)
		last, known := w.modTimes[p]
		switch {
		case err != nil:
			if known && os.IsNotExist(err) {
				delete(w.modTimes, p)
				events = append(events, FileEvent{Path: p, Op: FileOpRemove, Timestamp: now})
			}
		case !known:
			w.modTimes[p] = info.ModTime()
			events = append(events, FileEvent{Path: p, Op: FileOpCreate, Timestamp: now})
		case info.ModTime().After(last):
			w.modTimes[p] = info.ModTime()
			events = append(events, FileEvent{Path: p, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

func (w *FileWatcher) dispatch(events map[string]FileEvent) {
	w.mu.Lock()
	callbacks := append(([]func(FileEvent))(nil), w.callbacks...)
	w.mu.Unlock()

	for _, ev := range events {
		w.logger.Debug("dispatching file event",
			zap.String("path", ev.Path),
			zap.String("op", ev.Op.String()))
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}
