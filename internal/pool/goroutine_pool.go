// Package pool provides a bounded goroutine pool for site executions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("pool is closed")

// Task 一个工作单元
type Task func(ctx context.Context) error

// GoroutinePool 有界并发池：Submit 在达到上限时阻塞，任务 panic 被恢复并计为失败
type GoroutinePool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	active atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	panicHandler func(any)
	errorHandler func(error)
}

// GoroutinePoolConfig 池配置
type GoroutinePoolConfig struct {
	MaxWorkers   int         `json:"max_workers" yaml:"max_workers"`
	PanicHandler func(any)   `json:"-" yaml:"-"`
	ErrorHandler func(error) `json:"-" yaml:"-"`
}

// DefaultGoroutinePoolConfig 返回默认配置
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{MaxWorkers: 4}
}

// NewGoroutinePool 创建池
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	return &GoroutinePool{
		slots:        make(chan struct{}, config.MaxWorkers),
		panicHandler: config.PanicHandler,
		errorHandler: config.ErrorHandler,
	}
}

// Submit 等待空位后异步执行任务；ctx 取消时放弃提交
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.active.Add(1)
		err := p.execute(ctx, task)
		p.active.Add(-1)
		if err != nil {
			p.failed.Add(1)
			if p.errorHandler != nil {
				p.errorHandler(err)
			}
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

func (p *GoroutinePool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Wait 等待所有已提交任务结束
func (p *GoroutinePool) Wait() {
	p.wg.Wait()
}

// Close 拒绝新任务并等待在途任务结束
func (p *GoroutinePool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}

// Stats 返回池统计
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Capacity:  cap(p.slots),
		Active:    int(p.active.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// GoroutinePoolStats 池统计
type GoroutinePoolStats struct {
	Capacity  int   `json:"capacity"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
