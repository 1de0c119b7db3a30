// Package tasks 提供“响应已发出仍需跑完”的后台任务组：
// 缓存写入、用量上报、毒化条目清理都经由这里调度，
// 优雅停机时 Drain 等待全部任务收尾。
package tasks

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Group 跟踪在途后台任务。零值不可用，必须经 NewGroup 构造。
type Group struct {
	wg     sync.WaitGroup
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
}

// NewGroup 构造后台任务组。
func NewGroup(logger *logrus.Logger) *Group {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Group{logger: logger}
}

// Go 调度一个后台任务并立即返回。组已关闭时任务被拒绝，
// panic 被捕获为日志而不是进程崩溃。
func (g *Group) Go(name string, fn func()) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.WithFields(logrus.Fields{
			"action": "background_task",
			"task":   name,
		}).Warn("task_rejected_after_shutdown")
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.WithFields(logrus.Fields{
					"action": "background_task",
					"task":   name,
					"panic":  r,
				}).Error("task_panicked")
			}
		}()
		fn()
	}()
	return true
}

// Drain 停止接收新任务并等待在途任务完成，ctx 超时则提前返回。
func (g *Group) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
