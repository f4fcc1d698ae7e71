// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"exec-runtime/pkg/errors"
)

// ToolLimit 单个 tool 的限流配置
type ToolLimit struct {
	QPS           float64 `yaml:"qps"`            // 每秒启动次数
	MaxConcurrent int     `yaml:"max_concurrent"` // 同时运行的 run 数
	Burst         int     `yaml:"burst"`          // 令牌桶容量（可选，默认为 QPS）
}

// Limiter tool 维度的限流器，QPS + 并发控制。
// 未配置的 tool 使用 defaults；defaults 为 nil 时不限制。
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*toolLimiter
	defaults *ToolLimit
}

type toolLimiter struct {
	rateLimiter *rate.Limiter
	semaphore   chan struct{}
	config      ToolLimit
}

// NewLimiter 创建限流器
func NewLimiter(configs map[string]ToolLimit, defaults *ToolLimit) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*toolLimiter, len(configs)),
		defaults: defaults,
	}
	for tool, cfg := range configs {
		l.limiters[tool] = newToolLimiter(cfg)
	}
	return l
}

func newToolLimiter(cfg ToolLimit) *toolLimiter {
	if cfg.Burst == 0 {
		cfg.Burst = int(cfg.QPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	tl := &toolLimiter{config: cfg}
	if cfg.QPS > 0 {
		tl.rateLimiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst)
	}
	if cfg.MaxConcurrent > 0 {
		tl.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return tl
}

func (l *Limiter) get(tool string) *toolLimiter {
	l.mu.RLock()
	tl, ok := l.limiters[tool]
	l.mu.RUnlock()
	if ok || l.defaults == nil {
		return tl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok = l.limiters[tool]; !ok {
		tl = newToolLimiter(*l.defaults)
		l.limiters[tool] = tl
	}
	return tl
}

// Wait 阻塞直到获得执行许可；成功后必须调用 Release
func (l *Limiter) Wait(ctx context.Context, tool string) error {
	tl := l.get(tool)
	if tl == nil {
		return nil
	}
	if tl.rateLimiter != nil {
		if err := tl.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait for %s: %w", tool, err)
		}
	}
	if tl.semaphore != nil {
		select {
		case tl.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release 释放并发 slot
func (l *Limiter) Release(tool string) {
	l.mu.RLock()
	tl, ok := l.limiters[tool]
	l.mu.RUnlock()
	if !ok || tl.semaphore == nil {
		return
	}
	select {
	case <-tl.semaphore:
	default:
	}
}

// Allow 非阻塞检查；返回 true 时同样占用并发 slot，需要 Release
func (l *Limiter) Allow(tool string) bool {
	tl := l.get(tool)
	if tl == nil {
		return true
	}
	if tl.rateLimiter != nil && !tl.rateLimiter.Allow() {
		return false
	}
	if tl.semaphore != nil {
		select {
		case tl.semaphore <- struct{}{}:
		default:
			return false
		}
	}
	return true
}

// TryAcquire 非阻塞获取许可，超限时返回包装 errors.ErrRateLimited 的错误；成功后必须调用 Release
func (l *Limiter) TryAcquire(tool string) error {
	if !l.Allow(tool) {
		return errors.Wrapf(errors.ErrRateLimited, "tool %s", tool)
	}
	return nil
}

// LimitStats 限流状态
type LimitStats struct {
	QPS               float64 `json:"qps"`
	MaxConcurrent     int     `json:"maxConcurrent"`
	CurrentConcurrent int     `json:"currentConcurrent"`
}

// Stats 返回 tool 的限流状态，未配置时 ok=false
func (l *Limiter) Stats(tool string) (LimitStats, bool) {
	l.mu.RLock()
	tl, ok := l.limiters[tool]
	l.mu.RUnlock()
	if !ok {
		return LimitStats{}, false
	}
	st := LimitStats{QPS: tl.config.QPS, MaxConcurrent: tl.config.MaxConcurrent}
	if tl.semaphore != nil {
		st.CurrentConcurrent = len(tl.semaphore)
	}
	return st, true
}
