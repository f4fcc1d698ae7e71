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

package retention

import (
	"context"
	"sync"
	"time"

	"exec-runtime/pkg/log"
)

// Candidate 留存扫描候选：已关闭的句柄
type Candidate struct {
	HandleID      string
	CorrelationID string
	ClosedAt      time.Time
	FrameCount    int64
}

// Scanner 列出已关闭的句柄
type Scanner interface {
	ListCandidates(ctx context.Context) ([]Candidate, error)
}

// Remover 删除句柄及其保留的帧
type Remover interface {
	Remove(handleID string) error
}

// Tombstone 句柄删除的审计记录
type Tombstone struct {
	HandleID      string    `json:"handleId"`
	CorrelationID string    `json:"correlationId"`
	ClosedAt      time.Time `json:"closedAt"`
	DeletedAt     time.Time `json:"deletedAt"`
	Reason        string    `json:"reason"`
	FrameCount    int64     `json:"frameCount"`
	// ArchiveRef 归档位置（若配置了归档）
	ArchiveRef string `json:"archiveRef,omitempty"`
}

// TombstoneStore Tombstone 存储接口
type TombstoneStore interface {
	CreateTombstone(ctx context.Context, t Tombstone) error
	ListTombstones(ctx context.Context, limit int) ([]Tombstone, error)
}

// ReasonExpired 留存到期删除
const ReasonExpired = "retention_policy_expired"

// Engine 留存引擎：周期性删除超过留存期的已关闭句柄
type Engine struct {
	config     Config
	scanner    Scanner
	remover    Remover
	tombstones TombstoneStore
	archiveRef func(handleID string) string
	now        func() time.Time
	logger     *log.Logger
}

// Options Engine 的可选协作者
type Options struct {
	Tombstones TombstoneStore // 默认 MemoryTombstoneStore
	ArchiveRef func(handleID string) string
	Now        func() time.Time
	Logger     *log.Logger
}

// NewEngine 创建留存引擎
func NewEngine(config Config, scanner Scanner, remover Remover, opts Options) *Engine {
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Minute
	}
	ts := opts.Tombstones
	if ts == nil {
		ts = NewMemoryTombstoneStore(config.MaxTombstones)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		config:     config,
		scanner:    scanner,
		remover:    remover,
		tombstones: ts,
		archiveRef: opts.ArchiveRef,
		now:        now,
		logger:     log.OrNop(opts.Logger),
	}
}

// Tombstones 返回 tombstone 存储
func (e *Engine) Tombstones() TombstoneStore { return e.tombstones }

// RunScan 扫描一次并删除过期句柄，返回删除数量
func (e *Engine) RunScan(ctx context.Context) (int, error) {
	if !e.config.Enable {
		return 0, nil
	}
	candidates, err := e.scanner.ListCandidates(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	processed := 0
	for _, c := range candidates {
		if !e.config.ShouldDelete(c.ClosedAt, now) {
			continue
		}
		if err := e.remover.Remove(c.HandleID); err != nil {
			// 扫描与删除之间句柄可能已被删除
			e.logger.Warn("retention remove failed", "handle_id", c.HandleID, "error", err)
			continue
		}
		t := Tombstone{
			HandleID:      c.HandleID,
			CorrelationID: c.CorrelationID,
			ClosedAt:      c.ClosedAt,
			DeletedAt:     now,
			Reason:        ReasonExpired,
			FrameCount:    c.FrameCount,
		}
		if e.archiveRef != nil {
			t.ArchiveRef = e.archiveRef(c.HandleID)
		}
		if err := e.tombstones.CreateTombstone(ctx, t); err != nil {
			return processed, err
		}
		processed++
	}
	if processed > 0 {
		e.logger.Info("retention scan removed handles", "count", processed)
	}
	return processed, nil
}

// Start 按 ScanInterval 循环扫描，直到 ctx 取消
func (e *Engine) Start(ctx context.Context) {
	if !e.config.Enable {
		return
	}
	ticker := time.NewTicker(e.config.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunScan(ctx); err != nil {
				e.logger.Warn("retention scan failed", "error", err)
			}
		}
	}
}

// MemoryTombstoneStore 进程内 tombstone 存储，超出上限时丢弃最旧记录
type MemoryTombstoneStore struct {
	mu    sync.Mutex
	max   int
	items []Tombstone
}

// NewMemoryTombstoneStore 创建内存存储；limit<=0 时为 1024
func NewMemoryTombstoneStore(limit int) *MemoryTombstoneStore {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryTombstoneStore{max: limit}
}

// CreateTombstone 追加记录
func (m *MemoryTombstoneStore) CreateTombstone(_ context.Context, t Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, t)
	if over := len(m.items) - m.max; over > 0 {
		m.items = append([]Tombstone(nil), m.items[over:]...)
	}
	return nil
}

// ListTombstones 返回最近的 limit 条（按删除顺序），limit<=0 返回全部
func (m *MemoryTombstoneStore) ListTombstones(_ context.Context, limit int) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return append([]Tombstone(nil), items...), nil
}
