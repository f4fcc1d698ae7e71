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

// Package session 按 key 池化长生命周期的执行句柄（如常驻 shell），以租约方式借出。
//
// 同一 key 的并发 Acquire 共享一次 Factory 调用；引用计数归零时 Dispose 恰好执行一次。
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"exec-runtime/pkg/log"
	"exec-runtime/pkg/metrics"
)

// Handle 不透明的执行资源
type Handle interface {
	Dispose(ctx context.Context) error
}

// CreateContext 传给 Factory 的创建参数
type CreateContext struct {
	ID        string
	Env       map[string]string
	Persisted bool
	CreatedAt time.Time
}

// Factory 创建句柄；可能较慢，调用期间同 key 的其他 Acquire 等待其结果
type Factory func(ctx context.Context, cc CreateContext) (Handle, error)

// AcquireOptions Acquire 参数
type AcquireOptions struct {
	// Env 覆盖基础环境的变量
	Env map[string]string
	// Unset 从环境快照中移除的变量
	Unset []string
}

// Config Manager 配置
type Config struct {
	Factory Factory
	BaseEnv map[string]string
	Now     func() time.Time
	Logger  *log.Logger
}

type entry struct {
	id        string
	persisted bool
	ready     chan struct{}

	// 以下字段在 ready 关闭前由创建者写入，之后只读
	handle    Handle
	err       error
	env       map[string]string
	createdAt time.Time

	// 以下字段受 Manager.mu 保护
	refs       int
	disposed   bool
	lastUsedAt time.Time
}

// Manager 会话管理器，唯一持有并修改引用计数
type Manager struct {
	factory Factory
	baseEnv map[string]string
	now     func() time.Time
	logger  *log.Logger

	mu       sync.Mutex
	sessions map[string]*entry

	lmu       sync.Mutex
	listeners map[int]func(LifecycleEvent)
	nextLID   int
}

// NewManager 创建 Manager
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	base := make(map[string]string, len(cfg.BaseEnv))
	for k, v := range cfg.BaseEnv {
		base[k] = v
	}
	return &Manager{
		factory:   cfg.Factory,
		baseEnv:   base,
		now:       now,
		logger:    log.OrNop(cfg.Logger),
		sessions:  make(map[string]*entry),
		listeners: make(map[int]func(LifecycleEvent)),
	}
}

// Acquire 借出 key 对应的句柄；key 为空时创建一次性会话，释放即销毁
func (m *Manager) Acquire(ctx context.Context, key string, opts AcquireOptions) (*Lease, error) {
	if m.factory == nil {
		return nil, fmt.Errorf("session: factory not configured")
	}
	if key == "" {
		return m.acquireEphemeral(ctx, opts)
	}

	m.mu.Lock()
	e, exists := m.sessions[key]
	if !exists {
		e = &entry{id: key, persisted: true, ready: make(chan struct{})}
		m.sessions[key] = e
	}
	// 查找时即占用引用，避免与归零销毁竞争
	e.refs++
	m.mu.Unlock()

	if !exists {
		if err := m.create(ctx, e, opts); err != nil {
			return nil, err
		}
		return m.newLease(e, opts, false), nil
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		m.drop(context.WithoutCancel(ctx), e, false)
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return m.newLease(e, opts, true), nil
}

// Use 以作用域方式借用会话，fn 返回后（包括 panic）租约一定被释放
func (m *Manager) Use(ctx context.Context, key string, opts AcquireOptions, fn func(*Lease) error) (err error) {
	lease, err := m.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); err == nil {
			err = rerr
		}
	}()
	return fn(lease)
}

func (m *Manager) acquireEphemeral(ctx context.Context, opts AcquireOptions) (*Lease, error) {
	e := &entry{id: "session-" + uuid.New().String(), ready: make(chan struct{}), refs: 1}
	if err := m.create(ctx, e, opts); err != nil {
		return nil, err
	}
	return m.newLease(e, opts, false), nil
}

// create 调用 Factory；失败时移除条目，所有等待者拿到同一错误
func (m *Manager) create(ctx context.Context, e *entry, opts AcquireOptions) error {
	env := applyOverrides(m.baseEnv, opts)
	createdAt := m.now()
	h, err := m.factory(ctx, CreateContext{ID: e.id, Env: env, Persisted: e.persisted, CreatedAt: createdAt})
	if err == nil && h == nil {
		err = fmt.Errorf("session: factory returned nil handle for %s", e.id)
	}

	m.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("session: create %s: %w", e.id, err)
		if m.sessions[e.id] == e {
			delete(m.sessions, e.id)
		}
		e.refs = 0
		e.disposed = true
	} else {
		e.handle = h
		e.env = env
		e.createdAt = createdAt
		e.lastUsedAt = createdAt
	}
	close(e.ready)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("session factory failed", "session_id", e.id, "error", err)
		return e.err
	}
	metrics.SessionsActive.Inc()
	m.logger.Debug("session created", "session_id", e.id, "persisted", e.persisted)
	m.emit(LifecycleEvent{Type: EventCreated, ID: e.id, Persisted: e.persisted, Env: copyEnv(env), At: createdAt})
	return nil
}

func (m *Manager) newLease(e *entry, opts AcquireOptions, reused bool) *Lease {
	env := e.env
	if len(opts.Env) > 0 || len(opts.Unset) > 0 {
		env = applyOverrides(e.env, opts)
	}
	now := m.now()
	m.mu.Lock()
	e.lastUsedAt = now
	refs := e.refs
	m.mu.Unlock()

	m.emit(LifecycleEvent{Type: EventAcquired, ID: e.id, RefCount: refs, Reused: reused, Persisted: e.persisted, At: now})
	return &Lease{m: m, e: e, env: copyEnv(env), reused: reused}
}

// drop 归还一个引用；归零时销毁句柄。emitRelease 为 false 表示放弃的是未完成的 Acquire
func (m *Manager) drop(ctx context.Context, e *entry, emitRelease bool) error {
	now := m.now()
	m.mu.Lock()
	e.refs--
	refs := e.refs
	e.lastUsedAt = now
	dispose := false
	select {
	case <-e.ready:
		dispose = refs <= 0 && !e.disposed && e.err == nil
	default:
	}
	if dispose {
		e.disposed = true
		if m.sessions[e.id] == e {
			delete(m.sessions, e.id)
		}
	}
	m.mu.Unlock()

	if emitRelease {
		m.emit(LifecycleEvent{Type: EventReleased, ID: e.id, RefCount: refs, Persisted: e.persisted, At: now})
	}
	if !dispose {
		return nil
	}
	return m.teardown(ctx, e)
}

func (m *Manager) teardown(ctx context.Context, e *entry) error {
	err := e.handle.Dispose(ctx)
	metrics.SessionsActive.Dec()
	if err != nil {
		err = fmt.Errorf("session: dispose %s: %w", e.id, err)
		m.logger.Warn("session dispose failed", "session_id", e.id, "error", err)
	} else {
		m.logger.Debug("session disposed", "session_id", e.id)
	}
	m.emit(LifecycleEvent{Type: EventDisposed, ID: e.id, Persisted: e.persisted, At: m.now(), Err: err})
	return err
}

// DisposeAll 销毁所有已就绪的会话，供进程退出时调用；未释放的租约随后 Release 不会再次销毁
func (m *Manager) DisposeAll(ctx context.Context) error {
	m.mu.Lock()
	var victims []*entry
	for key, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.disposed || e.err != nil {
			continue
		}
		e.disposed = true
		delete(m.sessions, key)
		victims = append(victims, e)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range victims {
		e := e
		g.Go(func() error { return m.teardown(gctx, e) })
	}
	return g.Wait()
}

// SessionInfo 会话观测信息
type SessionInfo struct {
	ID         string            `json:"id"`
	RefCount   int               `json:"refCount"`
	Persisted  bool              `json:"persisted"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastUsedAt time.Time         `json:"lastUsedAt"`
	Env        map[string]string `json:"-"`
}

// Active 返回已就绪的池化会话，按 ID 排序
func (m *Manager) Active() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, e := range m.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		out = append(out, SessionInfo{
			ID: e.id, RefCount: e.refs, Persisted: e.persisted,
			CreatedAt: e.createdAt, LastUsedAt: e.lastUsedAt, Env: copyEnv(e.env),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot 返回 key 对应会话的环境快照
func (m *Manager) Snapshot(key string) (map[string]string, bool) {
	m.mu.Lock()
	e, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return copyEnv(e.env), true
}

// refCount 测试用：当前（含未就绪条目）占用的引用数
func (m *Manager) refCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[key]; ok {
		return e.refs
	}
	return 0
}

func applyOverrides(base map[string]string, opts AcquireOptions) map[string]string {
	out := copyEnv(base)
	for k, v := range opts.Env {
		out[k] = v
	}
	for _, k := range opts.Unset {
		delete(out, k)
	}
	return out
}

func copyEnv(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
