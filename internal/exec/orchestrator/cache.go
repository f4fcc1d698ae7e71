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

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ApprovalGrant 针对某个指纹的授权
type ApprovalGrant struct {
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	GrantedAt time.Time `json:"grantedAt"`
}

// ApprovalCache 审批缓存
type ApprovalCache interface {
	Get(ctx context.Context, fingerprint string) (ApprovalGrant, bool, error)
	Set(ctx context.Context, fingerprint string, grant ApprovalGrant) error
}

// MemoryApprovalCache 进程内缓存；ttl<=0 时永不过期
type MemoryApprovalCache struct {
	mu     sync.RWMutex
	grants map[string]ApprovalGrant
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryApprovalCache 创建内存缓存
func NewMemoryApprovalCache(ttl time.Duration) *MemoryApprovalCache {
	return &MemoryApprovalCache{grants: make(map[string]ApprovalGrant), ttl: ttl, now: time.Now}
}

// Get 读取授权，过期视为未命中
func (c *MemoryApprovalCache) Get(_ context.Context, fingerprint string) (ApprovalGrant, bool, error) {
	c.mu.RLock()
	g, ok := c.grants[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return ApprovalGrant{}, false, nil
	}
	if c.ttl > 0 && c.now().Sub(g.GrantedAt) > c.ttl {
		c.mu.Lock()
		delete(c.grants, fingerprint)
		c.mu.Unlock()
		return ApprovalGrant{}, false, nil
	}
	return g, true, nil
}

// Set 写入授权
func (c *MemoryApprovalCache) Set(_ context.Context, fingerprint string, grant ApprovalGrant) error {
	c.mu.Lock()
	c.grants[fingerprint] = grant
	c.mu.Unlock()
	return nil
}

// Len 当前条目数（含未清理的过期条目）
func (c *MemoryApprovalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.grants)
}

// RedisApprovalCache 基于 Redis 的共享缓存，多实例共用审批结果
type RedisApprovalCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisApprovalCache 创建 Redis 缓存；ttl<=0 时不设置过期
func NewRedisApprovalCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisApprovalCache {
	if prefix == "" {
		prefix = "exec:approval:"
	}
	return &RedisApprovalCache{client: client, prefix: prefix, ttl: ttl}
}

// Get 读取授权
func (c *RedisApprovalCache) Get(ctx context.Context, fingerprint string) (ApprovalGrant, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return ApprovalGrant{}, false, nil
	}
	if err != nil {
		return ApprovalGrant{}, false, fmt.Errorf("approval cache: redis get: %w", err)
	}
	var g ApprovalGrant
	if err := json.Unmarshal(data, &g); err != nil {
		return ApprovalGrant{}, false, fmt.Errorf("approval cache: decode grant: %w", err)
	}
	return g, true, nil
}

// Set 写入授权
func (c *RedisApprovalCache) Set(ctx context.Context, fingerprint string, grant ApprovalGrant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+fingerprint, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("approval cache: redis set: %w", err)
	}
	return nil
}

// NewRedisClient 按地址创建客户端并 Ping
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
