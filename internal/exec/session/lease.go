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

package session

import (
	"context"
	"sync"
	"time"
)

// Lease 一次借出；Release 可重复调用，只有第一次生效
type Lease struct {
	m      *Manager
	e      *entry
	env    map[string]string
	reused bool

	once sync.Once
	err  error
}

// ID 会话 ID
func (l *Lease) ID() string { return l.e.id }

// Handle 底层句柄
func (l *Lease) Handle() Handle { return l.e.handle }

// Env 本次借出的环境快照（副本）
func (l *Lease) Env() map[string]string { return copyEnv(l.env) }

// Reused 是否复用了已有句柄
func (l *Lease) Reused() bool { return l.reused }

// Persisted 是否为池化会话（非一次性）
func (l *Lease) Persisted() bool { return l.e.persisted }

// CreatedAt 句柄创建时间
func (l *Lease) CreatedAt() time.Time { return l.e.createdAt }

// Release 归还租约；最后一个租约归还时销毁句柄并返回 Dispose 的错误
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.m.drop(ctx, l.e, true)
	})
	return l.err
}
