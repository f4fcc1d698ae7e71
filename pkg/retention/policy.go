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
	"time"
)

// Config 已关闭句柄的留存配置
type Config struct {
	Enable bool
	// RetainClosed 句柄关闭后保留的时长，0 表示永久保留
	RetainClosed time.Duration
	// ScanInterval 扫描间隔，默认 1 分钟
	ScanInterval time.Duration
	// MaxTombstones 内存 tombstone 上限，默认 1024
	MaxTombstones int
}

// DefaultConfig 默认留存配置（不启用）
func DefaultConfig() Config {
	return Config{
		Enable:        false,
		RetainClosed:  time.Hour,
		ScanInterval:  time.Minute,
		MaxTombstones: 1024,
	}
}

// ShouldDelete 判断关闭于 closedAt 的句柄在 now 时是否过期
func (c Config) ShouldDelete(closedAt, now time.Time) bool {
	if c.RetainClosed <= 0 || closedAt.IsZero() {
		return false // 永久保留
	}
	return now.After(closedAt.Add(c.RetainClosed))
}
