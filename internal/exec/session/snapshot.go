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
	"time"
)

// EnvSession 只保存环境快照的会话，命令仍由执行器以独立进程运行
type EnvSession struct {
	ID        string
	Env       map[string]string
	CreatedAt time.Time
}

// Dispose 无需释放资源
func (s *EnvSession) Dispose(context.Context) error { return nil }

// EnvFactory 返回创建 EnvSession 的 Factory
func EnvFactory() Factory {
	return func(_ context.Context, cc CreateContext) (Handle, error) {
		return &EnvSession{ID: cc.ID, Env: copyEnv(cc.Env), CreatedAt: cc.CreatedAt}, nil
	}
}
