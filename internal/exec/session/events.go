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

import "time"

// EventType 生命周期事件类型
type EventType string

const (
	EventCreated  EventType = "session:created"
	EventAcquired EventType = "session:acquired"
	EventReleased EventType = "session:released"
	EventDisposed EventType = "session:disposed"
)

// LifecycleEvent 生命周期事件；RefCount 为事件发生后的引用数
type LifecycleEvent struct {
	Type      EventType
	ID        string
	RefCount  int
	Reused    bool
	Persisted bool
	Env       map[string]string
	At        time.Time
	Err       error
}

// OnEvent 注册监听器，返回取消函数；监听器同步调用，不得阻塞
func (m *Manager) OnEvent(fn func(LifecycleEvent)) func() {
	m.lmu.Lock()
	id := m.nextLID
	m.nextLID++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) emit(ev LifecycleEvent) {
	m.lmu.Lock()
	fns := make([]func(LifecycleEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
