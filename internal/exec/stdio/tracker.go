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

// Package stdio 为 stdout/stderr 输出编号并保留有界的聚合缓冲
package stdio

import (
	"sync"
	"time"

	"exec-runtime/internal/exec/event"
)

// DefaultMaxBufferBytes 每个流默认保留 64KiB
const DefaultMaxBufferBytes = 64 * 1024

// Chunk 一次写入对应的带序号输出块
type Chunk struct {
	Sequence  int64
	Stream    event.Stream
	Bytes     int
	Data      string
	Timestamp time.Time
}

// Options Tracker 配置
type Options struct {
	// MaxBufferBytes 每个流保留的字节上限；nil 使用默认 64KiB，<=0 不保留
	MaxBufferBytes *int
	// StartSequence 初始序号，第一次 Push 返回 StartSequence+1
	StartSequence int64
	Now           func() time.Time
}

// Tracker 对输出块编号（跨流共用一个计数器），并按流保留最近的字节
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	start    int64
	sequence int64
	buffers  map[event.Stream]*ring
}

// NewTracker 创建 Tracker
func NewTracker(opts Options) *Tracker {
	limit := DefaultMaxBufferBytes
	if opts.MaxBufferBytes != nil {
		limit = *opts.MaxBufferBytes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	start := opts.StartSequence
	if start < 0 {
		start = 0
	}
	return &Tracker{
		now:      now,
		start:    start,
		sequence: start,
		buffers: map[event.Stream]*ring{
			event.StreamStdout: newRing(limit),
			event.StreamStderr: newRing(limit),
		},
	}
}

// Limit 便于构造 Options.MaxBufferBytes
func Limit(n int) *int { return &n }

// Push 记录一次写入并返回编号后的块；块内容为本次写入的完整数据，不受缓冲上限影响
func (t *Tracker) Push(stream event.Stream, p []byte) Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.bufferFor(stream)
	buf.write(p)
	t.sequence++
	return Chunk{
		Sequence:  t.sequence,
		Stream:    stream,
		Bytes:     len(p),
		Data:      string(p),
		Timestamp: t.now(),
	}
}

// Buffered 返回流当前保留的内容
func (t *Tracker) Buffered(stream event.Stream) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.bufferFor(stream).bytes())
}

// BufferedBytes 返回流当前保留的字节数
func (t *Tracker) BufferedBytes(stream event.Stream) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferFor(stream).stored
}

// Sequence 返回最近一次分配的序号
func (t *Tracker) Sequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequence
}

// Reset 清空缓冲并把序号恢复为 StartSequence
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buffers {
		b.reset()
	}
	t.sequence = t.start
}

func (t *Tracker) bufferFor(stream event.Stream) *ring {
	b, ok := t.buffers[stream]
	if !ok {
		// 未知流名按 stdout 的上限建立缓冲
		b = newRing(t.buffers[event.StreamStdout].capacity)
		t.buffers[stream] = b
	}
	return b
}
