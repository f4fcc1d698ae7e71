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
	"io"
	"sync"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/stdio"
	"exec-runtime/pkg/metrics"
)

// emitter 串行化一次 run 的全部事件：两个输出流的写入按观察到的顺序编号并写入句柄
type emitter struct {
	r             *Runner
	handleID      string
	correlationID string
	tool          string

	mu     sync.Mutex
	events []event.ExecEvent
	// err 句柄服务拒绝追加（未知或已关闭），属于调用方错误，run 结束时返回
	err error
}

func (em *emitter) emit(attempt int, p event.Payload) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.appendLocked(event.New(em.correlationID, attempt, em.r.now(), p))
}

func (em *emitter) appendLocked(ev event.ExecEvent) {
	if em.err != nil {
		return
	}
	frame, ok, err := em.r.handles.AppendFiltered(em.handleID, ev, em.r.guard)
	if err != nil {
		em.err = err
		em.r.logger.Error("exec frame append failed", "handle_id", em.handleID, "type", string(ev.Type), "error", err)
		return
	}
	if !ok {
		return
	}
	em.events = append(em.events, frame.Event)
	em.r.notify(em.handleID, frame)
}

func (em *emitter) delivered() []event.ExecEvent {
	em.mu.Lock()
	defer em.mu.Unlock()
	return append([]event.ExecEvent(nil), em.events...)
}

func (em *emitter) writer(attempt int, stream event.Stream, tracker *stdio.Tracker) io.Writer {
	return &streamWriter{em: em, attempt: attempt, stream: stream, tracker: tracker}
}

// streamWriter 每次 Write 产生一个 exec:chunk
type streamWriter struct {
	em      *emitter
	attempt int
	stream  event.Stream
	tracker *stdio.Tracker
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.em.mu.Lock()
	defer w.em.mu.Unlock()
	c := w.tracker.Push(w.stream, p)
	w.em.appendLocked(event.New(w.em.correlationID, w.attempt, c.Timestamp, event.ChunkPayload{
		Stream:   c.Stream,
		Sequence: c.Sequence,
		Bytes:    c.Bytes,
		Data:     c.Data,
	}))
	metrics.ChunkBytesTotal.WithLabelValues(string(w.stream)).Add(float64(c.Bytes))
	return len(p), nil
}

func (em *emitter) failure() error {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.err
}
