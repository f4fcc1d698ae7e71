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

package http

import (
	"bufio"
	"context"
	"io"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
)

// StreamHandle 以 NDJSON 推送句柄帧：先回放已保留的帧，句柄关闭后结束响应
// GET /api/exec/handles/:id/stream?from=N&queue=N&observer=ID
func (h *Handler) StreamHandle(ctx context.Context, c *app.RequestContext) {
	from, err := queryInt(c, "from", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	queue, err := queryInt(c, "queue", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	observer := c.Query("observer")
	if observer == "" {
		observer = "http-" + uuid.New().String()
	}
	sub, err := h.handles.Subscribe(c.Param("id"), observer, handle.SubscribeOptions{
		FromSequence: from,
		MaxQueueSize: int(queue),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	pr, pw := io.Pipe()
	go func() {
		err := pipeFrames(sub, pw)
		if err != nil {
			hlog.CtxDebugf(ctx, "stream %s/%s stopped: %v", sub.HandleID(), sub.ObserverID(), err)
		}
		_ = pw.CloseWithError(err)
	}()
	c.Response.Header.Set("Content-Type", "application/x-ndjson")
	c.Response.Header.Set("X-Observer-ID", observer)
	c.SetBodyStream(pr, -1)
}

// pipeFrames 将订阅的帧逐行写入 w，直到订阅结束或写入失败；
// 写入失败（客户端断开）时取消订阅
func pipeFrames(sub *handle.Subscription, w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := event.NewEncoder(bw)
	for f := range sub.C() {
		if err := enc.Encode(f); err != nil {
			sub.Unsubscribe()
			return err
		}
		// 通道暂时为空时刷新，让观察者及时看到输出
		if len(sub.C()) == 0 {
			if err := bw.Flush(); err != nil {
				sub.Unsubscribe()
				return err
			}
		}
	}
	return bw.Flush()
}
