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

package grpc

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/internal/exec/runner"
)

// Client ExecService 客户端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 基于已建立的连接创建客户端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

// Run 同步执行
func (c *Client) Run(ctx context.Context, req *RunRequest) (*runner.Result, error) {
	out := new(runner.Result)
	if err := c.invoke(ctx, "Run", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot 最近的帧
func (c *Client) Snapshot(ctx context.Context, handleID string, limit int) ([]event.ExecFrame, error) {
	out := new(SnapshotResponse)
	if err := c.invoke(ctx, "Snapshot", &SnapshotRequest{HandleID: handleID, Limit: limit}, out); err != nil {
		return nil, err
	}
	return out.Frames, nil
}

// Close 关闭句柄
func (c *Client) Close(ctx context.Context, handleID string) (*handle.Descriptor, error) {
	out := new(handle.Descriptor)
	if err := c.invoke(ctx, "Close", &CloseRequest{HandleID: handleID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stream 跟随句柄，每帧调用 fn，句柄关闭后返回 nil
func (c *Client) Stream(ctx context.Context, req *StreamRequest, fn func(event.ExecFrame)) error {
	st, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+serviceName+"/Stream", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return err
	}
	if err := st.SendMsg(req); err != nil {
		return err
	}
	if err := st.CloseSend(); err != nil {
		return err
	}
	for {
		var f event.ExecFrame
		if err := st.RecvMsg(&f); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		fn(f)
	}
}
