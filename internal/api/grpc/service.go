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

// Package grpc 提供 gRPC 服务端，与 HTTP 能力对齐；消息以 JSON codec 传输。
package grpc

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/internal/exec/orchestrator"
	"exec-runtime/internal/exec/runner"
	"exec-runtime/pkg/errors"
)

const serviceName = "exec.v1.ExecService"

// RunRequest Run 请求
type RunRequest struct {
	Tool             string            `json:"tool"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Cwd              string            `json:"cwd"`
	Env              map[string]string `json:"env"`
	Shell            bool              `json:"shell"`
	SessionKey       string            `json:"sessionKey"`
	RequiresApproval bool              `json:"requiresApproval"`
	ApprovalKey      string            `json:"approvalKey"`
	CorrelationID    string            `json:"correlationId"`
	NoWait           bool              `json:"noWait"`
}

// SnapshotRequest Snapshot 请求
type SnapshotRequest struct {
	HandleID string `json:"handleId"`
	Limit    int    `json:"limit"`
}

// SnapshotResponse Snapshot 响应
type SnapshotResponse struct {
	Frames []event.ExecFrame `json:"frames"`
}

// CloseRequest Close 请求
type CloseRequest struct {
	HandleID string `json:"handleId"`
}

// StreamRequest Stream 请求
type StreamRequest struct {
	HandleID     string `json:"handleId"`
	FromSequence int64  `json:"fromSequence"`
	ObserverID   string `json:"observerId"`
	QueueSize    int    `json:"queueSize"`
}

// ExecServiceServer gRPC 服务接口
type ExecServiceServer interface {
	Run(ctx context.Context, req *RunRequest) (*runner.Result, error)
	Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
	Close(ctx context.Context, req *CloseRequest) (*handle.Descriptor, error)
	Stream(req *StreamRequest, stream grpc.ServerStream) error
}

// Server gRPC 服务端，持有 Runner 与句柄服务
type Server struct {
	runner  *runner.Runner
	handles *handle.Service
}

// NewServer 创建 gRPC 服务端
func NewServer(r *runner.Runner, handles *handle.Service) *Server {
	if handles == nil {
		handles = r.Handles()
	}
	return &Server{runner: r, handles: handles}
}

// Register 注册到 grpc.Server
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Run 同步执行；审批、执行失败映射为 gRPC 状态码
func (s *Server) Run(ctx context.Context, req *RunRequest) (*runner.Result, error) {
	if req.Command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	res, err := s.runner.Run(ctx, runner.Request{
		Tool:             req.Tool,
		Command:          req.Command,
		Args:             req.Args,
		Cwd:              req.Cwd,
		Env:              req.Env,
		Shell:            req.Shell,
		SessionKey:       req.SessionKey,
		RequiresApproval: req.RequiresApproval,
		ApprovalKey:      req.ApprovalKey,
		CorrelationID:    req.CorrelationID,
		NoWait:           req.NoWait,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// Snapshot 最近的帧
func (s *Server) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	frames, err := s.handles.Snapshot(req.HandleID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Frames: frames}, nil
}

// Close 关闭句柄
func (s *Server) Close(ctx context.Context, req *CloseRequest) (*handle.Descriptor, error) {
	if err := s.handles.Close(req.HandleID); err != nil {
		return nil, toStatus(err)
	}
	d, err := s.handles.Descriptor(req.HandleID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &d, nil
}

// Stream 回放并推送帧，句柄关闭后正常结束；客户端断开时取消订阅
func (s *Server) Stream(req *StreamRequest, stream grpc.ServerStream) error {
	observer := req.ObserverID
	if observer == "" {
		observer = "grpc-" + uuid.New().String()
	}
	sub, err := s.handles.Subscribe(req.HandleID, observer, handle.SubscribeOptions{
		FromSequence: req.FromSequence,
		MaxQueueSize: req.QueueSize,
	})
	if err != nil {
		return toStatus(err)
	}
	defer sub.Unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case f, ok := <-sub.C():
			if !ok {
				if sub.Reason() == handle.EndReplaced {
					return status.Error(codes.Aborted, "observer replaced")
				}
				return nil
			}
			if err := stream.SendMsg(&f); err != nil {
				return err
			}
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errors.ErrInvalidArg):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errors.ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errors.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errors.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	var failed *orchestrator.ToolInvocationFailedError
	if errors.As(err, &failed) {
		return status.Error(codes.Aborted, err.Error())
	}
	return status.FromContextError(err).Err()
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExecServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Close", Handler: closeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true},
	},
	Metadata: "exec/v1/exec.json",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServiceServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Run"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecServiceServer).Run(ctx, req.(*RunRequest))
	})
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServiceServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Snapshot"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecServiceServer).Snapshot(ctx, req.(*SnapshotRequest))
	})
}

func closeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CloseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecServiceServer).Close(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Close"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecServiceServer).Close(ctx, req.(*CloseRequest))
	})
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExecServiceServer).Stream(in, stream)
}
