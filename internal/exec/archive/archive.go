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

// Package archive 是句柄服务的一个普通订阅者：跟随句柄的帧流并写入外部存储
// （按句柄分文件的 NDJSON，可选 zstd 压缩；或 PostgreSQL）。
package archive

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/pkg/log"
)

const (
	defaultBatchSize = 64
	// 归档订阅的队列比默认订阅大，尽量避免丢帧
	defaultQueueSize = 1024
)

// Sink 帧的持久化目标
type Sink interface {
	// WriteFrames 按序写入一批帧
	WriteFrames(ctx context.Context, handleID string, frames []event.ExecFrame) error
	// Done 句柄的流已结束
	Done(ctx context.Context, handleID string) error
	Close() error
}

// FollowOptions Follow 参数
type FollowOptions struct {
	ObserverID string // 默认 "archive"
	BatchSize  int
	QueueSize  int
}

// FollowStats 一次跟随的结果
type FollowStats struct {
	Frames  int64 `json:"frames"`
	Batches int64 `json:"batches"`
	Dropped int64 `json:"dropped"`
}

// Follow 订阅句柄（从第一帧开始回放），按批写入 sink，直到句柄关闭或 ctx 取消
func Follow(ctx context.Context, svc *handle.Service, handleID string, sink Sink, opts FollowOptions) (FollowStats, error) {
	sub, err := subscribe(svc, handleID, &opts)
	if err != nil {
		return FollowStats{}, err
	}
	return drain(ctx, sub, sink, opts)
}

func subscribe(svc *handle.Service, handleID string, opts *FollowOptions) (*handle.Subscription, error) {
	if opts.ObserverID == "" {
		opts.ObserverID = "archive"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return svc.Subscribe(handleID, opts.ObserverID, handle.SubscribeOptions{MaxQueueSize: opts.QueueSize})
}

func drain(ctx context.Context, sub *handle.Subscription, sink Sink, opts FollowOptions) (FollowStats, error) {
	defer sub.Unsubscribe()
	handleID := sub.HandleID()

	var stats FollowStats
	batch := make([]event.ExecFrame, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.WriteFrames(ctx, handleID, batch); err != nil {
			return fmt.Errorf("archive %s: %w", handleID, err)
		}
		stats.Frames += int64(len(batch))
		stats.Batches++
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return stats, err
			}
			stats.Dropped = sub.Stats().Dropped
			return stats, ctx.Err()
		case f, ok := <-sub.C():
			if !ok {
				if err := flush(); err != nil {
					return stats, err
				}
				stats.Dropped = sub.Stats().Dropped
				return stats, sink.Done(ctx, handleID)
			}
			batch = append(batch, f)
		more:
			for len(batch) < opts.BatchSize {
				select {
				case f, ok := <-sub.C():
					if !ok {
						break more
					}
					batch = append(batch, f)
				default:
					break more
				}
			}
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
}

// Archiver 为多个句柄并发运行 Follow
type Archiver struct {
	ctx    context.Context
	svc    *handle.Service
	sink   Sink
	opts   FollowOptions
	logger *log.Logger
	group  errgroup.Group
}

// NewArchiver 创建 Archiver；ctx 取消时所有跟随结束
func NewArchiver(ctx context.Context, svc *handle.Service, sink Sink, opts FollowOptions, logger *log.Logger) *Archiver {
	return &Archiver{ctx: ctx, svc: svc, sink: sink, opts: opts, logger: log.OrNop(logger)}
}

// Track 开始归档句柄；订阅在返回前建立，之后追加的帧不会遗漏
func (a *Archiver) Track(handleID string) error {
	opts := a.opts
	sub, err := subscribe(a.svc, handleID, &opts)
	if err != nil {
		return err
	}
	a.group.Go(func() error {
		stats, err := drain(a.ctx, sub, a.sink, opts)
		if err != nil {
			a.logger.Error("archive follow failed", "handle_id", handleID, "error", err)
			return err
		}
		a.logger.Debug("archive follow finished",
			"handle_id", handleID, "frames", stats.Frames, "batches", stats.Batches, "dropped", stats.Dropped)
		return nil
	})
	return nil
}

// Wait 等待所有跟随结束，返回第一个错误
func (a *Archiver) Wait() error {
	return a.group.Wait()
}
