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

package handle

import (
	"sync"
	"sync/atomic"

	"exec-runtime/internal/exec/event"
	"exec-runtime/pkg/errors"
	"exec-runtime/pkg/metrics"
)

// EndReason 订阅结束原因
type EndReason string

const (
	EndHandleClosed EndReason = "handle-closed"
	EndUnsubscribed EndReason = "unsubscribed"
	EndReplaced     EndReason = "replaced"
)

// SubscribeOptions 订阅参数
type SubscribeOptions struct {
	// FromSequence 只回放/推送序号 >= FromSequence 的帧，0 表示从保留的第一帧开始
	FromSequence int64
	// MaxQueueSize 队列长度，满时丢弃最旧的帧；<=0 使用服务默认值
	MaxQueueSize int
}

// SubscriptionStats 订阅计数
type SubscriptionStats struct {
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
	Delivered int64 `json:"delivered"`
}

// Subscription 单个观察者的订阅；通道有界，生产者永不阻塞
type Subscription struct {
	handleID   string
	observerID string
	svc        *Service
	ch         chan event.ExecFrame
	// from 序号小于 from 的帧不入队，回放与实时推送都适用
	from int64

	// mu 串行化 push 与 end，保证 drop-oldest 的取出与放入是原子的
	mu     sync.Mutex
	closed bool
	reason EndReason

	enqueued atomic.Int64
	dropped  atomic.Int64
	once     sync.Once
}

// Subscribe 订阅句柄。已保留且序号 >= FromSequence 的帧先回放，随后推送新帧。
// 同一 observerID 重复订阅时旧订阅以 EndReplaced 结束。
// 句柄已关闭时回放后立即关闭通道。
func (s *Service) Subscribe(handleID, observerID string, opts SubscribeOptions) (*Subscription, error) {
	if observerID == "" {
		return nil, errors.Wrap(errors.ErrInvalidArg, "observer id required")
	}
	h, err := s.lookup(handleID)
	if err != nil {
		return nil, err
	}
	q := opts.MaxQueueSize
	if q <= 0 {
		q = s.defaultQueue
	}
	sub := &Subscription{
		handleID:   handleID,
		observerID: observerID,
		svc:        s,
		ch:         make(chan event.ExecFrame, q),
		from:       opts.FromSequence,
	}

	h.mu.Lock()
	for _, f := range h.frames {
		sub.push(f)
	}
	if h.status == StatusClosed {
		h.mu.Unlock()
		sub.end(EndHandleClosed)
		return sub, nil
	}
	prev := h.subs[observerID]
	h.subs[observerID] = sub
	h.mu.Unlock()

	if prev != nil {
		prev.end(EndReplaced)
	}
	return sub, nil
}

// SubscribeFunc 以回调方式订阅：onFrame 在独立 goroutine 中按序调用，
// 流结束后调用 onEnd（可为 nil）
func (s *Service) SubscribeFunc(handleID, observerID string, opts SubscribeOptions, onFrame func(event.ExecFrame), onEnd func(EndReason)) (*Subscription, error) {
	sub, err := s.Subscribe(handleID, observerID, opts)
	if err != nil {
		return nil, err
	}
	go func() {
		for f := range sub.ch {
			onFrame(f)
		}
		if onEnd != nil {
			onEnd(sub.Reason())
		}
	}()
	return sub, nil
}

// C 返回帧通道；订阅结束后通道被关闭
func (sub *Subscription) C() <-chan event.ExecFrame { return sub.ch }

// HandleID 订阅的句柄
func (sub *Subscription) HandleID() string { return sub.handleID }

// ObserverID 观察者标识
func (sub *Subscription) ObserverID() string { return sub.observerID }

// Reason 结束原因，未结束时为空
func (sub *Subscription) Reason() EndReason {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.reason
}

// Stats 返回当前计数
func (sub *Subscription) Stats() SubscriptionStats {
	enq := sub.enqueued.Load()
	drop := sub.dropped.Load()
	pending := len(sub.ch)
	return SubscriptionStats{
		Enqueued:  enq,
		Dropped:   drop,
		Pending:   pending,
		Delivered: enq - drop - int64(pending),
	}
}

// Unsubscribe 取消订阅，可重复调用
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		if h, err := sub.svc.lookup(sub.handleID); err == nil {
			h.mu.Lock()
			if h.subs[sub.observerID] == sub {
				delete(h.subs, sub.observerID)
			}
			h.mu.Unlock()
		}
		sub.end(EndUnsubscribed)
	})
}

// push 非阻塞入队；队列满时丢弃最旧的一帧，序号早于订阅起点的帧直接忽略
func (sub *Subscription) push(f event.ExecFrame) {
	if f.Sequence < sub.from {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- f:
			sub.enqueued.Add(1)
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			metrics.FramesDroppedTotal.Inc()
		default:
		}
	}
}

func (sub *Subscription) end(reason EndReason) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.reason = reason
	close(sub.ch)
}
