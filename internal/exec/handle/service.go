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

// Package handle 是执行事件的分发层：每个关联 ID 一个句柄，按序号保存帧，
// 向任意多个独立订阅者提供快照与实时订阅（各自的起始序号与背压策略）。
package handle

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/privacy"
	"exec-runtime/pkg/errors"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/metrics"
)

var (
	// ErrHandleNotFound 未知句柄 ID
	ErrHandleNotFound = errors.Wrap(errors.ErrNotFound, "exec handle")
	// ErrHandleClosed 句柄已关闭，不再接受追加
	ErrHandleClosed = errors.Wrap(errors.ErrClosed, "exec handle")
	// ErrHandleOpen 句柄仍处于 open 状态（Remove 时）
	ErrHandleOpen = errors.Wrap(errors.ErrInvalidArg, "exec handle still open")
)

// DefaultMaxQueueSize 订阅默认队列长度
const DefaultMaxQueueSize = 32

// Status 句柄状态，只能 open → closed
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Descriptor 句柄元数据；FrameCount 为累计追加的帧数，单调不减
type Descriptor struct {
	ID             string     `json:"id"`
	CorrelationID  string     `json:"correlationId"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	Status         Status     `json:"status"`
	FrameCount     int64      `json:"frameCount"`
	LatestSequence int64      `json:"latestSequence"`
	RetainedFrames int        `json:"retainedFrames"`
	Subscribers    int        `json:"subscribers"`
}

// GuardRecord 句柄上的一条守卫决策
type GuardRecord = privacy.Decision

// Options Service 配置
type Options struct {
	Now   func() time.Time
	NewID func() string
	// MaxRetainedFrames 每个句柄保留的帧数上限，0 表示句柄存续期间不淘汰
	MaxRetainedFrames int
	// DefaultQueueSize 订阅未指定 MaxQueueSize 时使用，默认 32
	DefaultQueueSize int
	// Guard Append 使用的默认过滤器，可为 nil
	Guard  privacy.FrameGuard
	Logger *log.Logger
}

// Service 句柄服务；句柄表用读写锁保护，单个句柄内的序号分配与推送由句柄自己的锁保护
type Service struct {
	now          func() time.Time
	newID        func() string
	maxRetained  int
	defaultQueue int
	guard        privacy.FrameGuard
	logger       *log.Logger

	mu      sync.RWMutex
	handles map[string]*execHandle
}

type execHandle struct {
	mu            sync.Mutex
	id            string
	correlationID string
	createdAt     time.Time
	closedAt      time.Time
	status        Status
	frames        []event.ExecFrame
	latest        int64
	count         int64
	subs          map[string]*Subscription
	decisions     []GuardRecord
}

// NewService 创建 Service
func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return "h-" + uuid.New().String() }
	}
	q := opts.DefaultQueueSize
	if q <= 0 {
		q = DefaultMaxQueueSize
	}
	return &Service{
		now:          now,
		newID:        newID,
		maxRetained:  opts.MaxRetainedFrames,
		defaultQueue: q,
		guard:        opts.Guard,
		logger:       log.OrNop(opts.Logger),
		handles:      make(map[string]*execHandle),
	}
}

// IssueHandle 为关联 ID 创建新的 open 句柄
func (s *Service) IssueHandle(correlationID string) Descriptor {
	h := &execHandle{
		id:            s.newID(),
		correlationID: correlationID,
		createdAt:     s.now(),
		status:        StatusOpen,
		subs:          make(map[string]*Subscription),
	}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	metrics.HandlesOpen.Inc()
	s.logger.Debug("exec handle issued", "handle_id", h.id, "correlation_id", correlationID)

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.describeLocked()
}

func (s *Service) lookup(id string) (*execHandle, error) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrHandleNotFound, "handle %s", id)
	}
	return h, nil
}

// Append 使用默认过滤器追加事件；被拦截时 delivered=false 且不消耗序号
func (s *Service) Append(id string, ev event.ExecEvent) (event.ExecFrame, bool, error) {
	return s.AppendFiltered(id, ev, s.guard)
}

// AppendFiltered 分配序号 latest+1，经 guard 过滤后保存并推送给所有订阅者；
// guard 为 nil 时不过滤。向已关闭或未知句柄追加返回错误。
func (s *Service) AppendFiltered(id string, ev event.ExecEvent, guard privacy.FrameGuard) (event.ExecFrame, bool, error) {
	h, err := s.lookup(id)
	if err != nil {
		return event.ExecFrame{}, false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusClosed {
		return event.ExecFrame{}, false, errors.Wrapf(ErrHandleClosed, "append to %s", id)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	frame := event.ExecFrame{Sequence: h.latest + 1, Timestamp: ts, Event: ev}
	if guard != nil {
		res := guard.Process(frame, privacy.Context{HandleID: id})
		h.decisions = append(h.decisions, res.Decision)
		if res.Frame == nil {
			return event.ExecFrame{}, false, nil
		}
		seq := frame.Sequence
		frame = *res.Frame
		frame.Sequence = seq
	}

	h.latest = frame.Sequence
	h.count++
	h.frames = append(h.frames, frame)
	if s.maxRetained > 0 && len(h.frames) > s.maxRetained {
		h.frames = append(h.frames[:0:0], h.frames[len(h.frames)-s.maxRetained:]...)
	}
	for _, sub := range h.subs {
		sub.push(frame)
	}
	metrics.FramesAppendedTotal.WithLabelValues(string(frame.Event.Type)).Inc()
	return frame, true, nil
}

// Close 关闭句柄：之后的追加失败；订阅者收到关闭前的全部帧后通道关闭
func (s *Service) Close(id string) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.status == StatusClosed {
		h.mu.Unlock()
		return errors.Wrapf(ErrHandleClosed, "close %s", id)
	}
	h.status = StatusClosed
	h.closedAt = s.now()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(EndHandleClosed)
	}
	metrics.HandlesOpen.Dec()
	s.logger.Debug("exec handle closed", "handle_id", id, "subscribers", len(subs))
	return nil
}

// Snapshot 返回最近 limit 帧（按序号升序）；limit<=0 返回全部保留帧
func (s *Service) Snapshot(id string, limit int) ([]event.ExecFrame, error) {
	h, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	frames := h.frames
	if limit > 0 && len(frames) > limit {
		frames = frames[len(frames)-limit:]
	}
	return append([]event.ExecFrame(nil), frames...), nil
}

// FramesFrom 返回序号 >= fromSequence 的保留帧
func (s *Service) FramesFrom(id string, fromSequence int64) ([]event.ExecFrame, error) {
	h, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.Search(len(h.frames), func(i int) bool { return h.frames[i].Sequence >= fromSequence })
	return append([]event.ExecFrame(nil), h.frames[i:]...), nil
}

// Descriptor 返回句柄当前元数据
func (s *Service) Descriptor(id string) (Descriptor, error) {
	h, err := s.lookup(id)
	if err != nil {
		return Descriptor{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.describeLocked(), nil
}

// Handles 返回全部句柄，按创建时间排序
func (s *Service) Handles() []Descriptor {
	s.mu.RLock()
	hs := make([]*execHandle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.RUnlock()

	out := make([]Descriptor, 0, len(hs))
	for _, h := range hs {
		h.mu.Lock()
		out = append(out, h.describeLocked())
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Decisions 返回句柄上记录的守卫决策；block 决策与随后下发帧的决策共享同一序号
func (s *Service) Decisions(id string) ([]GuardRecord, error) {
	h, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]GuardRecord(nil), h.decisions...), nil
}

// Remove 删除已关闭的句柄，释放其保留的帧
func (s *Service) Remove(id string) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	open := h.status == StatusOpen
	h.mu.Unlock()
	if open {
		return errors.Wrapf(ErrHandleOpen, "remove %s", id)
	}
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
	return nil
}

func (h *execHandle) describeLocked() Descriptor {
	d := Descriptor{
		ID:             h.id,
		CorrelationID:  h.correlationID,
		CreatedAt:      h.createdAt,
		Status:         h.status,
		FrameCount:     h.count,
		LatestSequence: h.latest,
		RetainedFrames: len(h.frames),
		Subscribers:    len(h.subs),
	}
	if h.status == StatusClosed {
		t := h.closedAt
		d.ClosedAt = &t
	}
	return d
}
