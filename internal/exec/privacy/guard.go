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

// Package privacy 在帧离开执行器之前检查输出内容，给出 allow/redact/block 决策。
//
// enforce 模式按规则表改写或拦截 exec:chunk 帧；shadow 模式只记录“本应”采取的动作，
// 原帧照常放行。决策日志与计数用于评估何时把 shadow 切换为 enforce。
package privacy

import (
	"sync"
	"time"

	"exec-runtime/internal/exec/event"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/metrics"
	"exec-runtime/pkg/redaction"
)

// Mode 运行模式
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeShadow  Mode = "shadow"
)

// ReasonShadow shadow 模式下命中规则时的决策原因
const ReasonShadow = "shadow-mode"

const (
	reasonBlock     = "detected private key material"
	reasonRedact    = "detected high-risk token"
	reasonEndRedact = "aggregated output redacted"
)

// Context 评估上下文
type Context struct {
	HandleID string
}

// Decision 一帧的评估结果；Sequence 为评估时的候选序号。
// 被拦截的帧不消耗序号，因此 block 决策的 Sequence 与下一条实际下发帧相同，
// 决策日志中同一序号可能出现多次，按 Action 区分。
type Decision struct {
	HandleID  string           `json:"handleId"`
	Sequence  int64            `json:"sequence"`
	Action    redaction.Action `json:"action"`
	Rule      string           `json:"rule,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Result Frame 为 nil 表示帧被拦截，不得继续下发
type Result struct {
	Frame    *event.ExecFrame
	Decision Decision
}

// FrameGuard 帧过滤器；实现需可并发调用
type FrameGuard interface {
	Process(frame event.ExecFrame, ctx Context) Result
}

// AllowAll 不做任何检查
type AllowAll struct{}

// Process 原样放行
func (AllowAll) Process(frame event.ExecFrame, ctx Context) Result {
	return Result{Frame: &frame, Decision: Decision{
		HandleID: ctx.HandleID, Sequence: frame.Sequence, Action: redaction.ActionAllow, Timestamp: frame.Timestamp,
	}}
}

// Metrics 累计统计与决策日志
type Metrics struct {
	Mode           Mode       `json:"mode"`
	TotalFrames    int64      `json:"totalFrames"`
	AllowedFrames  int64      `json:"allowedFrames"`
	RedactedFrames int64      `json:"redactedFrames"`
	BlockedFrames  int64      `json:"blockedFrames"`
	Decisions      []Decision `json:"decisions"`
}

// Options Guard 配置
type Options struct {
	Mode   Mode // 默认 shadow
	Engine *redaction.Engine
	Now    func() time.Time
	// MaxDecisions 决策日志上限，超出时丢弃最旧记录；<=0 不限
	MaxDecisions int
	Logger       *log.Logger
}

// Guard 基于规则表的 FrameGuard
type Guard struct {
	mode         Mode
	engine       *redaction.Engine
	now          func() time.Time
	maxDecisions int
	logger       *log.Logger

	mu        sync.Mutex
	decisions []Decision
	total     int64
	allowed   int64
	redacted  int64
	blocked   int64
}

// NewGuard 创建 Guard
func NewGuard(opts Options) *Guard {
	mode := opts.Mode
	if mode != ModeEnforce {
		mode = ModeShadow
	}
	engine := opts.Engine
	if engine == nil {
		engine = redaction.NewEngine(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Guard{
		mode:         mode,
		engine:       engine,
		now:          now,
		maxDecisions: opts.MaxDecisions,
		logger:       log.OrNop(opts.Logger),
	}
}

// Mode 当前模式
func (g *Guard) Mode() Mode { return g.mode }

// Process 评估一帧
func (g *Guard) Process(frame event.ExecFrame, ctx Context) Result {
	match, out := g.evaluate(frame)

	d := Decision{
		HandleID:  ctx.HandleID,
		Sequence:  frame.Sequence,
		Action:    redaction.ActionAllow,
		Timestamp: g.now(),
	}
	result := Result{Frame: &frame}

	switch {
	case match == nil:
	case g.mode == ModeShadow:
		d.Rule = match.Rule
		d.Reason = ReasonShadow
	default:
		d.Action = match.Action
		d.Rule = match.Rule
		d.Reason = match.reason
		if match.Action == redaction.ActionBlock {
			result.Frame = nil
		} else {
			result.Frame = out
		}
	}
	result.Decision = d
	g.record(d)
	return result
}

type evaluation struct {
	redaction.Match
	reason string
}

// evaluate 返回命中结果与 enforce 模式下应下发的改写帧
func (g *Guard) evaluate(frame event.ExecFrame) (*evaluation, *event.ExecFrame) {
	switch p := frame.Event.Payload.(type) {
	case event.ChunkPayload:
		if p.Data == "" {
			return nil, nil
		}
		m, ok := g.engine.Evaluate(p.Data)
		if !ok {
			return nil, nil
		}
		if m.Action == redaction.ActionBlock {
			return &evaluation{Match: m, reason: reasonBlock}, nil
		}
		p.Data = redaction.RedactedValue
		p.Bytes = len(redaction.RedactedValue)
		redacted := frame
		redacted.Event = frame.Event.WithPayload(p)
		return &evaluation{Match: m, reason: reasonRedact}, &redacted

	case event.EndPayload:
		// end 帧携带聚合输出；命中时逐字段脱敏，但从不拦截，保证每次 run 恰有一个 end
		var first *redaction.Match
		if m, ok := g.engine.Evaluate(p.Stdout); ok {
			p.Stdout = redaction.RedactedValue
			first = &m
		}
		if m, ok := g.engine.Evaluate(p.Stderr); ok {
			p.Stderr = redaction.RedactedValue
			if first == nil {
				first = &m
			}
		}
		if first == nil {
			return nil, nil
		}
		redacted := frame
		redacted.Event = frame.Event.WithPayload(p)
		return &evaluation{
			Match:  redaction.Match{Rule: first.Rule, Action: redaction.ActionRedact},
			reason: reasonEndRedact,
		}, &redacted
	}
	return nil, nil
}

func (g *Guard) record(d Decision) {
	g.mu.Lock()
	g.total++
	switch d.Action {
	case redaction.ActionRedact:
		g.redacted++
	case redaction.ActionBlock:
		g.blocked++
	default:
		g.allowed++
	}
	g.decisions = append(g.decisions, d)
	if g.maxDecisions > 0 && len(g.decisions) > g.maxDecisions {
		g.decisions = append(g.decisions[:0:0], g.decisions[len(g.decisions)-g.maxDecisions:]...)
	}
	g.mu.Unlock()

	metrics.PrivacyDecisionsTotal.WithLabelValues(string(g.mode), string(d.Action), d.Rule).Inc()
	if d.Rule != "" {
		g.logger.Info("privacy rule matched",
			"handle_id", d.HandleID, "sequence", d.Sequence, "mode", string(g.mode),
			"action", string(d.Action), "rule", d.Rule)
	}
}

// Metrics 返回统计快照
func (g *Guard) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Metrics{
		Mode:           g.mode,
		TotalFrames:    g.total,
		AllowedFrames:  g.allowed,
		RedactedFrames: g.redacted,
		BlockedFrames:  g.blocked,
		Decisions:      append([]Decision(nil), g.decisions...),
	}
}

// Reset 清空统计与决策日志
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions = nil
	g.total, g.allowed, g.redacted, g.blocked = 0, 0, 0, 0
}
