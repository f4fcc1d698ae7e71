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

// Package event 定义执行事件与帧：一次执行尝试产生的不可变事实（begin/chunk/end/retry），
// 以及句柄服务追加时为其分配的序号。
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type 事件类型
type Type string

const (
	TypeBegin Type = "exec:begin"
	TypeChunk Type = "exec:chunk"
	TypeEnd   Type = "exec:end"
	TypeRetry Type = "exec:retry"
)

// Stream 输出流
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Status exec:end 的最终状态
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Payload 按事件类型区分的负载，只能是本包定义的四种结构
type Payload interface {
	eventType() Type
}

// BeginPayload 一次尝试开始
type BeginPayload struct {
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	Cwd          string   `json:"cwd,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	SandboxState string   `json:"sandboxState"`
	Persisted    bool     `json:"persisted"`
}

// ChunkPayload 一次 stdout/stderr 写入；Sequence 为本次 run 内的输出序号，跨尝试连续
type ChunkPayload struct {
	Stream   Stream `json:"stream"`
	Sequence int64  `json:"sequence"`
	Bytes    int    `json:"bytes"`
	Data     string `json:"data"`
}

// EndPayload 一次 run 的终结；ExitCode / Signal 为 nil 时序列化为 null
type EndPayload struct {
	ExitCode     *int    `json:"exitCode"`
	Signal       *string `json:"signal"`
	DurationMs   int64   `json:"durationMs"`
	Stdout       string  `json:"stdout"`
	Stderr       string  `json:"stderr"`
	SandboxState string  `json:"sandboxState"`
	SessionID    string  `json:"sessionId,omitempty"`
	Status       Status  `json:"status"`
	Error        string  `json:"error,omitempty"`
}

// RetryPayload 沙箱可重试失败后的退避
type RetryPayload struct {
	DelayMs      int64  `json:"delayMs"`
	SandboxState string `json:"sandboxState"`
	ErrorMessage string `json:"errorMessage"`
}

func (BeginPayload) eventType() Type { return TypeBegin }
func (ChunkPayload) eventType() Type { return TypeChunk }
func (EndPayload) eventType() Type   { return TypeEnd }
func (RetryPayload) eventType() Type { return TypeRetry }

// ExecEvent 一次尝试中的一个事实，发出后不再修改
type ExecEvent struct {
	Type          Type      `json:"type"`
	CorrelationID string    `json:"correlationId"`
	Attempt       int       `json:"attempt"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Payload   `json:"payload"`
}

// New 构造事件，Type 由负载决定
func New(correlationID string, attempt int, ts time.Time, p Payload) ExecEvent {
	if b, ok := p.(BeginPayload); ok && b.Args != nil {
		b.Args = append([]string(nil), b.Args...)
		p = b
	}
	return ExecEvent{
		Type:          p.eventType(),
		CorrelationID: correlationID,
		Attempt:       attempt,
		Timestamp:     ts,
		Payload:       p,
	}
}

// WithPayload 返回替换负载后的副本，原事件不变
func (e ExecEvent) WithPayload(p Payload) ExecEvent {
	e.Payload = p
	e.Type = p.eventType()
	return e
}

// Begin 返回 begin 负载
func (e ExecEvent) Begin() (BeginPayload, bool) {
	p, ok := e.Payload.(BeginPayload)
	return p, ok
}

// Chunk 返回 chunk 负载
func (e ExecEvent) Chunk() (ChunkPayload, bool) {
	p, ok := e.Payload.(ChunkPayload)
	return p, ok
}

// End 返回 end 负载
func (e ExecEvent) End() (EndPayload, bool) {
	p, ok := e.Payload.(EndPayload)
	return p, ok
}

// Retry 返回 retry 负载
func (e ExecEvent) Retry() (RetryPayload, bool) {
	p, ok := e.Payload.(RetryPayload)
	return p, ok
}

// UnmarshalJSON 按 type 字段解析负载
func (e *ExecEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type          Type            `json:"type"`
		CorrelationID string          `json:"correlationId"`
		Attempt       int             `json:"attempt"`
		Timestamp     time.Time       `json:"timestamp"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = ExecEvent{
		Type:          raw.Type,
		CorrelationID: raw.CorrelationID,
		Attempt:       raw.Attempt,
		Timestamp:     raw.Timestamp,
		Payload:       p,
	}
	return nil
}

// DecodePayload 按事件类型解析负载 JSON
func DecodePayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeBegin:
		var p BeginPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeChunk:
		var p ChunkPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeEnd:
		var p EndPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeRetry:
		var p RetryPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("event: unknown type %q", t)
}

func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("event: decode payload: %w", err)
	}
	return nil
}
