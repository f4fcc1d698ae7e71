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

package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// SandboxState 沙箱状态，在重试间传递
type SandboxState string

const (
	SandboxStateSandboxed   SandboxState = "sandboxed"
	SandboxStateUnsandboxed SandboxState = "unsandboxed"
)

// Invocation 一次工具调用请求，创建后不再修改
type Invocation struct {
	ID          string
	Tool        string
	Description string

	Command string
	Args    []string
	Cwd     string
	Env     map[string]string

	RequiresApproval bool
	// ApprovalKey 审批缓存键；为空时由 Fingerprint 计算
	ApprovalKey string

	Sandbox  SandboxOptions
	Metadata map[string]any
}

// SandboxOptions 沙箱相关选项
type SandboxOptions struct {
	// InitialState 首次尝试的沙箱状态，默认 sandboxed
	InitialState SandboxState
	// Classify 自定义错误分类；ok=false 时使用默认规则（SandboxRetryableError 可重试）
	Classify func(err error) (decision RetryDecision, ok bool)
	// OnRetry 每次重试等待前回调
	OnRetry func(RetryContext)
}

// RetryDecision 错误分类结果
type RetryDecision struct {
	Retry     bool
	NextState SandboxState
}

// RetryContext OnRetry 回调参数
type RetryContext struct {
	Attempt      int
	Delay        time.Duration
	SandboxState SandboxState
	Err          error
}

// AttemptContext 单次尝试的上下文
type AttemptContext struct {
	Attempt      int
	SandboxState SandboxState
}

// InitialSandboxState 返回首次尝试的沙箱状态
func (inv Invocation) InitialSandboxState() SandboxState {
	if inv.Sandbox.InitialState != "" {
		return inv.Sandbox.InitialState
	}
	return SandboxStateSandboxed
}

// Fingerprint 审批缓存键：显式 ApprovalKey 优先，否则对 tool/command/args/cwd 取 sha256
func (inv Invocation) Fingerprint() string {
	if inv.ApprovalKey != "" {
		return inv.ApprovalKey
	}
	h := sha256.New()
	h.Write([]byte(inv.Tool))
	h.Write([]byte("\x00"))
	h.Write([]byte(inv.Command))
	for _, a := range inv.Args {
		h.Write([]byte("\x00"))
		h.Write([]byte(a))
	}
	h.Write([]byte("\x00"))
	h.Write([]byte(inv.Cwd))
	if len(inv.Env) > 0 {
		keys := make([]string, 0, len(inv.Env))
		for k := range inv.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte("\x00" + k + "=" + inv.Env[k]))
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ApprovalContext 传给 prompter 的展示信息
func (inv Invocation) ApprovalContext() ApprovalContext {
	return ApprovalContext{
		ToolID:      inv.Tool,
		Description: inv.Description,
		Command:     inv.Command,
		Args:        append([]string(nil), inv.Args...),
		Cwd:         inv.Cwd,
	}
}

// RunStatus 调用记录状态
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord 一次逻辑调用的审计记录（可写入 manifest）
type RunRecord struct {
	ID             string         `json:"id"`
	Tool           string         `json:"tool"`
	ApprovalSource ApprovalSource `json:"approvalSource"`
	RetryCount     int            `json:"retryCount"`
	AttemptCount   int            `json:"attemptCount"`
	SandboxState   SandboxState   `json:"sandboxState"`
	Status         RunStatus      `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    time.Time      `json:"completedAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewRunRecord 根据授权与尝试次数构造记录
func NewRunRecord(authz Authorization, attempts int, state SandboxState, status RunStatus, startedAt, completedAt time.Time) RunRecord {
	var md map[string]any
	if len(authz.invocation.Metadata) > 0 {
		md = make(map[string]any, len(authz.invocation.Metadata))
		for k, v := range authz.invocation.Metadata {
			md[k] = v
		}
	}
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	return RunRecord{
		ID:             authz.invocation.ID,
		Tool:           authz.invocation.Tool,
		ApprovalSource: authz.Source,
		RetryCount:     retries,
		AttemptCount:   attempts,
		SandboxState:   state,
		Status:         status,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		Metadata:       md,
	}
}
