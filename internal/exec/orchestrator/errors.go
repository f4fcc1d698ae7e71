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
	"fmt"

	"exec-runtime/pkg/errors"
)

// ApprovalRequiredError 需要审批但无法发起（策略禁止或未配置 prompter），fail-closed
type ApprovalRequiredError struct {
	Tool    string
	Context ApprovalContext
	Policy  ApprovalPolicy
	Reason  string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required for %s: %s", e.Tool, e.Reason)
}

// Unwrap 归类为 ErrForbidden，API 层据此返回 403
func (e *ApprovalRequiredError) Unwrap() error { return errors.ErrForbidden }

// ApprovalDeniedError prompter 明确拒绝
type ApprovalDeniedError struct {
	Tool    string
	Context ApprovalContext
	Reason  string
}

func (e *ApprovalDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("approval denied for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("approval denied for %s", e.Tool)
}

func (e *ApprovalDeniedError) Unwrap() error { return errors.ErrForbidden }

// SandboxRetryableError 沙箱的瞬时失败，驱动 runner 重试；NextState 为空表示沿用当前状态
type SandboxRetryableError struct {
	Message   string
	NextState SandboxState
	Cause     error
}

// NewSandboxRetryable 构造可重试错误
func NewSandboxRetryable(message string, next SandboxState) *SandboxRetryableError {
	return &SandboxRetryableError{Message: message, NextState: next}
}

func (e *SandboxRetryableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox retryable: %s: %v", e.Message, e.Cause)
	}
	return "sandbox retryable: " + e.Message
}

func (e *SandboxRetryableError) Unwrap() error { return e.Cause }

// ToolInvocationFailedError 终态失败，不重试
type ToolInvocationFailedError struct {
	InvocationID string
	Tool         string
	Attempt      int
	Cause        error
}

func (e *ToolInvocationFailedError) Error() string {
	s := "s"
	if e.Attempt == 1 {
		s = ""
	}
	return fmt.Sprintf("tool invocation %s (%s) failed after %d attempt%s: %v", e.InvocationID, e.Tool, e.Attempt, s, e.Cause)
}

func (e *ToolInvocationFailedError) Unwrap() error { return e.Cause }
