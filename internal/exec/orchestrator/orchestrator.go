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

// Package orchestrator 决定一次工具调用能否执行（审批），并把执行器的失败归类为可重试或终态。
//
// 它只执行单次尝试，不负责循环重试；重试策略与等待由 runner 承担。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exec-runtime/pkg/log"
	"exec-runtime/pkg/metrics"
	"exec-runtime/pkg/tracing"
)

// ApprovalPolicy 审批策略
type ApprovalPolicy string

const (
	// PolicyOnRequest 缓存未命中时发起审批
	PolicyOnRequest ApprovalPolicy = "on-request"
	// PolicyNever 禁止发起新的审批，仅认可缓存中的授权
	PolicyNever ApprovalPolicy = "never"
)

// ApprovalSource 授权来源
type ApprovalSource string

const (
	SourceNotRequired ApprovalSource = "not-required"
	SourceCache       ApprovalSource = "cache"
	SourcePrompt      ApprovalSource = "prompt"
)

// Outcome 单次尝试的归类
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFailed    Outcome = "failed"
)

// AttemptFunc 执行一次尝试；输出通过闭包交给调用方
type AttemptFunc func(ctx context.Context, actx AttemptContext) error

// InvocationResult 单次尝试结果。Outcome=retryable 时 Err 为原始可重试错误；
// Outcome=failed 时 Err 为 *ToolInvocationFailedError 或审批错误
type InvocationResult struct {
	Outcome   Outcome
	Err       error
	Attempt   int
	NextState SandboxState
	Duration  time.Duration
}

// Authorization Authorize 的结果，只能由同一个 Orchestrator 签发
type Authorization struct {
	Source      ApprovalSource
	Fingerprint string
	GrantedAt   time.Time

	invocation Invocation
	issuer     *Orchestrator
}

// Invocation 被授权的调用
func (a Authorization) Invocation() Invocation { return a.invocation }

// Options Orchestrator 配置
type Options struct {
	Policy   ApprovalPolicy // 默认 on-request
	Cache    ApprovalCache  // 可为 nil
	Prompter ApprovalPrompter
	Now      func() time.Time
	Logger   *log.Logger
}

// Orchestrator 审批与失败归类
type Orchestrator struct {
	policy   ApprovalPolicy
	cache    ApprovalCache
	prompter ApprovalPrompter
	now      func() time.Time
	logger   *log.Logger
}

// New 创建 Orchestrator
func New(opts Options) *Orchestrator {
	policy := opts.Policy
	if policy == "" {
		policy = PolicyOnRequest
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		policy:   policy,
		cache:    opts.Cache,
		prompter: opts.Prompter,
		now:      now,
		logger:   log.OrNop(opts.Logger),
	}
}

// Policy 当前审批策略
func (o *Orchestrator) Policy() ApprovalPolicy { return o.policy }

// Cache 审批缓存（可能为 nil），API 预授权时使用
func (o *Orchestrator) Cache() ApprovalCache { return o.cache }

// Authorize 检查审批：缓存命中直接放行；否则按策略调用 prompter。
// prompter 可能无限期阻塞，超时由调用方通过 ctx 控制。
func (o *Orchestrator) Authorize(ctx context.Context, inv Invocation) (Authorization, error) {
	if inv.Tool == "" {
		return Authorization{}, fmt.Errorf("orchestrator: invocation %s: tool name required", inv.ID)
	}
	authz := Authorization{invocation: inv, issuer: o, GrantedAt: o.now()}
	if !inv.RequiresApproval {
		authz.Source = SourceNotRequired
		metrics.ApprovalsTotal.WithLabelValues(string(SourceNotRequired)).Inc()
		return authz, nil
	}

	fp := inv.Fingerprint()
	authz.Fingerprint = fp
	ctx, span := tracing.StartApprovalSpan(ctx, inv.Tool, fp)
	source, grantedAt, err := o.resolve(ctx, inv, fp)
	tracing.EndSpan(span, err)
	if err != nil {
		return Authorization{}, err
	}
	authz.Source = source
	if !grantedAt.IsZero() {
		authz.GrantedAt = grantedAt
	}
	return authz, nil
}

func (o *Orchestrator) resolve(ctx context.Context, inv Invocation, fp string) (ApprovalSource, time.Time, error) {
	actx := inv.ApprovalContext()
	if o.cache != nil {
		grant, ok, err := o.cache.Get(ctx, fp)
		if err != nil {
			// 缓存故障按未命中处理，仍需审批
			o.logger.Warn("approval cache get failed", "tool", inv.Tool, "fingerprint", fp, "error", err)
		} else if ok && grant.Granted {
			metrics.ApprovalsTotal.WithLabelValues(string(SourceCache)).Inc()
			return SourceCache, grant.GrantedAt, nil
		}
	}

	if o.policy == PolicyNever {
		metrics.ApprovalsTotal.WithLabelValues("required").Inc()
		return "", time.Time{}, &ApprovalRequiredError{
			Tool: inv.Tool, Context: actx, Policy: o.policy,
			Reason: "approval policy forbids new prompts",
		}
	}
	if o.prompter == nil {
		metrics.ApprovalsTotal.WithLabelValues("required").Inc()
		return "", time.Time{}, &ApprovalRequiredError{
			Tool: inv.Tool, Context: actx, Policy: o.policy,
			Reason: "no approval prompter is available",
		}
	}

	grant, err := o.prompter.RequestApproval(ctx, fp, actx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("orchestrator: approval prompt for %s: %w", inv.Tool, err)
	}
	if !grant.Granted {
		metrics.ApprovalsTotal.WithLabelValues("denied").Inc()
		o.logger.Info("approval denied", "tool", inv.Tool, "fingerprint", fp, "reason", grant.Reason)
		return "", time.Time{}, &ApprovalDeniedError{Tool: inv.Tool, Context: actx, Reason: grant.Reason}
	}

	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = o.now()
	}
	if o.cache != nil {
		if err := o.cache.Set(ctx, fp, grant); err != nil {
			o.logger.Warn("approval cache set failed", "tool", inv.Tool, "fingerprint", fp, "error", err)
		}
	}
	metrics.ApprovalsTotal.WithLabelValues(string(SourcePrompt)).Inc()
	o.logger.Info("approval granted", "tool", inv.Tool, "fingerprint", fp, "scope", grant.Scope)
	return SourcePrompt, grant.GrantedAt, nil
}

// Execute 调用 fn 恰好一次并归类结果；不循环
func (o *Orchestrator) Execute(ctx context.Context, authz Authorization, actx AttemptContext, fn AttemptFunc) InvocationResult {
	if authz.issuer != o {
		return InvocationResult{
			Outcome: OutcomeFailed,
			Attempt: actx.Attempt,
			Err: &ApprovalRequiredError{
				Tool: authz.invocation.Tool, Context: authz.invocation.ApprovalContext(), Policy: o.policy,
				Reason: "invocation was not authorized",
			},
			NextState: actx.SandboxState,
		}
	}
	if actx.SandboxState == "" {
		actx.SandboxState = authz.invocation.InitialSandboxState()
	}

	start := o.now()
	err := fn(ctx, actx)
	res := InvocationResult{Attempt: actx.Attempt, NextState: actx.SandboxState, Duration: o.now().Sub(start)}
	if err == nil {
		res.Outcome = OutcomeSucceeded
		return res
	}

	decision := classify(authz.invocation.Sandbox, err)
	if decision.Retry {
		res.Outcome = OutcomeRetryable
		res.Err = err
		if decision.NextState != "" {
			res.NextState = decision.NextState
		}
		return res
	}
	res.Outcome = OutcomeFailed
	res.Err = &ToolInvocationFailedError{
		InvocationID: authz.invocation.ID,
		Tool:         authz.invocation.Tool,
		Attempt:      actx.Attempt,
		Cause:        err,
	}
	return res
}

// Invoke Authorize + 单次 Execute，供不需要重试循环的调用方使用
func (o *Orchestrator) Invoke(ctx context.Context, inv Invocation, actx AttemptContext, fn AttemptFunc) (InvocationResult, error) {
	authz, err := o.Authorize(ctx, inv)
	if err != nil {
		return InvocationResult{Outcome: OutcomeFailed, Err: err, Attempt: actx.Attempt}, err
	}
	res := o.Execute(ctx, authz, actx, fn)
	if res.Outcome == OutcomeFailed {
		return res, res.Err
	}
	return res, nil
}

func classify(sandbox SandboxOptions, err error) RetryDecision {
	if sandbox.Classify != nil {
		if d, ok := sandbox.Classify(err); ok {
			return d
		}
	}
	var sre *SandboxRetryableError
	if errors.As(err, &sre) {
		return RetryDecision{Retry: true, NextState: sre.NextState}
	}
	return RetryDecision{}
}
