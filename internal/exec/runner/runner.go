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

// Package runner 把一条命令变成有序的 begin/chunk/end（或 retry/begin/...）事件序列：
// 获取会话租约、经 orchestrator 审批与归类、按策略重试，事件经隐私守卫写入句柄服务。
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/internal/exec/orchestrator"
	"exec-runtime/internal/exec/privacy"
	"exec-runtime/internal/exec/session"
	"exec-runtime/internal/exec/stdio"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/metrics"
	"exec-runtime/pkg/tracing"
)

// DefaultTool 未指定 Tool 时使用的名称
const DefaultTool = "exec"

// Outcome 一次 run 的结局
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeFailed           Outcome = "failed"
	OutcomeRetriesExhausted Outcome = "retries-exhausted"
	OutcomeApprovalRequired Outcome = "approval-required"
	OutcomeApprovalDenied   Outcome = "approval-denied"
)

// Request 一次 run 的输入
type Request struct {
	// ID 调用 ID，为空时生成
	ID          string
	Tool        string
	Description string

	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	// Shell 为 true 时通过 shell 执行
	Shell bool

	// SessionKey 非空时复用同 key 的会话；为空时使用一次性会话
	SessionKey string

	RequiresApproval bool
	ApprovalKey      string

	// CorrelationID 为空时生成
	CorrelationID string
	// HandleID 写入调用方预先签发的句柄；为空时自动签发
	HandleID string
	// KeepHandleOpen 为 true 时 run 结束后不关闭句柄
	KeepHandleOpen bool

	// NoWait 为 true 时超出限流立即失败（errors.ErrRateLimited），不排队等待
	NoWait bool

	// Retry 覆盖默认重试策略
	Retry    *RetryPolicy
	Sandbox  orchestrator.SandboxOptions
	Metadata map[string]any
}

// Result 一次 run 的结果；Events 为经过守卫后实际写入句柄的事件
type Result struct {
	CorrelationID string                  `json:"correlationId"`
	HandleID      string                  `json:"handleId"`
	Outcome       Outcome                 `json:"outcome"`
	ExitCode      *int                    `json:"exitCode"`
	Signal        string                  `json:"signal,omitempty"`
	Stdout        string                  `json:"stdout"`
	Stderr        string                  `json:"stderr"`
	Attempts      int                     `json:"attempts"`
	SandboxState  string                  `json:"sandboxState,omitempty"`
	SessionID     string                  `json:"sessionId,omitempty"`
	Duration      time.Duration           `json:"duration"`
	Events        []event.ExecEvent       `json:"events,omitempty"`
	Record        *orchestrator.RunRecord `json:"record,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// Listener 进程内观察者，在发射锁内按序调用，不能阻塞
type Listener func(handleID string, frame event.ExecFrame)

// Config Runner 配置
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	// Sessions 为 nil 时不使用会话租约
	Sessions *session.Manager
	Handles  *handle.Service
	// Guard 写入句柄前的过滤器，可为 nil
	Guard    privacy.FrameGuard
	Executor Executor
	// Shell 请求 Shell=true 时使用的解释器
	Shell string
	// MaxBufferBytes 聚合输出上限，nil 使用 64KiB
	MaxBufferBytes *int
	Retry          RetryPolicy
	Limiter        *Limiter
	// Wait 重试间的等待，默认基于 timer，测试可替换
	Wait   func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger *log.Logger
}

// Runner 统一执行器
type Runner struct {
	orch      *orchestrator.Orchestrator
	sessions  *session.Manager
	handles   *handle.Service
	guard     privacy.FrameGuard
	exec      Executor
	shell     string
	maxBuffer *int
	retry     RetryPolicy
	limiter   *Limiter
	wait      func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    *log.Logger

	lmu       sync.RWMutex
	listeners map[int]Listener
	onIssue   func(handleID string)
	nextLID   int
}

// New 创建 Runner；未提供的协作者使用默认实现
func New(cfg Config) *Runner {
	r := &Runner{
		orch:      cfg.Orchestrator,
		sessions:  cfg.Sessions,
		handles:   cfg.Handles,
		guard:     cfg.Guard,
		exec:      cfg.Executor,
		shell:     cfg.Shell,
		maxBuffer: cfg.MaxBufferBytes,
		retry:     cfg.Retry,
		limiter:   cfg.Limiter,
		wait:      cfg.Wait,
		now:       cfg.Now,
		logger:    log.OrNop(cfg.Logger),
		listeners: make(map[int]Listener),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.orch == nil {
		r.orch = orchestrator.New(orchestrator.Options{Now: r.now, Logger: r.logger})
	}
	if r.handles == nil {
		r.handles = handle.NewService(handle.Options{Now: r.now, Logger: r.logger})
	}
	if r.exec == nil {
		r.exec = CommandExecutor()
	}
	if r.shell == "" {
		r.shell = DefaultShell
	}
	if r.retry.MaxAttempts == 0 {
		r.retry = DefaultRetryPolicy()
	}
	if r.wait == nil {
		r.wait = sleep
	}
	return r
}

// Handles 返回 Runner 写入的句柄服务
func (r *Runner) Handles() *handle.Service { return r.handles }

// OnEvent 注册观察者，返回取消函数
func (r *Runner) OnEvent(fn Listener) func() {
	r.lmu.Lock()
	id := r.nextLID
	r.nextLID++
	r.listeners[id] = fn
	r.lmu.Unlock()
	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

// OnIssue 设置句柄签发回调：Runner 自行签发句柄后、写入第一帧前同步调用。
// 调用方通过 Request.HandleID 传入的句柄不会触发。
func (r *Runner) OnIssue(fn func(handleID string)) {
	r.lmu.Lock()
	r.onIssue = fn
	r.lmu.Unlock()
}

func (r *Runner) notify(handleID string, f event.ExecFrame) {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, fn := range r.listeners {
		fn(handleID, f)
	}
}

// Run 执行一条命令直到结束。
//
// 审批失败时不发出任何事件并返回审批错误；通过审批后恰好发出一个 exec:end。
// 可重试失败在 MaxAttempts 内被吸收，耗尽时 Outcome 为 retries-exhausted 且不返回 error；
// 终态失败发出 failed 的 exec:end 后返回 *orchestrator.ToolInvocationFailedError。
func (r *Runner) Run(ctx context.Context, req Request) (res *Result, err error) {
	if req.Command == "" {
		return nil, errors.New("runner: command required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Tool == "" {
		req.Tool = DefaultTool
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	policy := r.retry
	if req.Retry != nil {
		policy = *req.Retry
	}

	res = &Result{CorrelationID: req.CorrelationID}
	startedAt := r.now()
	defer func() {
		res.Duration = r.now().Sub(startedAt)
		if err != nil {
			res.Error = err.Error()
		}
		metrics.RunTotal.WithLabelValues(string(res.Outcome)).Inc()
		metrics.RunDuration.WithLabelValues(req.Tool).Observe(res.Duration.Seconds())
	}()

	var lease *session.Lease
	if r.sessions != nil {
		lease, err = r.sessions.Acquire(ctx, req.SessionKey, session.AcquireOptions{Env: req.Env})
		if err != nil {
			res.Outcome = OutcomeFailed
			return res, fmt.Errorf("runner: acquire session: %w", err)
		}
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				r.logger.Warn("session release failed", "session_id", lease.ID(), "error", rerr)
			}
		}()
		if req.SessionKey != "" {
			res.SessionID = lease.ID()
		}
	}

	inv := orchestrator.Invocation{
		ID:               req.ID,
		Tool:             req.Tool,
		Description:      req.Description,
		Command:          req.Command,
		Args:             req.Args,
		Cwd:              req.Cwd,
		Env:              req.Env,
		RequiresApproval: req.RequiresApproval,
		ApprovalKey:      req.ApprovalKey,
		Sandbox:          req.Sandbox,
		Metadata:         req.Metadata,
	}
	authz, err := r.orch.Authorize(ctx, inv)
	if err != nil {
		res.Outcome = approvalOutcome(err)
		return res, err
	}

	if r.limiter != nil {
		if req.NoWait {
			err = r.limiter.TryAcquire(req.Tool)
		} else {
			err = r.limiter.Wait(ctx, req.Tool)
		}
		if err != nil {
			res.Outcome = OutcomeFailed
			return res, err
		}
		defer r.limiter.Release(req.Tool)
	}

	handleID := req.HandleID
	if handleID == "" {
		handleID = r.handles.IssueHandle(req.CorrelationID).ID
		r.lmu.RLock()
		onIssue := r.onIssue
		r.lmu.RUnlock()
		if onIssue != nil {
			onIssue(handleID)
		}
	}
	res.HandleID = handleID
	if !req.KeepHandleOpen {
		defer func() {
			if cerr := r.handles.Close(handleID); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	ctx, span := tracing.StartRunSpan(ctx, req.CorrelationID, handleID, req.Command)
	defer func() { tracing.EndSpan(span, err) }()

	env := req.Env
	if lease != nil {
		env = lease.Env()
	}
	em := &emitter{r: r, handleID: handleID, correlationID: req.CorrelationID, tool: req.Tool}
	state := authz.Invocation().InitialSandboxState()
	var chunkSeq int64

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		attemptStart := r.now()
		em.emit(attempt, event.BeginPayload{
			Command:      req.Command,
			Args:         req.Args,
			Cwd:          req.Cwd,
			SessionID:    res.SessionID,
			SandboxState: string(state),
			Persisted:    lease != nil && lease.Persisted(),
		})
		if err = em.failure(); err != nil {
			res.Outcome = OutcomeFailed
			return res, err
		}

		tracker := stdio.NewTracker(stdio.Options{MaxBufferBytes: r.maxBuffer, StartSequence: chunkSeq, Now: r.now})
		var execRes ExecResult
		ir := r.orch.Execute(ctx, authz, orchestrator.AttemptContext{Attempt: attempt, SandboxState: state},
			func(ctx context.Context, actx orchestrator.AttemptContext) error {
				ctx, aspan := tracing.StartAttemptSpan(ctx, actx.Attempt, string(actx.SandboxState))
				var xerr error
				execRes, xerr = r.exec(ctx, ExecRequest{
					Command:   req.Command,
					Args:      req.Args,
					Cwd:       req.Cwd,
					Env:       env,
					Shell:     r.shellFor(req),
					SessionID: res.SessionID,
					Stdout:    em.writer(attempt, event.StreamStdout, tracker),
					Stderr:    em.writer(attempt, event.StreamStderr, tracker),
				})
				tracing.EndSpan(aspan, xerr)
				return xerr
			})
		chunkSeq = tracker.Sequence()
		if em.failure() != nil {
			res.Outcome = OutcomeFailed
			return res, em.failure()
		}

		end := event.EndPayload{
			DurationMs:   r.now().Sub(attemptStart).Milliseconds(),
			Stdout:       tracker.Buffered(event.StreamStdout),
			Stderr:       tracker.Buffered(event.StreamStderr),
			SandboxState: string(ir.NextState),
			SessionID:    res.SessionID,
		}
		res.SandboxState = string(ir.NextState)

		switch ir.Outcome {
		case orchestrator.OutcomeSucceeded:
			end.ExitCode = execRes.ExitCode
			if execRes.Signal != "" {
				end.Signal = event.StringPtr(execRes.Signal)
			}
			end.Status = event.StatusSucceeded
			res.Outcome = OutcomeSucceeded
			if execRes.Signal != "" || (execRes.ExitCode != nil && *execRes.ExitCode != 0) {
				end.Status = event.StatusFailed
				res.Outcome = OutcomeFailed
			}
			r.finish(res, em, attempt, end, execRes)
			r.record(res, authz, attempt, ir.NextState, end.Status, startedAt)
			return res, em.failure()

		case orchestrator.OutcomeRetryable:
			if attempt < policy.Attempts() {
				delay := policy.Delay(attempt)
				em.emit(attempt, event.RetryPayload{
					DelayMs:      delay.Milliseconds(),
					SandboxState: string(ir.NextState),
					ErrorMessage: ir.Err.Error(),
				})
				metrics.RetryTotal.WithLabelValues(req.Tool).Inc()
				r.logger.Info("exec attempt retryable",
					"correlation_id", req.CorrelationID, "attempt", attempt,
					"delay_ms", delay.Milliseconds(), "sandbox_state", string(ir.NextState), "error", ir.Err)
				if req.Sandbox.OnRetry != nil {
					req.Sandbox.OnRetry(orchestrator.RetryContext{
						Attempt: attempt, Delay: delay, SandboxState: ir.NextState, Err: ir.Err,
					})
				}
				if werr := r.wait(ctx, delay); werr != nil {
					end.Status = event.StatusFailed
					end.Error = werr.Error()
					res.Outcome = OutcomeFailed
					r.finish(res, em, attempt, end, ExecResult{})
					r.record(res, authz, attempt, ir.NextState, end.Status, startedAt)
					return res, werr
				}
				state = ir.NextState
				continue
			}
			end.Status = event.StatusFailed
			end.Error = ir.Err.Error()
			res.Outcome = OutcomeRetriesExhausted
			r.finish(res, em, attempt, end, ExecResult{})
			r.record(res, authz, attempt, ir.NextState, end.Status, startedAt)
			r.logger.Warn("exec retries exhausted",
				"correlation_id", req.CorrelationID, "attempts", attempt, "error", ir.Err)
			return res, em.failure()

		default:
			end.ExitCode = execRes.ExitCode
			end.Status = event.StatusFailed
			end.Error = ir.Err.Error()
			res.Outcome = OutcomeFailed
			r.finish(res, em, attempt, end, execRes)
			r.record(res, authz, attempt, ir.NextState, end.Status, startedAt)
			return res, ir.Err
		}
	}
}

func (r *Runner) shellFor(req Request) string {
	if req.Shell {
		return r.shell
	}
	return ""
}

func (r *Runner) finish(res *Result, em *emitter, attempt int, end event.EndPayload, execRes ExecResult) {
	em.emit(attempt, end)
	res.ExitCode = execRes.ExitCode
	res.Signal = execRes.Signal
	res.Events = em.delivered()
	// 聚合输出以守卫处理后的 end 帧为准
	if n := len(res.Events); n > 0 {
		if p, ok := res.Events[n-1].End(); ok {
			res.Stdout, res.Stderr = p.Stdout, p.Stderr
		}
	}
}

func (r *Runner) record(res *Result, authz orchestrator.Authorization, attempts int, state orchestrator.SandboxState, status event.Status, startedAt time.Time) {
	rs := orchestrator.RunSucceeded
	if status != event.StatusSucceeded {
		rs = orchestrator.RunFailed
	}
	rec := orchestrator.NewRunRecord(authz, attempts, state, rs, startedAt, r.now())
	res.Record = &rec
}

func approvalOutcome(err error) Outcome {
	var denied *orchestrator.ApprovalDeniedError
	if errors.As(err, &denied) {
		return OutcomeApprovalDenied
	}
	var required *orchestrator.ApprovalRequiredError
	if errors.As(err, &required) {
		return OutcomeApprovalRequired
	}
	return OutcomeFailed
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
