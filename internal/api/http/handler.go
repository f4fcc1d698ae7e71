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

package http

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"exec-runtime/internal/exec/archive"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/internal/exec/orchestrator"
	"exec-runtime/internal/exec/privacy"
	"exec-runtime/internal/exec/runner"
	"exec-runtime/internal/exec/session"
	"exec-runtime/pkg/errors"
	"exec-runtime/pkg/metrics"
	"exec-runtime/pkg/retention"
)

// Handler HTTP 处理器
type Handler struct {
	runner    *runner.Runner
	handles   *handle.Service
	sessions  *session.Manager
	guard     *privacy.Guard
	approvals orchestrator.ApprovalCache
	archiver  *archive.Archiver
	retention *retention.Engine
	now       func() time.Time
}

// NewHandler 创建 HTTP 处理器；runner 为 nil 时 run 接口返回 503
func NewHandler(r *runner.Runner, handles *handle.Service) *Handler {
	if handles == nil && r != nil {
		handles = r.Handles()
	}
	return &Handler{runner: r, handles: handles, now: time.Now}
}

// SetSessionManager 设置会话管理器（GET /api/exec/sessions）
func (h *Handler) SetSessionManager(m *session.Manager) { h.sessions = m }

// SetPrivacyGuard 设置隐私守卫（GET /api/privacy/metrics）
func (h *Handler) SetPrivacyGuard(g *privacy.Guard) { h.guard = g }

// SetApprovalCache 设置审批缓存（POST /api/approvals）
func (h *Handler) SetApprovalCache(c orchestrator.ApprovalCache) { h.approvals = c }

// SetArchiver 设置归档器，run 签发的句柄会被跟随归档
func (h *Handler) SetArchiver(a *archive.Archiver) { h.archiver = a }

// SetRetention 设置留存引擎（GET /api/exec/tombstones）
func (h *Handler) SetRetention(e *retention.Engine) { h.retention = e }

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": h.now().Unix(),
		"service":   "exec-runtime",
	})
}

// Metrics Prometheus 指标
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	c.Response.Header.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := metrics.WritePrometheus(c); err != nil {
		hlog.CtxErrorf(ctx, "write prometheus metrics: %v", err)
	}
}

// RetrySpec run 请求中的重试策略，时长以毫秒表示
type RetrySpec struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelayMs int64   `json:"initialDelayMs"`
	BackoffFactor  float64 `json:"backoffFactor"`
	MaxDelayMs     int64   `json:"maxDelayMs"`
}

// RunRequest POST /api/exec/run 请求体
type RunRequest struct {
	Tool             string            `json:"tool"`
	Description      string            `json:"description"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Cwd              string            `json:"cwd"`
	Env              map[string]string `json:"env"`
	Shell            bool              `json:"shell"`
	SessionKey       string            `json:"sessionKey"`
	RequiresApproval bool              `json:"requiresApproval"`
	ApprovalKey      string            `json:"approvalKey"`
	CorrelationID    string            `json:"correlationId"`
	KeepHandleOpen   bool              `json:"keepHandleOpen"`
	Retry            *RetrySpec        `json:"retry,omitempty"`
	// Async 为 true 时立即返回句柄描述，run 在后台执行，通过 stream 接口观察
	Async bool `json:"async"`
	// NoWait 为 true 时超出限流返回 429，不排队
	NoWait bool `json:"noWait"`
}

func (req RunRequest) toRunner(correlationID, handleID string) runner.Request {
	out := runner.Request{
		Tool:             req.Tool,
		Description:      req.Description,
		Command:          req.Command,
		Args:             req.Args,
		Cwd:              req.Cwd,
		Env:              req.Env,
		Shell:            req.Shell,
		SessionKey:       req.SessionKey,
		RequiresApproval: req.RequiresApproval,
		ApprovalKey:      req.ApprovalKey,
		CorrelationID:    correlationID,
		HandleID:         handleID,
		KeepHandleOpen:   req.KeepHandleOpen,
		NoWait:           req.NoWait,
	}
	if req.Retry != nil {
		out.Retry = &runner.RetryPolicy{
			MaxAttempts:   req.Retry.MaxAttempts,
			InitialDelay:  time.Duration(req.Retry.InitialDelayMs) * time.Millisecond,
			BackoffFactor: req.Retry.BackoffFactor,
			MaxDelay:      time.Duration(req.Retry.MaxDelayMs) * time.Millisecond,
		}
	}
	return out
}

// RunCommand 执行命令
// POST /api/exec/run
func (h *Handler) RunCommand(ctx context.Context, c *app.RequestContext) {
	if h.runner == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "runner is not configured"})
		return
	}
	var req RunRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Command == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = "corr-" + strconv.FormatInt(h.now().UnixNano(), 36)
	}
	desc := h.handles.IssueHandle(correlationID)
	if h.archiver != nil {
		if err := h.archiver.Track(desc.ID); err != nil {
			hlog.CtxWarnf(ctx, "archive handle %s: %v", desc.ID, err)
		}
	}
	rreq := req.toRunner(correlationID, desc.ID)

	if req.Async {
		go func() {
			// 后台 run 不随请求结束而取消
			bg := context.WithoutCancel(ctx)
			if _, err := h.runner.Run(bg, rreq); err != nil {
				hlog.CtxWarnf(bg, "async run %s failed: %v", desc.ID, err)
			}
			h.closeIfOpen(desc.ID, req.KeepHandleOpen)
		}()
		c.JSON(consts.StatusAccepted, desc)
		return
	}

	res, err := h.runner.Run(ctx, rreq)
	h.closeIfOpen(desc.ID, req.KeepHandleOpen)
	if err != nil {
		status := statusFor(err)
		body := map[string]interface{}{"error": err.Error()}
		if res != nil {
			body["outcome"] = res.Outcome
			body["handleId"] = desc.ID
			body["result"] = res
		}
		c.JSON(status, body)
		return
	}
	c.JSON(consts.StatusOK, res)
}

// closeIfOpen 审批失败时 runner 不会写入句柄，这里负责收尾
func (h *Handler) closeIfOpen(id string, keep bool) {
	if keep {
		return
	}
	if d, err := h.handles.Descriptor(id); err == nil && d.Status == handle.StatusOpen {
		_ = h.handles.Close(id)
	}
}

// ListHandles 列出句柄
// GET /api/exec/handles
func (h *Handler) ListHandles(ctx context.Context, c *app.RequestContext) {
	list := h.handles.Handles()
	c.JSON(consts.StatusOK, map[string]interface{}{
		"handles": list,
		"total":   len(list),
	})
}

// GetHandle 句柄元数据
// GET /api/exec/handles/:id
func (h *Handler) GetHandle(ctx context.Context, c *app.RequestContext) {
	d, err := h.handles.Descriptor(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, d)
}

// Snapshot 最近的帧
// GET /api/exec/handles/:id/snapshot?limit=N
func (h *Handler) Snapshot(ctx context.Context, c *app.RequestContext) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	frames, err := h.handles.Snapshot(c.Param("id"), int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"handleId": c.Param("id"),
		"frames":   frames,
	})
}

// CloseHandle 关闭句柄
// POST /api/exec/handles/:id/close
func (h *Handler) CloseHandle(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := h.handles.Close(id); err != nil {
		writeError(c, err)
		return
	}
	d, _ := h.handles.Descriptor(id)
	c.JSON(consts.StatusOK, d)
}

// RemoveHandle 删除已关闭的句柄
// DELETE /api/exec/handles/:id
func (h *Handler) RemoveHandle(ctx context.Context, c *app.RequestContext) {
	if err := h.handles.Remove(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(consts.StatusNoContent)
}

// Decisions 句柄上的隐私决策
// GET /api/exec/handles/:id/decisions
func (h *Handler) Decisions(ctx context.Context, c *app.RequestContext) {
	ds, err := h.handles.Decisions(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"handleId":  c.Param("id"),
		"decisions": ds,
	})
}

// Tombstones 留存删除记录
// GET /api/exec/tombstones?limit=N
func (h *Handler) Tombstones(ctx context.Context, c *app.RequestContext) {
	if h.retention == nil {
		c.JSON(consts.StatusOK, map[string]interface{}{"tombstones": []retention.Tombstone{}, "total": 0})
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		writeError(c, err)
		return
	}
	ts, err := h.retention.Tombstones().ListTombstones(ctx, int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"tombstones": ts, "total": len(ts)})
}

// PrivacyMetrics 守卫统计
// GET /api/privacy/metrics
func (h *Handler) PrivacyMetrics(ctx context.Context, c *app.RequestContext) {
	if h.guard == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "privacy guard is not enabled"})
		return
	}
	c.JSON(consts.StatusOK, h.guard.Metrics())
}

// ListSessions 活跃会话
// GET /api/exec/sessions
func (h *Handler) ListSessions(ctx context.Context, c *app.RequestContext) {
	var active []session.SessionInfo
	if h.sessions != nil {
		active = h.sessions.Active()
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"sessions": active,
		"total":    len(active),
	})
}

// ApprovalRequest POST /api/approvals 请求体；Fingerprint 为空时按调用字段计算
type ApprovalRequest struct {
	Fingerprint string            `json:"fingerprint"`
	Tool        string            `json:"tool"`
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	Granted     *bool             `json:"granted"`
	Scope       string            `json:"scope"`
	Reason      string            `json:"reason"`
}

// GrantApproval 预先写入审批结果，后续同指纹的调用直接命中缓存
// POST /api/approvals
func (h *Handler) GrantApproval(ctx context.Context, c *app.RequestContext) {
	if h.approvals == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "approval cache is not configured"})
		return
	}
	var req ApprovalRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	fp := req.Fingerprint
	if fp == "" {
		if req.Command == "" {
			c.JSON(consts.StatusBadRequest, map[string]string{"error": "fingerprint or command is required"})
			return
		}
		tool := req.Tool
		if tool == "" {
			tool = runner.DefaultTool
		}
		fp = orchestrator.Invocation{Tool: tool, Command: req.Command, Args: req.Args, Cwd: req.Cwd, Env: req.Env}.Fingerprint()
	}
	grant := orchestrator.ApprovalGrant{
		Granted:   req.Granted == nil || *req.Granted,
		Scope:     req.Scope,
		Reason:    req.Reason,
		GrantedAt: h.now(),
	}
	if err := h.approvals.Set(ctx, fp, grant); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"fingerprint": fp,
		"grant":       grant,
	})
}

func queryInt(c *app.RequestContext, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidArg, "query %s=%q", key, raw)
	}
	return v, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return consts.StatusNotFound
	case errors.Is(err, errors.ErrInvalidArg):
		return consts.StatusBadRequest
	case errors.Is(err, errors.ErrClosed):
		return consts.StatusConflict
	case errors.Is(err, errors.ErrForbidden):
		return consts.StatusForbidden
	case errors.Is(err, errors.ErrRateLimited):
		return consts.StatusTooManyRequests
	}
	var failed *orchestrator.ToolInvocationFailedError
	if errors.As(err, &failed) {
		return consts.StatusUnprocessableEntity
	}
	return consts.StatusInternalServerError
}

func writeError(c *app.RequestContext, err error) {
	c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}
