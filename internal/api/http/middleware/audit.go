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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"exec-runtime/pkg/log"
)

// UserHeader 调用方标识，由前置网关注入
const UserHeader = "X-User-ID"

// AuditMiddleware 对改变状态的请求（run、close、审批）做访问审计
type AuditMiddleware struct {
	auditStore AuditStore
}

// AuditStore 审计日志存储接口
type AuditStore interface {
	LogAccess(ctx context.Context, log AuditLog) error
}

// AuditLog 审计日志记录
type AuditLog struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Success      bool
	Status       int
	DurationMS   int64
	CreatedAt    time.Time
}

// NewAuditMiddleware 创建审计中间件
func NewAuditMiddleware(auditStore AuditStore) *AuditMiddleware {
	return &AuditMiddleware{auditStore: auditStore}
}

// AuditAccess 记录 API 访问；GET 请求不记录
func (a *AuditMiddleware) AuditAccess() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		method := string(c.Method())
		if method == "GET" || method == "OPTIONS" {
			return
		}
		resourceType, resourceID := extractResource(string(c.Path()))
		entry := AuditLog{
			UserID:       string(c.GetHeader(UserHeader)),
			Action:       determineAction(method, string(c.Path())),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Status:       c.Response.StatusCode(),
			Success:      c.Response.StatusCode() < 400,
			DurationMS:   time.Since(start).Milliseconds(),
			CreatedAt:    time.Now().UTC(),
		}
		// 请求结束后 RequestContext 会被复用，字段需在此之前取出
		go func() {
			_ = a.auditStore.LogAccess(context.Background(), entry)
		}()
	}
}

// LogAuditStore 把审计记录写入结构化日志
type LogAuditStore struct {
	logger *log.Logger
}

// NewLogAuditStore 创建基于日志的审计存储
func NewLogAuditStore(logger *log.Logger) *LogAuditStore {
	return &LogAuditStore{logger: log.OrNop(logger)}
}

// LogAccess 实现 AuditStore
func (s *LogAuditStore) LogAccess(ctx context.Context, l AuditLog) error {
	s.logger.Info("audit",
		"user_id", l.UserID, "action", l.Action,
		"resource_type", l.ResourceType, "resource_id", l.ResourceID,
		"status", l.Status, "success", l.Success, "duration_ms", l.DurationMS)
	return nil
}

// determineAction 根据 HTTP 方法和路径确定操作类型
func determineAction(method string, path string) string {
	switch {
	case strings.HasSuffix(path, "/exec/run"):
		return "run_command"
	case strings.HasPrefix(path, "/api/approvals"):
		return "grant_approval"
	case strings.Contains(path, "/handles/"):
		if strings.HasSuffix(path, "/close") {
			return "close_handle"
		}
		if method == "DELETE" {
			return "remove_handle"
		}
	}
	return "unknown"
}

// extractResource 从路径提取资源类型和 ID
func extractResource(path string) (resourceType string, resourceID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /api/exec/handles/:id/...
	if len(parts) >= 4 && parts[1] == "exec" && parts[2] == "handles" {
		return "handle", parts[3]
	}
	if len(parts) >= 2 && parts[1] == "approvals" {
		return "approval", ""
	}
	return "unknown", ""
}
