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
	"github.com/cloudwego/hertz/pkg/app/middlewares/server/recovery"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"

	"exec-runtime/internal/api/http/middleware"
)

// Router HTTP 路由
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	audit      *middleware.AuditMiddleware
	rateLimit  int
}

// NewRouter 创建路由
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetAudit 启用写操作审计
func (r *Router) SetAudit(a *middleware.AuditMiddleware) { r.audit = a }

// SetRateLimit 设置全局每秒请求数，<=0 不限流
func (r *Router) SetRateLimit(rps int) { r.rateLimit = rps }

// Build 创建 Hertz 实例并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.New(opts...)
	h.Use(recovery.Recovery())
	r.Register(h)
	return h
}

// Register 在已有的 Hertz 实例上注册中间件与路由
func (r *Router) Register(h *server.Hertz) {
	if r.middleware != nil {
		h.Use(r.middleware.AccessLog(), r.middleware.CORS())
		if r.rateLimit > 0 {
			h.Use(r.middleware.RateLimit(r.rateLimit))
		}
	}
	if r.audit != nil {
		h.Use(r.audit.AuditAccess())
	}

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	r.registerExec(api.Group("/exec"))

	api.GET("/privacy/metrics", r.handler.PrivacyMetrics)
	api.POST("/approvals", r.handler.GrantApproval)
}

func (r *Router) registerExec(g *route.RouterGroup) {
	g.POST("/run", r.handler.RunCommand)
	g.GET("/sessions", r.handler.ListSessions)
	g.GET("/tombstones", r.handler.Tombstones)

	handles := g.Group("/handles")
	{
		handles.GET("", r.handler.ListHandles)
		handles.GET("/:id", r.handler.GetHandle)
		handles.DELETE("/:id", r.handler.RemoveHandle)
		handles.GET("/:id/snapshot", r.handler.Snapshot)
		handles.GET("/:id/stream", r.handler.StreamHandle)
		handles.GET("/:id/decisions", r.handler.Decisions)
		handles.POST("/:id/close", r.handler.CloseHandle)
	}
}
