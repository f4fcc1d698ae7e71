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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"exec-runtime/pkg/log"
)

// Middleware 中间件管理器
type Middleware struct {
	logger *log.Logger
}

// NewMiddleware 创建中间件管理器，logger 可为 nil
func NewMiddleware(logger *log.Logger) *Middleware {
	return &Middleware{logger: log.OrNop(logger)}
}

// CORS 跨域
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-User-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimit 全局令牌桶限流，rps<=0 时不限制
func (m *Middleware) RateLimit(rps int) app.HandlerFunc {
	if rps <= 0 {
		return func(ctx context.Context, c *app.RequestContext) { c.Next(ctx) }
	}
	limiter := rate.NewLimiter(rate.Limit(rps), rps)
	return func(ctx context.Context, c *app.RequestContext) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]string{
				"error": "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next(ctx)
	}
}

// AccessLog 请求日志
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		m.logger.Info("http request",
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", c.Response.StatusCode(),
			"client_ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}
