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

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"google.golang.org/grpc"

	apigrpc "exec-runtime/internal/api/grpc"
	"exec-runtime/internal/api/http"
	"exec-runtime/internal/api/http/middleware"
	"exec-runtime/internal/app"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware；执行链路来自 Bootstrap）
type App struct {
	config       *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	grpcServer   *grpcRun
	stopSweep    context.CancelFunc
}

// grpcRun 持有 gRPC Server 与 Listener，用于 GracefulStop 时关闭
type grpcRun struct {
	srv *grpc.Server
	lis net.Listener
}

func (g *grpcRun) GracefulStop() {
	if g.lis != nil {
		_ = g.lis.Close()
	}
	if g.srv != nil {
		g.srv.GracefulStop()
	}
}

// NewApp 创建 API 应用
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	if bootstrap == nil || bootstrap.Runner == nil {
		return nil, fmt.Errorf("bootstrap 未初始化执行链路")
	}
	handler := http.NewHandler(bootstrap.Runner, bootstrap.Handles)
	handler.SetSessionManager(bootstrap.Sessions)
	handler.SetPrivacyGuard(bootstrap.Guard)
	handler.SetApprovalCache(bootstrap.Approvals)
	if bootstrap.Archiver != nil {
		handler.SetArchiver(bootstrap.Archiver)
	}
	if bootstrap.Retention != nil {
		handler.SetRetention(bootstrap.Retention)
	}

	mw := middleware.NewMiddleware(bootstrap.Logger.With("component", "http"))
	router := http.NewRouter(handler, mw)
	router.SetAudit(middleware.NewAuditMiddleware(middleware.NewLogAuditStore(bootstrap.Logger.With("component", "audit"))))
	if rps := bootstrap.Config.API.RateLimit; rps > 0 {
		router.SetRateLimit(rps)
	}

	return &App{config: bootstrap, router: router}, nil
}

// Run 启动 HTTP 服务（阻塞）
func (a *App) Run() error {
	cfg := a.config.Config
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)

	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry），run/attempt/approval span 挂在请求 span 下
	if cfg.Monitoring.Tracing.Enable {
		serviceName := utils.CoalesceString(cfg.Monitoring.Tracing.ServiceName, "exec-runtime")
		exportEndpoint := utils.CoalesceString(cfg.Monitoring.Tracing.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		}
	}
	if a.hertz == nil {
		a.hertz = a.router.Build(addr)
	}
	if a.config.Retention != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.stopSweep = cancel
		go a.config.Retention.Start(ctx)
	}
	if g := cfg.API.Grpc; g.Enable && g.Port > 0 {
		gs, err := startGRPC(a.config, fmt.Sprintf("%s:%d", cfg.API.Host, g.Port))
		if err != nil {
			a.config.Logger.Warn("gRPC 服务启动失败", "error", err)
		} else {
			a.grpcServer = gs
			a.config.Logger.Info("gRPC 服务已启动", "port", g.Port)
		}
	}
	a.config.Logger.Info("exec runtime API 启动", "addr", addr, "privacy_mode", cfg.Privacy.Mode, "archive", cfg.Archive.Type)
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.stopSweep != nil {
		a.stopSweep()
	}
	// 先关闭仍处于 open 的句柄，stream 响应与归档随之结束，Hertz 才能排空连接
	for _, d := range a.config.Handles.Handles() {
		if d.Status == handle.StatusOpen {
			_ = a.config.Handles.Close(d.ID)
		}
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.config.Close(ctx)
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	return nil
}

// startGRPC 创建并启动 gRPC 服务（在 goroutine 中 Serve），返回 grpcRun 以便 Shutdown 时 GracefulStop
func startGRPC(b *app.Bootstrap, addr string) (*grpcRun, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	apigrpc.NewServer(b.Runner, b.Handles).Register(srv)
	go func() {
		_ = srv.Serve(lis)
	}()
	return &grpcRun{srv: srv, lis: lis}, nil
}
