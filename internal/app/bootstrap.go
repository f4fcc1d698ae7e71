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

package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"exec-runtime/internal/exec/archive"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/internal/exec/orchestrator"
	"exec-runtime/internal/exec/privacy"
	"exec-runtime/internal/exec/runner"
	"exec-runtime/internal/exec/session"
	"exec-runtime/pkg/config"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/redaction"
	"exec-runtime/pkg/retention"
	"exec-runtime/pkg/utils"
)

// Bootstrap 统一初始化：供 api 与 cli 本地模式复用，避免在 cmd 内组装执行链路
type Bootstrap struct {
	Config       *config.Config
	Logger       *log.Logger
	Guard        *privacy.Guard
	Sessions     *session.Manager
	Approvals    orchestrator.ApprovalCache
	Orchestrator *orchestrator.Orchestrator
	Handles      *handle.Service
	Limiter      *runner.Limiter
	Runner       *runner.Runner
	// Sink / Archiver 在 archive.type=none 时为 nil
	Sink     archive.Sink
	Archiver *archive.Archiver
	// Retention 在 handles.retain_closed 未配置时为 nil
	Retention *retention.Engine

	redis *redis.Client
}

// Option 调整 Bootstrap 的组装方式
type Option func(*bootstrapOptions)

type bootstrapOptions struct {
	prompter orchestrator.ApprovalPrompter
	logger   *log.Logger
}

// WithPrompter 设置审批 prompter；API 服务不设置，审批经 POST /api/approvals 预授权
func WithPrompter(p orchestrator.ApprovalPrompter) Option {
	return func(o *bootstrapOptions) { o.prompter = p }
}

// WithLogger 使用已有 logger，不再按配置创建
func WithLogger(l *log.Logger) Option {
	return func(o *bootstrapOptions) { o.logger = l }
}

// NewBootstrap 根据配置创建 Bootstrap（Guard/Session/Approval/Handle/Runner/Archive）
// ctx 控制归档 goroutine 的生命周期
func NewBootstrap(ctx context.Context, cfg *config.Config, opts ...Option) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o bootstrapOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, fmt.Errorf("初始化日志failed: %w", err)
		}
	}
	b := &Bootstrap{Config: cfg, Logger: logger}

	rules, err := redaction.LoadRulesFile(cfg.Privacy.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("加载隐私规则failed: %w", err)
	}
	b.Guard = privacy.NewGuard(privacy.Options{
		Mode:         privacy.Mode(cfg.Privacy.Mode),
		Engine:       redaction.NewEngine(rules),
		MaxDecisions: cfg.Privacy.MaxDecisions,
		Logger:       logger.With("component", "privacy"),
	})

	b.Sessions = session.NewManager(session.Config{
		Factory: session.EnvFactory(),
		BaseEnv: baseEnv(cfg.Exec),
		Logger:  logger.With("component", "session"),
	})

	if err := b.initApprovals(ctx, cfg.Approval); err != nil {
		return nil, err
	}
	b.Orchestrator = orchestrator.New(orchestrator.Options{
		Policy:   orchestrator.ApprovalPolicy(cfg.Approval.Policy),
		Cache:    b.Approvals,
		Prompter: o.prompter,
		Logger:   logger.With("component", "orchestrator"),
	})

	b.Handles = handle.NewService(handle.Options{
		MaxRetainedFrames: cfg.Handles.MaxRetainedFrames,
		DefaultQueueSize:  cfg.Handles.MaxQueueSize,
		Guard:             b.Guard,
		Logger:            logger.With("component", "handle"),
	})

	b.Limiter = newLimiter(cfg.RateLimits)

	retry, err := RetryPolicy(cfg.Exec.Retry)
	if err != nil {
		return nil, err
	}
	maxBuffer := cfg.Exec.MaxBufferBytes
	b.Runner = runner.New(runner.Config{
		Orchestrator:   b.Orchestrator,
		Sessions:       b.Sessions,
		Handles:        b.Handles,
		Guard:          b.Guard,
		Shell:          cfg.Exec.Shell,
		MaxBufferBytes: &maxBuffer,
		Retry:          retry,
		Limiter:        b.Limiter,
		Logger:         logger.With("component", "runner"),
	})

	if err := b.initArchive(ctx, cfg.Archive); err != nil {
		b.Close(ctx)
		return nil, err
	}
	if err := b.initRetention(cfg.Handles); err != nil {
		b.Close(ctx)
		return nil, err
	}
	return b, nil
}

func (b *Bootstrap) initRetention(cfg config.HandlesConfig) error {
	retain, err := config.ParseDuration(cfg.RetainClosed)
	if err != nil {
		return fmt.Errorf("handles.retain_closed: %w", err)
	}
	if retain <= 0 {
		return nil
	}
	interval, err := config.ParseDuration(cfg.ScanInterval)
	if err != nil {
		return fmt.Errorf("handles.scan_interval: %w", err)
	}
	rc := retention.DefaultConfig()
	rc.Enable = true
	rc.RetainClosed = retain
	if interval > 0 {
		rc.ScanInterval = interval
	}
	opts := retention.Options{Logger: b.Logger.With("component", "retention")}
	if dir, ok := b.Sink.(*archive.DirSink); ok {
		opts.ArchiveRef = dir.PathFor
	}
	b.Retention = retention.NewEngine(rc, handleScanner{b.Handles}, b.Handles, opts)
	return nil
}

// handleScanner 将已关闭的句柄作为留存候选
type handleScanner struct {
	svc *handle.Service
}

func (s handleScanner) ListCandidates(context.Context) ([]retention.Candidate, error) {
	var out []retention.Candidate
	for _, d := range s.svc.Handles() {
		if d.Status != handle.StatusClosed || d.ClosedAt == nil {
			continue
		}
		out = append(out, retention.Candidate{
			HandleID:      d.ID,
			CorrelationID: d.CorrelationID,
			ClosedAt:      *d.ClosedAt,
			FrameCount:    d.FrameCount,
		})
	}
	return out, nil
}

func (b *Bootstrap) initApprovals(ctx context.Context, cfg config.ApprovalConfig) error {
	ttl, err := config.ParseDuration(cfg.TTL)
	if err != nil {
		return fmt.Errorf("approval.ttl: %w", err)
	}
	switch cfg.Cache.Type {
	case "", "memory":
		b.Approvals = orchestrator.NewMemoryApprovalCache(ttl)
	case "redis":
		client, err := orchestrator.NewRedisClient(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			return fmt.Errorf("初始化审批缓存failed: %w", err)
		}
		b.redis = client
		b.Approvals = orchestrator.NewRedisApprovalCache(client, cfg.Cache.Prefix, ttl)
	default:
		return fmt.Errorf("approval.cache.type 非法: %q", cfg.Cache.Type)
	}
	return nil
}

func (b *Bootstrap) initArchive(ctx context.Context, cfg config.ArchiveConfig) error {
	switch cfg.Type {
	case "", "none":
		return nil
	case "file":
		sink, err := archive.NewDirSink(cfg.Path, cfg.Zstd)
		if err != nil {
			return fmt.Errorf("初始化归档目录failed: %w", err)
		}
		b.Sink = sink
	case "postgres":
		sink, err := archive.NewPostgresSink(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("初始化归档数据库失败: %w", err)
		}
		b.Sink = sink
	default:
		return fmt.Errorf("archive.type 非法: %q", cfg.Type)
	}
	b.Archiver = archive.NewArchiver(ctx, b.Handles, b.Sink, archive.FollowOptions{}, b.Logger.With("component", "archive"))
	// Runner 自行签发的句柄（gRPC、CLI 本地执行）同样归档；HTTP 预签发句柄时自行 Track
	b.Runner.OnIssue(func(handleID string) {
		if err := b.Archiver.Track(handleID); err != nil {
			b.Logger.Warn("archive track failed", "handle_id", handleID, "error", err)
		}
	})
	return nil
}

// Close 销毁会话并关闭外部连接；归档先等待在途句柄刷盘
func (b *Bootstrap) Close(ctx context.Context) {
	if b.Sessions != nil {
		if err := b.Sessions.DisposeAll(ctx); err != nil {
			b.Logger.Warn("dispose sessions", "error", err)
		}
	}
	if b.Archiver != nil {
		if err := b.Archiver.Wait(); err != nil {
			b.Logger.Warn("archive wait", "error", err)
		}
	}
	if b.Sink != nil {
		if err := b.Sink.Close(); err != nil {
			b.Logger.Warn("close archive sink", "error", err)
		}
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func baseEnv(cfg config.ExecConfig) map[string]string {
	var env map[string]string
	if cfg.InheritEnv {
		env, _ = utils.EnvPairs(nil, os.Environ())
	}
	env, _ = utils.EnvPairs(env, cfg.BaseEnv)
	return env
}

func newLimiter(cfg config.RateLimitsConfig) *runner.Limiter {
	if len(cfg.Tools) == 0 {
		return nil
	}
	limits := make(map[string]runner.ToolLimit, len(cfg.Tools))
	for tool, c := range cfg.Tools {
		limits[tool] = runner.ToolLimit{QPS: c.QPS, MaxConcurrent: c.MaxConcurrent, Burst: c.Burst}
	}
	return runner.NewLimiter(limits, nil)
}

// RetryPolicy 将配置转换为 runner 重试策略；max_attempts 为 0 时使用默认次数，其余字段按配置
func RetryPolicy(cfg config.RetryConfig) (runner.RetryPolicy, error) {
	initial, err := config.ParseDuration(cfg.InitialDelay)
	if err != nil {
		return runner.RetryPolicy{}, fmt.Errorf("exec.retry.initial_delay: %w", err)
	}
	maxDelay, err := config.ParseDuration(cfg.MaxDelay)
	if err != nil {
		return runner.RetryPolicy{}, fmt.Errorf("exec.retry.max_delay: %w", err)
	}
	p := runner.RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  initial,
		BackoffFactor: cfg.BackoffFactor,
		MaxDelay:      maxDelay,
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = runner.DefaultRetryPolicy().MaxAttempts
	}
	return p, nil
}
