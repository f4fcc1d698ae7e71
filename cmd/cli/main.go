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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"exec-runtime/internal/app"
	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/orchestrator"
	"exec-runtime/internal/exec/runner"
	"exec-runtime/pkg/config"
	"exec-runtime/pkg/errors"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/redaction"
	"exec-runtime/pkg/tracing"
	"exec-runtime/pkg/utils"
)

const version = "0.1.0"

// 退出码：命令自身的退出码透传，以下用于运行时失败
const (
	exitUsage    = 2
	exitRuntime  = 125
	exitApproval = 126
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "execctl %s\n", version)
		return 0
	case "run":
		return runExec(ctx, rest, stdout, stderr)
	case "handles":
		return runHandles(rest, stdout, stderr)
	case "snapshot":
		return runSnapshot(rest, stdout, stderr)
	case "tail":
		return runTail(rest, stdout, stderr)
	case "close":
		return runClose(rest, stdout, stderr)
	case "approve":
		return runApprove(rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: execctl <command> [flags] [args]")
	fmt.Fprintln(w, "  run [flags] -- <command> [args...]  - 执行命令（默认本地执行，--remote 提交到 API）")
	fmt.Fprintln(w, "  handles                             - 列出执行句柄")
	fmt.Fprintln(w, "  snapshot <handle_id> [--limit N]    - 输出句柄最近的帧")
	fmt.Fprintln(w, "  tail <handle_id> [--from N]         - 以 NDJSON 跟随句柄直到关闭")
	fmt.Fprintln(w, "  close <handle_id>                   - 关闭句柄")
	fmt.Fprintln(w, "  approve [flags] -- <command> [args...] - 预先授权命令")
	fmt.Fprintln(w, "  version                             - 显示版本")
	fmt.Fprintln(w, "环境变量 EXEC_API_URL 指定 API 地址（默认 http://localhost:8080）")
}

type runFlags struct {
	config      string
	remote      bool
	shell       bool
	cwd         string
	env         []string
	session     string
	approval    bool
	approvalKey string
	tool        string
	description string
	maxAttempts int
	ndjson      bool
	async       bool
	noWait      bool
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, []string, error) {
	f := &runFlags{}
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.config, "config", "c", "", "配置文件路径（本地模式）")
	fs.BoolVar(&f.remote, "remote", false, "提交到 API 执行")
	fs.BoolVar(&f.shell, "shell", false, "以 shell -c 执行")
	fs.StringVar(&f.cwd, "cwd", "", "工作目录")
	fs.StringArrayVarP(&f.env, "env", "e", nil, "环境变量 KEY=VALUE，可重复")
	fs.StringVar(&f.session, "session", "", "会话 key，相同 key 复用环境快照")
	fs.BoolVar(&f.approval, "require-approval", false, "执行前需要审批")
	fs.StringVar(&f.approvalKey, "approval-key", "", "审批缓存键，默认按调用计算")
	fs.StringVar(&f.tool, "tool", runner.DefaultTool, "tool 名称")
	fs.StringVar(&f.description, "description", "", "展示给审批者的说明")
	fs.IntVar(&f.maxAttempts, "max-attempts", 0, "覆盖重试次数")
	fs.BoolVar(&f.ndjson, "ndjson", false, "以 NDJSON 输出帧而非原始输出")
	fs.BoolVar(&f.async, "async", false, "远程模式下立即返回句柄")
	fs.BoolVar(&f.noWait, "no-wait", false, "超出限流时立即失败而不排队")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cmdArgs := fs.Args()
	if len(cmdArgs) == 0 {
		return nil, nil, errors.Wrap(errors.ErrInvalidArg, "command required")
	}
	return f, cmdArgs, nil
}

// parseEnv 解析 KEY=VALUE 列表
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env, invalid := utils.EnvPairs(nil, pairs)
	if len(invalid) > 0 {
		return nil, errors.Wrapf(errors.ErrInvalidArg, "env %q, want KEY=VALUE", invalid[0])
	}
	return env, nil
}

func runExec(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, cmdArgs, err := parseRunFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return exitUsage
	}
	env, err := parseEnv(f.env)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return exitUsage
	}
	req := runner.Request{
		Tool:             f.tool,
		Description:      f.description,
		Command:          cmdArgs[0],
		Args:             cmdArgs[1:],
		Cwd:              f.cwd,
		Env:              env,
		Shell:            f.shell,
		SessionKey:       f.session,
		RequiresApproval: f.approval,
		ApprovalKey:      f.approvalKey,
		NoWait:           f.noWait,
	}
	if f.remote {
		return runRemote(req, f, stdout, stderr)
	}
	return runLocal(ctx, req, f, stdout, stderr)
}

func runLocal(ctx context.Context, req runner.Request, f *runFlags, stdout, stderr io.Writer) int {
	cfg, err := loadLocalConfig(f.config)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return exitRuntime
	}
	logger := log.NewWriterLogger(stderr, log.ParseLevel(cfg.Log.Level), true)

	var opts []app.Option
	opts = append(opts, app.WithLogger(logger))
	if p := orchestrator.NewTerminalPrompter(); p != nil {
		if rules, err := redaction.LoadRulesFile(cfg.Privacy.RulesFile); err == nil {
			p.Mask = redaction.NewEngine(rules).MaskStrings
		}
		opts = append(opts, app.WithPrompter(p))
	}
	b, err := app.NewBootstrap(ctx, cfg, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "初始化失败: %v\n", err)
		return exitRuntime
	}
	defer b.Close(context.WithoutCancel(ctx))

	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
		}
	}

	if f.maxAttempts > 0 {
		p := runner.DefaultRetryPolicy()
		if rp, err := app.RetryPolicy(cfg.Exec.Retry); err == nil {
			p = rp
		}
		p.MaxAttempts = f.maxAttempts
		req.Retry = &p
	}

	cancel := b.Runner.OnEvent(frameWriter(f.ndjson, stdout, stderr))
	defer cancel()

	res, err := b.Runner.Run(ctx, req)
	return exitCode(res, err, stderr)
}

func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// frameWriter 本地模式的帧输出：ndjson 时逐帧编码，否则把 chunk 原样写回对应的流
func frameWriter(ndjson bool, stdout, stderr io.Writer) runner.Listener {
	if ndjson {
		enc := event.NewEncoder(stdout)
		return func(_ string, frame event.ExecFrame) {
			_ = enc.Encode(frame)
		}
	}
	return func(_ string, frame event.ExecFrame) {
		chunk, ok := frame.Event.Chunk()
		if !ok {
			return
		}
		w := stdout
		if chunk.Stream == event.StreamStderr {
			w = stderr
		}
		_, _ = io.WriteString(w, chunk.Data)
	}
}

// exitCode 将 run 结果映射为进程退出码
func exitCode(res *runner.Result, err error, stderr io.Writer) int {
	if err != nil {
		fmt.Fprintf(stderr, "execctl: %v\n", err)
		if res != nil && (res.Outcome == runner.OutcomeApprovalRequired || res.Outcome == runner.OutcomeApprovalDenied) {
			return exitApproval
		}
		return exitRuntime
	}
	if res.Outcome == runner.OutcomeRetriesExhausted {
		fmt.Fprintf(stderr, "execctl: retries exhausted after %d attempts\n", res.Attempts)
		return exitRuntime
	}
	if res.ExitCode != nil {
		return *res.ExitCode
	}
	if res.Signal != "" {
		fmt.Fprintf(stderr, "execctl: terminated by %s\n", res.Signal)
	}
	return exitRuntime
}

func runRemote(req runner.Request, f *runFlags, stdout, stderr io.Writer) int {
	body := map[string]interface{}{
		"tool":             req.Tool,
		"description":      req.Description,
		"command":          req.Command,
		"args":             req.Args,
		"cwd":              req.Cwd,
		"env":              req.Env,
		"shell":            req.Shell,
		"sessionKey":       req.SessionKey,
		"requiresApproval": req.RequiresApproval,
		"approvalKey":      req.ApprovalKey,
		"async":            f.async,
		"noWait":           req.NoWait,
	}
	if f.maxAttempts > 0 {
		body["retry"] = map[string]interface{}{"maxAttempts": f.maxAttempts}
	}
	out, err := newClient(apiBaseURL()).runCommand(body)
	if out != nil {
		fmt.Fprintln(stdout, prettyJSON(out))
	}
	if err != nil {
		fmt.Fprintf(stderr, "execctl: %v\n", err)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == 403 {
			return exitApproval
		}
		return exitRuntime
	}
	if code, ok := out["exitCode"].(float64); ok {
		return int(code)
	}
	return 0
}

func runHandles(args []string, stdout, stderr io.Writer) int {
	handles, err := newClient(apiBaseURL()).listHandles()
	if err != nil {
		fmt.Fprintf(stderr, "列出句柄失败: %v\n", err)
		return exitRuntime
	}
	fmt.Fprintln(stdout, prettyJSON(handles))
	return 0
}

func runSnapshot(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "最多输出的帧数，0 为全部")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: execctl snapshot <handle_id> [--limit N]")
		return exitUsage
	}
	frames, err := newClient(apiBaseURL()).snapshot(fs.Arg(0), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "获取快照失败: %v\n", err)
		return exitRuntime
	}
	enc := event.NewEncoder(stdout)
	for _, fr := range frames {
		_ = enc.Encode(fr)
	}
	return 0
}

func runTail(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.Int64("from", 0, "从该序号开始回放")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: execctl tail <handle_id> [--from N]")
		return exitUsage
	}
	if err := newClient(apiBaseURL()).tail(fs.Arg(0), *from, stdout); err != nil {
		fmt.Fprintf(stderr, "跟随句柄失败: %v\n", err)
		return exitRuntime
	}
	return 0
}

func runClose(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: execctl close <handle_id>")
		return exitUsage
	}
	out, err := newClient(apiBaseURL()).closeHandle(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "关闭句柄失败: %v\n", err)
		return exitRuntime
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("approve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	tool := fs.String("tool", runner.DefaultTool, "tool 名称")
	cwd := fs.String("cwd", "", "工作目录")
	key := fs.String("approval-key", "", "审批缓存键，设置后忽略命令")
	reason := fs.String("reason", "", "授权原因")
	deny := fs.Bool("deny", false, "写入拒绝结果")
	if err := fs.Parse(args); err != nil || (*key == "" && fs.NArg() == 0) {
		fmt.Fprintln(stderr, "Usage: execctl approve [--approval-key K] [--cwd DIR] -- <command> [args...]")
		return exitUsage
	}
	body := map[string]interface{}{
		"tool":    *tool,
		"cwd":     *cwd,
		"reason":  *reason,
		"granted": !*deny,
	}
	if *key != "" {
		body["fingerprint"] = *key
	} else {
		body["command"] = fs.Arg(0)
		body["args"] = fs.Args()[1:]
	}
	out, err := newClient(apiBaseURL()).grantApproval(body)
	if err != nil {
		fmt.Fprintf(stderr, "授权失败: %v\n", err)
		return exitRuntime
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}
