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

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// DefaultShell shell 模式的默认解释器
const DefaultShell = "/bin/sh"

// ExecRequest 交给执行器的一次尝试
type ExecRequest struct {
	Command string
	Args    []string
	Cwd     string
	// Env 为 nil 时继承当前进程环境
	Env map[string]string
	// Shell 非空时以 `Shell -c "command args..."` 执行
	Shell     string
	SessionID string

	// Stdout / Stderr 每次 Write 产生一个 chunk 事件，执行器返回前必须完成全部写入
	Stdout io.Writer
	Stderr io.Writer
}

// ExecResult 进程退出信息；进程被信号终止时 ExitCode 为 nil
type ExecResult struct {
	ExitCode *int
	Signal   string
}

// Executor 实际的进程启动者。返回 error 表示执行本身失败（无法启动、沙箱拒绝等），
// 非零退出码不是 error
type Executor func(ctx context.Context, req ExecRequest) (ExecResult, error)

// CommandExecutor 基于 os/exec 的默认执行器
func CommandExecutor() Executor {
	return func(ctx context.Context, req ExecRequest) (ExecResult, error) {
		if req.Command == "" {
			return ExecResult{}, errors.New("exec: empty command")
		}
		var cmd *exec.Cmd
		if req.Shell != "" {
			script := req.Command
			if len(req.Args) > 0 {
				script += " " + strings.Join(req.Args, " ")
			}
			cmd = exec.CommandContext(ctx, req.Shell, "-c", script)
		} else {
			cmd = exec.CommandContext(ctx, req.Command, req.Args...)
		}
		cmd.Dir = req.Cwd
		cmd.Env = envList(req.Env)
		cmd.Stdout = req.Stdout
		cmd.Stderr = req.Stderr

		err := cmd.Run()
		if err == nil {
			code := 0
			return ExecResult{ExitCode: &code}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exitResult(cmd), fmt.Errorf("exec %s: %w", req.Command, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitResult(cmd), nil
		}
		return ExecResult{}, fmt.Errorf("exec %s: %w", req.Command, err)
	}
}

func exitResult(cmd *exec.Cmd) ExecResult {
	ps := cmd.ProcessState
	if ps == nil {
		return ExecResult{}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExecResult{Signal: ws.Signal().String()}
	}
	code := ps.ExitCode()
	return ExecResult{ExitCode: &code}
}

func envList(env map[string]string) []string {
	if env == nil {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
