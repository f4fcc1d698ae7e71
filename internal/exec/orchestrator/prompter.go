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

package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// ApprovalContext 展示给审批方的调用信息
type ApprovalContext struct {
	ToolID      string   `json:"toolId"`
	Description string   `json:"description,omitempty"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	Cwd         string   `json:"cwd,omitempty"`
}

// ApprovalPrompter 向人或自动化系统请求审批；可能长时间阻塞，应响应 ctx 取消
type ApprovalPrompter interface {
	RequestApproval(ctx context.Context, fingerprint string, actx ApprovalContext) (ApprovalGrant, error)
}

// PrompterFunc 函数适配器
type PrompterFunc func(ctx context.Context, fingerprint string, actx ApprovalContext) (ApprovalGrant, error)

// RequestApproval 调用 f
func (f PrompterFunc) RequestApproval(ctx context.Context, fingerprint string, actx ApprovalContext) (ApprovalGrant, error) {
	return f(ctx, fingerprint, actx)
}

// TerminalPrompter 在终端上询问 y/N
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
	// Mask 用于遮盖展示的参数（如凭证），可为 nil
	Mask func([]string) []string
}

// NewTerminalPrompter 使用 stdin/stderr；stdin 不是终端时返回 nil，调用方应回退为 fail-closed
func NewTerminalPrompter() *TerminalPrompter {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// RequestApproval 打印调用信息并读取一行回答
func (p *TerminalPrompter) RequestApproval(ctx context.Context, fingerprint string, actx ApprovalContext) (ApprovalGrant, error) {
	args := actx.Args
	if p.Mask != nil {
		args = p.Mask(args)
	}
	fmt.Fprintf(p.Out, "\n[approval] %s wants to run: %s %s\n", actx.ToolID, actx.Command, strings.Join(args, " "))
	if actx.Description != "" {
		fmt.Fprintf(p.Out, "           %s\n", actx.Description)
	}
	if actx.Cwd != "" {
		fmt.Fprintf(p.Out, "           cwd: %s\n", actx.Cwd)
	}
	fmt.Fprint(p.Out, "Approve? [y/N] ")

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- strings.TrimSpace(strings.ToLower(line))
	}()

	select {
	case <-ctx.Done():
		return ApprovalGrant{}, ctx.Err()
	case err := <-errc:
		return ApprovalGrant{}, fmt.Errorf("read approval answer: %w", err)
	case a := <-answer:
		if a == "y" || a == "yes" {
			return ApprovalGrant{Granted: true, Scope: "session", GrantedAt: time.Now(), Reason: "approved in terminal"}, nil
		}
		return ApprovalGrant{Granted: false, Reason: "declined in terminal"}, nil
	}
}
