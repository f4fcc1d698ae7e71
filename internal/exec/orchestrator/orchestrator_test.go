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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "exec-runtime/pkg/errors"
)

func gated() Invocation {
	return Invocation{
		ID:               "inv-1",
		Tool:             "shell",
		Command:          "rm",
		Args:             []string{"-rf", "build"},
		RequiresApproval: true,
	}
}

func countingAttempt(calls *atomic.Int32, err error) AttemptFunc {
	return func(ctx context.Context, actx AttemptContext) error {
		calls.Add(1)
		return err
	}
}

func TestInvoke_NoPrompterFailsClosed(t *testing.T) {
	o := New(Options{})
	var calls atomic.Int32
	_, err := o.Invoke(context.Background(), gated(), AttemptContext{Attempt: 1}, countingAttempt(&calls, nil))

	var required *ApprovalRequiredError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, "shell", required.Tool)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrForbidden))
	assert.Zero(t, calls.Load(), "executor must never run without approval")
}

func TestInvoke_NotRequired(t *testing.T) {
	o := New(Options{})
	var calls atomic.Int32
	inv := gated()
	inv.RequiresApproval = false
	res, err := o.Invoke(context.Background(), inv, AttemptContext{Attempt: 1}, countingAttempt(&calls, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.EqualValues(t, 1, calls.Load())
}

func TestAuthorize_PromptWritesThroughCache(t *testing.T) {
	cache := NewMemoryApprovalCache(0)
	var prompts atomic.Int32
	o := New(Options{
		Cache: cache,
		Prompter: PrompterFunc(func(ctx context.Context, fp string, actx ApprovalContext) (ApprovalGrant, error) {
			prompts.Add(1)
			assert.Equal(t, []string{"-rf", "build"}, actx.Args)
			return ApprovalGrant{Granted: true, Scope: "session"}, nil
		}),
	})

	authz, err := o.Authorize(context.Background(), gated())
	require.NoError(t, err)
	assert.Equal(t, SourcePrompt, authz.Source)
	assert.False(t, authz.GrantedAt.IsZero())

	authz, err = o.Authorize(context.Background(), gated())
	require.NoError(t, err)
	assert.Equal(t, SourceCache, authz.Source)
	assert.EqualValues(t, 1, prompts.Load())

	g, ok, err := cache.Get(context.Background(), gated().Fingerprint())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, g.Granted)
	assert.Equal(t, "session", g.Scope)
}

func TestAuthorize_Denied(t *testing.T) {
	o := New(Options{Prompter: PrompterFunc(func(ctx context.Context, fp string, actx ApprovalContext) (ApprovalGrant, error) {
		return ApprovalGrant{Granted: false, Reason: "not today"}, nil
	})})
	_, err := o.Authorize(context.Background(), gated())
	var denied *ApprovalDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, err.Error(), "not today")
}

func TestAuthorize_PolicyNever(t *testing.T) {
	cache := NewMemoryApprovalCache(0)
	var prompts atomic.Int32
	o := New(Options{
		Policy: PolicyNever,
		Cache:  cache,
		Prompter: PrompterFunc(func(ctx context.Context, fp string, actx ApprovalContext) (ApprovalGrant, error) {
			prompts.Add(1)
			return ApprovalGrant{Granted: true}, nil
		}),
	})
	_, err := o.Authorize(context.Background(), gated())
	var required *ApprovalRequiredError
	require.ErrorAs(t, err, &required)
	assert.Equal(t, PolicyNever, required.Policy)
	assert.Zero(t, prompts.Load())

	// 预先写入的授权仍然有效
	require.NoError(t, cache.Set(context.Background(), gated().Fingerprint(), ApprovalGrant{Granted: true, GrantedAt: time.Now()}))
	authz, err := o.Authorize(context.Background(), gated())
	require.NoError(t, err)
	assert.Equal(t, SourceCache, authz.Source)
}

func TestAuthorize_PrompterHonoursContext(t *testing.T) {
	o := New(Options{Prompter: PrompterFunc(func(ctx context.Context, fp string, actx ApprovalContext) (ApprovalGrant, error) {
		<-ctx.Done()
		return ApprovalGrant{}, ctx.Err()
	})})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.Authorize(ctx, gated())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (ApprovalGrant, bool, error) {
	return ApprovalGrant{}, false, errors.New("connection refused")
}

func (failingCache) Set(context.Context, string, ApprovalGrant) error { return nil }

func TestAuthorize_CacheErrorTreatedAsMiss(t *testing.T) {
	o := New(Options{Cache: failingCache{}})
	_, err := o.Authorize(context.Background(), gated())
	var required *ApprovalRequiredError
	require.ErrorAs(t, err, &required)
}

func TestExecute_Classification(t *testing.T) {
	o := New(Options{})
	inv := gated()
	inv.RequiresApproval = false
	authz, err := o.Authorize(context.Background(), inv)
	require.NoError(t, err)

	res := o.Execute(context.Background(), authz, AttemptContext{Attempt: 1}, func(ctx context.Context, actx AttemptContext) error {
		assert.Equal(t, SandboxStateSandboxed, actx.SandboxState)
		return nil
	})
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, SandboxStateSandboxed, res.NextState)

	retryable := NewSandboxRetryable("seccomp denied", SandboxStateUnsandboxed)
	res = o.Execute(context.Background(), authz, AttemptContext{Attempt: 1, SandboxState: SandboxStateSandboxed},
		func(context.Context, AttemptContext) error { return fmt.Errorf("spawn: %w", retryable) })
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.Equal(t, SandboxStateUnsandboxed, res.NextState)
	assert.ErrorIs(t, res.Err, retryable)

	boom := errors.New("exit status 2")
	res = o.Execute(context.Background(), authz, AttemptContext{Attempt: 2},
		func(context.Context, AttemptContext) error { return boom })
	assert.Equal(t, OutcomeFailed, res.Outcome)
	var failed *ToolInvocationFailedError
	require.ErrorAs(t, res.Err, &failed)
	assert.Equal(t, 2, failed.Attempt)
	assert.ErrorIs(t, res.Err, boom)
	assert.Contains(t, res.Err.Error(), "after 2 attempts")
}

func TestExecute_CustomClassifier(t *testing.T) {
	o := New(Options{})
	transient := errors.New("EAGAIN")
	inv := Invocation{ID: "i", Tool: "t", Sandbox: SandboxOptions{
		InitialState: SandboxStateUnsandboxed,
		Classify: func(err error) (RetryDecision, bool) {
			if errors.Is(err, transient) {
				return RetryDecision{Retry: true}, true
			}
			return RetryDecision{}, false
		},
	}}
	authz, err := o.Authorize(context.Background(), inv)
	require.NoError(t, err)
	res := o.Execute(context.Background(), authz, AttemptContext{Attempt: 1},
		func(context.Context, AttemptContext) error { return transient })
	assert.Equal(t, OutcomeRetryable, res.Outcome)
	assert.Equal(t, SandboxStateUnsandboxed, res.NextState)
}

func TestExecute_RejectsForgedAuthorization(t *testing.T) {
	o := New(Options{})
	other := New(Options{})
	authz, err := other.Authorize(context.Background(), Invocation{ID: "i", Tool: "t"})
	require.NoError(t, err)

	var calls atomic.Int32
	for _, a := range []Authorization{{}, authz} {
		res := o.Execute(context.Background(), a, AttemptContext{Attempt: 1}, countingAttempt(&calls, nil))
		assert.Equal(t, OutcomeFailed, res.Outcome)
		var required *ApprovalRequiredError
		assert.ErrorAs(t, res.Err, &required)
	}
	assert.Zero(t, calls.Load())
}

func TestFingerprint(t *testing.T) {
	a := gated()
	b := gated()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	b.Args = []string{"-rf", "dist"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	// 参数边界参与哈希
	c := gated()
	c.Args = []string{"-rfbuild"}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	d := gated()
	d.ApprovalKey = "deploy:prod"
	assert.Equal(t, "deploy:prod", d.Fingerprint())
	assert.True(t, strings.HasPrefix(a.Fingerprint(), "sha256:"))
}

func TestMemoryApprovalCache_TTL(t *testing.T) {
	cache := NewMemoryApprovalCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	require.NoError(t, cache.Set(context.Background(), "fp", ApprovalGrant{Granted: true, GrantedAt: now}))

	_, ok, _ := cache.Get(context.Background(), "fp")
	assert.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok, _ = cache.Get(context.Background(), "fp")
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}

func TestRedisApprovalCache(t *testing.T) {
	addr := os.Getenv("EXEC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXEC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	prefix := fmt.Sprintf("exec:test:%d:", time.Now().UnixNano())
	cache := NewRedisApprovalCache(client, prefix, time.Minute)
	_, ok, err := cache.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "fp", ApprovalGrant{Granted: true, Scope: "session", GrantedAt: time.Now()}))
	g, ok, err := cache.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session", g.Scope)
	client.Del(ctx, prefix+"fp")
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("y\n"), Out: &out, Mask: func(a []string) []string {
		return []string{"[masked]"}
	}}
	g, err := p.RequestApproval(context.Background(), "fp", ApprovalContext{ToolID: "shell", Command: "deploy", Args: []string{"--token=abcdef123456"}})
	require.NoError(t, err)
	assert.True(t, g.Granted)
	assert.Contains(t, out.String(), "deploy [masked]")
	assert.NotContains(t, out.String(), "abcdef123456")

	p = &TerminalPrompter{In: strings.NewReader("\n"), Out: &out}
	g, err = p.RequestApproval(context.Background(), "fp", ApprovalContext{ToolID: "shell"})
	require.NoError(t, err)
	assert.False(t, g.Granted)
}
