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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-runtime/internal/api/http/middleware"
	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
	"exec-runtime/internal/exec/orchestrator"
	"exec-runtime/internal/exec/runner"
	"exec-runtime/internal/exec/session"
	"exec-runtime/pkg/errors"
	"exec-runtime/pkg/log"
	"exec-runtime/pkg/retention"
)

type testServer struct {
	h        *server.Hertz
	handler  *Handler
	handles  *handle.Service
	sessions *session.Manager
	calls    int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.handles = handle.NewService(handle.Options{})
	ts.sessions = session.NewManager(session.Config{Factory: session.EnvFactory()})
	cache := orchestrator.NewMemoryApprovalCache(0)
	orch := orchestrator.New(orchestrator.Options{Cache: cache})
	r := runner.New(runner.Config{
		Orchestrator: orch,
		Sessions:     ts.sessions,
		Handles:      ts.handles,
		Executor: func(ctx context.Context, req runner.ExecRequest) (runner.ExecResult, error) {
			ts.calls++
			_, _ = req.Stdout.Write([]byte("hello\n"))
			code := 0
			return runner.ExecResult{ExitCode: &code}, nil
		},
		Wait: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})

	handler := NewHandler(r, nil)
	handler.SetSessionManager(ts.sessions)
	handler.SetApprovalCache(cache)
	ts.handler = handler

	ts.h = server.Default(server.WithHostPorts(":0"))
	NewRouter(handler, middleware.NewMiddleware(log.Nop())).Register(ts.h)
	return ts
}

func (ts *testServer) do(method, path string, body any) *protocol.Response {
	var b *ut.Body
	if body != nil {
		raw, _ := json.Marshal(body)
		b = &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}
	}
	return ut.PerformRequest(ts.h.Engine, method, path, b,
		ut.Header{Key: "Content-Type", Value: "application/json"}).Result()
}

func decode(t *testing.T, w *protocol.Response, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body(), v), "body: %s", w.Body())
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("GET", "/api/health", nil)
	assert.Equal(t, 200, w.StatusCode())

	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestRunCommand_SyncLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/api/exec/run", RunRequest{Command: "echo", Args: []string{"hello"}, CorrelationID: "c-1"})
	require.Equal(t, 200, w.StatusCode(), string(w.Body()))
	var res runner.Result
	decode(t, w, &res)
	assert.Equal(t, runner.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "c-1", res.CorrelationID)
	require.NotEmpty(t, res.HandleID)

	w = ts.do("GET", "/api/exec/handles/"+res.HandleID, nil)
	require.Equal(t, 200, w.StatusCode())
	var d handle.Descriptor
	decode(t, w, &d)
	assert.Equal(t, handle.StatusClosed, d.Status)
	assert.Equal(t, int64(3), d.LatestSequence)

	w = ts.do("GET", "/api/exec/handles/"+res.HandleID+"/snapshot?limit=1", nil)
	require.Equal(t, 200, w.StatusCode())
	var snap struct {
		Frames []event.ExecFrame `json:"frames"`
	}
	decode(t, w, &snap)
	require.Len(t, snap.Frames, 1)
	assert.Equal(t, int64(3), snap.Frames[0].Sequence)
	assert.Equal(t, event.TypeEnd, snap.Frames[0].Event.Type)

	w = ts.do("GET", "/api/exec/handles", nil)
	require.Equal(t, 200, w.StatusCode())
	var list struct {
		Total int `json:"total"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)

	w = ts.do("DELETE", "/api/exec/handles/"+res.HandleID, nil)
	assert.Equal(t, 204, w.StatusCode())
	w = ts.do("GET", "/api/exec/handles/"+res.HandleID, nil)
	assert.Equal(t, 404, w.StatusCode())
}

func TestRunCommand_Validation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/api/exec/run", RunRequest{})
	assert.Equal(t, 400, w.StatusCode())

	w = ut.PerformRequest(ts.h.Engine, "POST", "/api/exec/run",
		&ut.Body{Body: strings.NewReader("{"), Len: 1}).Result()
	assert.Equal(t, 400, w.StatusCode())
	assert.Equal(t, 0, ts.calls)
}

func TestRunCommand_ApprovalFlow(t *testing.T) {
	ts := newTestServer(t)
	req := RunRequest{Command: "rm", Args: []string{"-rf", "build"}, RequiresApproval: true}

	w := ts.do("POST", "/api/exec/run", req)
	require.Equal(t, 403, w.StatusCode(), string(w.Body()))
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, string(runner.OutcomeApprovalRequired), body["outcome"])
	assert.Equal(t, 0, ts.calls)

	// 审批失败的句柄没有任何帧且已关闭
	hid, _ := body["handleId"].(string)
	require.NotEmpty(t, hid)
	d, err := ts.handles.Descriptor(hid)
	require.NoError(t, err)
	assert.Equal(t, handle.StatusClosed, d.Status)
	assert.Equal(t, int64(0), d.FrameCount)

	w = ts.do("POST", "/api/approvals", ApprovalRequest{Command: "rm", Args: []string{"-rf", "build"}, Reason: "cleanup"})
	require.Equal(t, 200, w.StatusCode(), string(w.Body()))

	w = ts.do("POST", "/api/exec/run", req)
	require.Equal(t, 200, w.StatusCode(), string(w.Body()))
	var res runner.Result
	decode(t, w, &res)
	assert.Equal(t, runner.OutcomeSucceeded, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, orchestrator.SourceCache, res.Record.ApprovalSource)
	assert.Equal(t, 1, ts.calls)
}

func TestGrantApproval_RequiresFingerprintOrCommand(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("POST", "/api/approvals", ApprovalRequest{})
	assert.Equal(t, 400, w.StatusCode())
}

func TestHandleErrors(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, 404, ts.do("POST", "/api/exec/handles/missing/close", nil).StatusCode())
	assert.Equal(t, 404, ts.do("GET", "/api/exec/handles/missing/snapshot", nil).StatusCode())

	d := ts.handles.IssueHandle("c")
	assert.Equal(t, 400, ts.do("GET", "/api/exec/handles/"+d.ID+"/snapshot?limit=abc", nil).StatusCode())
	assert.Equal(t, 400, ts.do("DELETE", "/api/exec/handles/"+d.ID, nil).StatusCode())

	assert.Equal(t, 200, ts.do("POST", "/api/exec/handles/"+d.ID+"/close", nil).StatusCode())
	assert.Equal(t, 409, ts.do("POST", "/api/exec/handles/"+d.ID+"/close", nil).StatusCode())
}

func TestSessionsAndPrivacyMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("GET", "/api/exec/sessions", nil)
	require.Equal(t, 200, w.StatusCode())
	var body struct {
		Total int `json:"total"`
	}
	decode(t, w, &body)
	assert.Equal(t, 0, body.Total)

	// 未配置守卫
	assert.Equal(t, 404, ts.do("GET", "/api/privacy/metrics", nil).StatusCode())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.handles.IssueHandle("c")

	w := ts.do("GET", "/metrics", nil)
	require.Equal(t, 200, w.StatusCode())
	assert.Contains(t, string(w.Body()), "exec_handles_open")
}

func TestPipeFrames_ReplaysClosedHandle(t *testing.T) {
	svc := handle.NewService(handle.Options{})
	d := svc.IssueHandle("c")
	for i := 0; i < 3; i++ {
		_, _, err := svc.Append(d.ID, event.New("c", 1, time.Time{}, event.ChunkPayload{Stream: event.StreamStdout, Data: "x"}))
		require.NoError(t, err)
	}
	require.NoError(t, svc.Close(d.ID))

	sub, err := svc.Subscribe(d.ID, "pipe", handle.SubscribeOptions{FromSequence: 2})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, pipeFrames(sub, &buf))
	frames, err := event.ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(2), frames[0].Sequence)
	assert.Equal(t, int64(3), frames[1].Sequence)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, 404, statusFor(handle.ErrHandleNotFound))
	assert.Equal(t, 409, statusFor(handle.ErrHandleClosed))
	assert.Equal(t, 400, statusFor(handle.ErrHandleOpen))
	assert.Equal(t, 403, statusFor(&orchestrator.ApprovalDeniedError{}))
	assert.Equal(t, 422, statusFor(&orchestrator.ToolInvocationFailedError{}))
	assert.Equal(t, 429, statusFor(errors.Wrap(errors.ErrRateLimited, "tool exec")))
	assert.Equal(t, 500, statusFor(context.DeadlineExceeded))
}

func TestTombstones(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("GET", "/api/exec/tombstones", nil)
	require.Equal(t, 200, w.StatusCode())
	var body struct {
		Total int `json:"total"`
	}
	decode(t, w, &body)
	assert.Equal(t, 0, body.Total)

	d := ts.handles.IssueHandle("c")
	require.NoError(t, ts.handles.Close(d.ID))
	engine := retention.NewEngine(retention.Config{Enable: true, RetainClosed: time.Nanosecond},
		retentionScanner{ts.handles}, ts.handles, retention.Options{Now: func() time.Time { return time.Now().Add(time.Hour) }})
	ts.handler.SetRetention(engine)
	n, err := engine.RunScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w = ts.do("GET", "/api/exec/tombstones?limit=10", nil)
	require.Equal(t, 200, w.StatusCode())
	decode(t, w, &body)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 404, ts.do("GET", "/api/exec/handles/"+d.ID, nil).StatusCode())
}

type retentionScanner struct{ svc *handle.Service }

func (s retentionScanner) ListCandidates(context.Context) ([]retention.Candidate, error) {
	var out []retention.Candidate
	for _, d := range s.svc.Handles() {
		if d.ClosedAt != nil {
			out = append(out, retention.Candidate{HandleID: d.ID, ClosedAt: *d.ClosedAt})
		}
	}
	return out, nil
}
