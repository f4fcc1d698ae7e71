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

package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"exec-runtime/internal/exec/event"
	"exec-runtime/internal/exec/handle"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func issueWithFrames(t *testing.T, svc *handle.Service, n int) string {
	t.Helper()
	d := svc.IssueHandle("corr")
	for i := 0; i < n; i++ {
		ev := event.New("corr", 1, fixedNow, event.ChunkPayload{Stream: event.StreamStdout, Sequence: int64(i + 1), Bytes: 2, Data: "x\n"})
		if _, _, err := svc.Append(d.ID, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return d.ID
}

type memSink struct {
	mu     sync.Mutex
	frames map[string][]event.ExecFrame
	done   map[string]bool
}

func newMemSink() *memSink {
	return &memSink{frames: map[string][]event.ExecFrame{}, done: map[string]bool{}}
}

func (s *memSink) WriteFrames(ctx context.Context, handleID string, frames []event.ExecFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[handleID] = append(s.frames[handleID], frames...)
	return nil
}

func (s *memSink) Done(ctx context.Context, handleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[handleID] = true
	return nil
}

func (s *memSink) Close() error { return nil }

func TestFollow_ReplaysAndStopsOnClose(t *testing.T) {
	svc := handle.NewService(handle.Options{})
	id := issueWithFrames(t, svc, 3)
	sink := newMemSink()

	done := make(chan FollowStats, 1)
	go func() {
		stats, err := Follow(context.Background(), svc, id, sink, FollowOptions{BatchSize: 2})
		if err != nil {
			t.Errorf("follow: %v", err)
		}
		done <- stats
	}()

	// 等待订阅建立后再追加与关闭
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, _ := svc.Descriptor(id)
		if d.Subscribers == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(time.Millisecond)
	}
	if _, _, err := svc.Append(id, event.New("corr", 1, fixedNow, event.EndPayload{Status: event.StatusSucceeded})); err != nil {
		t.Fatalf("append end: %v", err)
	}
	if err := svc.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case stats := <-done:
		if stats.Frames != 4 {
			t.Fatalf("frames = %d, want 4", stats.Frames)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not finish after close")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	got := sink.frames[id]
	for i, f := range got {
		if f.Sequence != int64(i+1) {
			t.Fatalf("frame %d has sequence %d", i, f.Sequence)
		}
	}
	if !sink.done[id] {
		t.Fatal("sink not notified of end of stream")
	}
}

func TestFollow_UnknownHandle(t *testing.T) {
	svc := handle.NewService(handle.Options{})
	if _, err := Follow(context.Background(), svc, "missing", newMemSink(), FollowOptions{}); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestFollow_ContextCancel(t *testing.T) {
	svc := handle.NewService(handle.Options{})
	id := issueWithFrames(t, svc, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Follow(ctx, svc, id, newMemSink(), FollowOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func testDirSinkRoundTrip(t *testing.T, compress bool) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir, compress)
	if err != nil {
		t.Fatalf("NewDirSink: %v", err)
	}
	defer sink.Close()

	svc := handle.NewService(handle.Options{})
	id := issueWithFrames(t, svc, 5)
	if err := svc.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}

	a := NewArchiver(context.Background(), svc, sink, FollowOptions{}, nil)
	if err := a.Track(id); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := a.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	path := sink.PathFor(id)
	if compress != strings.HasSuffix(path, ".zst") {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("archive file missing: %v", err)
	}
	frames, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}
	c, ok := frames[4].Event.Chunk()
	if !ok || c.Data != "x\n" || frames[4].Sequence != 5 {
		t.Fatalf("unexpected last frame %+v", frames[4])
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("archive written outside %s", dir)
	}
}

func TestDirSink_Plain(t *testing.T) { testDirSinkRoundTrip(t, false) }

func TestDirSink_Zstd(t *testing.T) { testDirSinkRoundTrip(t, true) }

func TestArchiver_TrackUnknownHandle(t *testing.T) {
	svc := handle.NewService(handle.Options{})
	a := NewArchiver(context.Background(), svc, newMemSink(), FollowOptions{}, nil)
	if err := a.Track("missing"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("EXEC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("EXEC_TEST_PG_DSN not set, skipping Postgres archive tests")
	}
	ctx := context.Background()
	sink, err := NewPostgresSink(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresSink: %v", err)
	}
	defer sink.Close()

	svc := handle.NewService(handle.Options{})
	id := issueWithFrames(t, svc, 3)
	_, _ = sink.pool.Exec(ctx, `DELETE FROM exec_frames WHERE handle_id = $1`, id)
	if err := svc.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := Follow(ctx, svc, id, sink, FollowOptions{}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	// 重复写入被忽略
	frames, _ := svc.Snapshot(id, 0)
	if err := sink.WriteFrames(ctx, id, frames); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	got, err := sink.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d frames, want 3", len(got))
	}
	if got[2].Sequence != 3 || got[2].Event.Type != event.TypeChunk {
		t.Fatalf("unexpected frame %+v", got[2])
	}
}
