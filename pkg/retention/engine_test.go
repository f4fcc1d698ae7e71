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

package retention

import (
	"context"
	"errors"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHandles struct {
	candidates []Candidate
	removed    []string
	failOn     string
}

func (f *fakeHandles) ListCandidates(ctx context.Context) ([]Candidate, error) {
	return f.candidates, nil
}

func (f *fakeHandles) Remove(id string) error {
	if id == f.failOn {
		return errors.New("gone")
	}
	f.removed = append(f.removed, id)
	return nil
}

// TestRetention_ShouldDelete 测试过期检测
func TestRetention_ShouldDelete(t *testing.T) {
	config := Config{Enable: true, RetainClosed: time.Hour}

	if !config.ShouldDelete(base.Add(-2*time.Hour), base) {
		t.Error("handle closed two hours ago should be deleted")
	}
	if config.ShouldDelete(base.Add(-time.Minute), base) {
		t.Error("recently closed handle should not be deleted")
	}
	if config.ShouldDelete(time.Time{}, base) {
		t.Error("handle without close time should be kept")
	}
	config.RetainClosed = 0
	if config.ShouldDelete(base.Add(-24*time.Hour), base) {
		t.Error("RetainClosed=0 keeps handles forever")
	}
}

// TestRetention_RunScan 删除过期句柄并写入 tombstone
func TestRetention_RunScan(t *testing.T) {
	handles := &fakeHandles{candidates: []Candidate{
		{HandleID: "h-old", CorrelationID: "c1", ClosedAt: base.Add(-2 * time.Hour), FrameCount: 7},
		{HandleID: "h-new", CorrelationID: "c2", ClosedAt: base.Add(-time.Minute)},
		{HandleID: "h-gone", CorrelationID: "c3", ClosedAt: base.Add(-3 * time.Hour)},
	}, failOn: "h-gone"}

	engine := NewEngine(Config{Enable: true, RetainClosed: time.Hour}, handles, handles, Options{
		Now:        func() time.Time { return base },
		ArchiveRef: func(id string) string { return "/archive/" + id + ".ndjson" },
	})

	n, err := engine.RunScan(context.Background())
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	if len(handles.removed) != 1 || handles.removed[0] != "h-old" {
		t.Fatalf("removed = %v", handles.removed)
	}

	ts, err := engine.Tombstones().ListTombstones(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListTombstones: %v", err)
	}
	if len(ts) != 1 {
		t.Fatalf("tombstones = %+v", ts)
	}
	if ts[0].Reason != ReasonExpired || ts[0].FrameCount != 7 || ts[0].ArchiveRef != "/archive/h-old.ndjson" {
		t.Errorf("tombstone = %+v", ts[0])
	}
	if !ts[0].DeletedAt.Equal(base) {
		t.Errorf("DeletedAt = %v", ts[0].DeletedAt)
	}
}

// TestRetention_Disabled 未启用时不扫描
func TestRetention_Disabled(t *testing.T) {
	handles := &fakeHandles{candidates: []Candidate{{HandleID: "h", ClosedAt: base.Add(-48 * time.Hour)}}}
	engine := NewEngine(DefaultConfig(), handles, handles, Options{Now: func() time.Time { return base }})
	n, err := engine.RunScan(context.Background())
	if err != nil || n != 0 || len(handles.removed) != 0 {
		t.Fatalf("disabled engine removed %v (n=%d, err=%v)", handles.removed, n, err)
	}
}

// TestMemoryTombstoneStore_Bounded 超出上限丢弃最旧记录
func TestMemoryTombstoneStore_Bounded(t *testing.T) {
	store := NewMemoryTombstoneStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateTombstone(ctx, Tombstone{HandleID: id}); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := store.ListTombstones(ctx, 0)
	if len(all) != 2 || all[0].HandleID != "b" || all[1].HandleID != "c" {
		t.Fatalf("tombstones = %+v", all)
	}
	last, _ := store.ListTombstones(ctx, 1)
	if len(last) != 1 || last[0].HandleID != "c" {
		t.Fatalf("limit 1 = %+v", last)
	}
}
