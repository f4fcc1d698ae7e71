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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"exec-runtime/internal/exec/event"
)

const (
	extNDJSON = ".ndjson"
	extZstd   = ".zst"
)

// DirSink 每个句柄一个 NDJSON 文件：<dir>/<handleID>.ndjson[.zst]
type DirSink struct {
	dir      string
	compress bool

	mu    sync.Mutex
	files map[string]*frameFile
}

type frameFile struct {
	f   *os.File
	zw  *zstd.Encoder
	bw  *bufio.Writer
	enc *event.Encoder
}

// NewDirSink 创建目录（若不存在）
func NewDirSink(dir string, compress bool) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &DirSink{dir: dir, compress: compress, files: make(map[string]*frameFile)}, nil
}

// PathFor 句柄对应的归档文件路径
func (s *DirSink) PathFor(handleID string) string {
	name := filepath.Base(handleID) + extNDJSON
	if s.compress {
		name += extZstd
	}
	return filepath.Join(s.dir, name)
}

// WriteFrames 实现 Sink
func (s *DirSink) WriteFrames(ctx context.Context, handleID string, frames []event.ExecFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ff, err := s.openLocked(handleID)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := ff.enc.Encode(f); err != nil {
			return err
		}
	}
	return ff.bw.Flush()
}

// Done 实现 Sink：关闭句柄的文件，zstd 帧在此写完
func (s *DirSink) Done(ctx context.Context, handleID string) error {
	s.mu.Lock()
	ff, ok := s.files[handleID]
	delete(s.files, handleID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return ff.close()
}

// Close 关闭所有仍打开的文件
func (s *DirSink) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = make(map[string]*frameFile)
	s.mu.Unlock()
	var first error
	for _, ff := range files {
		if err := ff.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *DirSink) openLocked(handleID string) (*frameFile, error) {
	if ff, ok := s.files[handleID]; ok {
		return ff, nil
	}
	f, err := os.OpenFile(s.PathFor(handleID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", handleID, err)
	}
	ff := &frameFile{f: f}
	var w io.Writer = f
	if s.compress {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, err
		}
		ff.zw = zw
		w = zw
	}
	ff.bw = bufio.NewWriter(w)
	ff.enc = event.NewEncoder(ff.bw)
	s.files[handleID] = ff
	return ff, nil
}

func (ff *frameFile) close() error {
	err := ff.bw.Flush()
	if ff.zw != nil {
		if zerr := ff.zw.Close(); err == nil {
			err = zerr
		}
	}
	if cerr := ff.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadFile 读取归档文件，以 .zst 结尾时先解压
func ReadFile(path string) ([]event.ExecFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, extZstd) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	return event.ReadAll(r)
}
