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

package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger 简单封装，供 internal 使用
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Config 日志配置（可与 config 包对接）
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level，未知值回退为 info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger 根据配置创建 Logger，cfg 可为 nil 使用默认
func NewLogger(cfg *Config) (*Logger, error) {
	level := slog.LevelInfo
	if cfg != nil && cfg.Level != "" {
		level = ParseLevel(cfg.Level)
	}
	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg != nil && cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("无法打开日志文件 %s: %w", cfg.File, err)
		}
		out, closer = f, f
	}
	return newLogger(out, level, cfg != nil && cfg.Format == "text", closer), nil
}

// NewWriterLogger 输出到指定 writer，CLI 用 stderr 避免污染 NDJSON 输出
func NewWriterLogger(w io.Writer, level slog.Level, text bool) *Logger {
	return newLogger(w, level, text, nil)
}

func newLogger(w io.Writer, level slog.Level, text bool, closer io.Closer) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if text {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h), closer: closer}
}

// Nop 丢弃所有输出，测试与未注入 logger 时使用
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With 返回附带固定字段的子 Logger
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Close 关闭文件输出（若有）
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// OrNop 允许组件接受 nil logger
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}
