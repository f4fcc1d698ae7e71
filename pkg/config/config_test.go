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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exec.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9000
  host: "127.0.0.1"
exec:
  max_buffer_bytes: 1024
  retry:
    max_attempts: 5
    initial_delay: "100ms"
privacy:
  mode: enforce
log:
  level: "debug"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Exec.MaxBufferBytes != 1024 {
		t.Errorf("Exec.MaxBufferBytes: got %d", cfg.Exec.MaxBufferBytes)
	}
	if cfg.Exec.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts: got %d", cfg.Exec.Retry.MaxAttempts)
	}
	// 未配置的字段取默认值
	if cfg.Exec.Retry.MaxDelay != "5s" {
		t.Errorf("Retry.MaxDelay default: got %q", cfg.Exec.Retry.MaxDelay)
	}
	if cfg.Privacy.Mode != "enforce" {
		t.Errorf("Privacy.Mode: got %q", cfg.Privacy.Mode)
	}
	if cfg.Handles.MaxQueueSize != 32 {
		t.Errorf("Handles.MaxQueueSize default: got %d", cfg.Handles.MaxQueueSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := Default()
	if cfg.Privacy.Mode != "shadow" {
		t.Errorf("default privacy mode: got %q", cfg.Privacy.Mode)
	}
	if cfg.Exec.MaxBufferBytes != 64*1024 {
		t.Errorf("default buffer: got %d", cfg.Exec.MaxBufferBytes)
	}
	if cfg.Approval.Policy != "on-request" {
		t.Errorf("default approval policy: got %q", cfg.Approval.Policy)
	}
	d, err := ParseDuration(cfg.Exec.Retry.InitialDelay)
	if err != nil || d != 250*time.Millisecond {
		t.Errorf("default initial delay: got %v, %v", d, err)
	}
}

func TestLoadConfig_InvalidMode(t *testing.T) {
	path := writeConfig(t, "privacy:\n  mode: loud\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid privacy mode")
	}
}

func TestLoadConfig_PostgresArchiveNeedsDSN(t *testing.T) {
	path := writeConfig(t, "archive:\n  type: postgres\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when archive dsn missing")
	}
}

func TestLoadConfig_ExpandsEnvSecrets(t *testing.T) {
	t.Setenv("EXEC_TEST_REDIS_PW", "s3cr3t-pass")
	path := writeConfig(t, `
approval:
  cache:
    type: redis
    addr: "127.0.0.1:6379"
    password: "${EXEC_TEST_REDIS_PW}"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Approval.Cache.Password != "s3cr3t-pass" {
		t.Errorf("password not expanded: %q", cfg.Approval.Cache.Password)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfig_ShippedExecYAML(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "exec.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Exec.InheritEnv || len(cfg.Exec.BaseEnv) != 1 || cfg.Exec.BaseEnv[0] != "LANG=C.UTF-8" {
		t.Errorf("exec env section not loaded: %+v", cfg.Exec)
	}
	if tl, ok := cfg.RateLimits.Tools["exec"]; !ok || tl.MaxConcurrent != 8 {
		t.Errorf("rate_limits.tools.exec: got %+v", cfg.RateLimits.Tools)
	}
	if ttl, err := ParseDuration(cfg.Approval.TTL); err != nil || ttl != 24*time.Hour {
		t.Errorf("approval.ttl: got %v, %v", ttl, err)
	}
}
