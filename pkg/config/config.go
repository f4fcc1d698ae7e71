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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Exec       ExecConfig       `mapstructure:"exec"`
	Handles    HandlesConfig    `mapstructure:"handles"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port      int        `mapstructure:"port"`
	Host      string     `mapstructure:"host"`
	Timeout   string     `mapstructure:"timeout"`
	RateLimit int        `mapstructure:"rate_limit"` // 全局每秒请求数，0 不限流
	Grpc      GrpcConfig `mapstructure:"grpc"`
}

// GrpcConfig gRPC 服务配置
type GrpcConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// ExecConfig 执行器配置：输出缓冲、shell 与默认重试策略
type ExecConfig struct {
	MaxBufferBytes int         `mapstructure:"max_buffer_bytes"` // 每个流保留的聚合输出上限，<=0 不保留
	Shell          string      `mapstructure:"shell"`            // shell 模式使用的解释器，默认 /bin/sh
	BaseEnv        []string    `mapstructure:"base_env"`         // 会话环境的基础变量，KEY=VALUE（viper 会把 map 键转为小写）
	InheritEnv     bool        `mapstructure:"inherit_env"`      // 为 true 时基础环境包含当前进程环境
	Retry          RetryConfig `mapstructure:"retry"`
}

// RetryConfig 沙箱可重试失败的退避策略
type RetryConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	InitialDelay  string  `mapstructure:"initial_delay"` // 如 "250ms"
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	MaxDelay      string  `mapstructure:"max_delay"`
}

// HandlesConfig 句柄服务配置
type HandlesConfig struct {
	MaxQueueSize      int    `mapstructure:"max_queue_size"`      // 订阅默认队列长度
	MaxRetainedFrames int    `mapstructure:"max_retained_frames"` // 0 表示句柄打开期间不淘汰帧
	RetainClosed      string `mapstructure:"retain_closed"`       // 关闭后保留时长，空或 0 表示直到显式删除
	ScanInterval      string `mapstructure:"scan_interval"`       // 留存扫描间隔
}

// PrivacyConfig 隐私守卫配置
type PrivacyConfig struct {
	Mode         string `mapstructure:"mode"`          // enforce | shadow
	RulesFile    string `mapstructure:"rules_file"`    // 额外规则 YAML，可选
	MaxDecisions int    `mapstructure:"max_decisions"` // 决策日志上限，0 不限
}

// ApprovalConfig 审批策略与缓存
type ApprovalConfig struct {
	Policy string      `mapstructure:"policy"` // on-request | never
	TTL    string      `mapstructure:"ttl"`    // 审批缓存有效期，空为永久
	Cache  CacheConfig `mapstructure:"cache"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// ArchiveConfig 帧归档配置（订阅句柄并持久化）
type ArchiveConfig struct {
	Type string `mapstructure:"type"` // none | file | postgres
	Path string `mapstructure:"path"` // type=file 时的目录，文件名以 .ndjson.zst 结尾时启用压缩
	DSN  string `mapstructure:"dsn"`  // type=postgres 时必填
	Zstd bool   `mapstructure:"zstd"`
}

// RateLimitsConfig 限流配置
type RateLimitsConfig struct {
	Tools map[string]ToolRateLimitConfig `mapstructure:"tools"`
}

// ToolRateLimitConfig 单个 Tool 的限流配置
type ToolRateLimitConfig struct {
	QPS           float64 `mapstructure:"qps"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Burst         int     `mapstructure:"burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.grpc.port", 9090)
	v.SetDefault("exec.max_buffer_bytes", 64*1024)
	v.SetDefault("exec.shell", "/bin/sh")
	v.SetDefault("exec.inherit_env", true)
	v.SetDefault("exec.retry.max_attempts", 3)
	v.SetDefault("exec.retry.initial_delay", "250ms")
	v.SetDefault("exec.retry.backoff_factor", 2.0)
	v.SetDefault("exec.retry.max_delay", "5s")
	v.SetDefault("handles.max_queue_size", 32)
	v.SetDefault("handles.scan_interval", "1m")
	v.SetDefault("privacy.mode", "shadow")
	v.SetDefault("approval.policy", "on-request")
	v.SetDefault("approval.cache.type", "memory")
	v.SetDefault("approval.cache.prefix", "exec:approval:")
	v.SetDefault("archive.type", "none")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.tracing.service_name", "exec-runtime")
}

// LoadConfig 加载配置文件；configPath 为空时只使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default 返回仅含默认值的配置，CLI 本地执行时使用
func Default() *Config {
	cfg, err := LoadConfig("")
	if err != nil {
		// 默认值本身不应校验失败
		panic(err)
	}
	return cfg
}

// Validate 校验枚举与时长字段
func (c *Config) Validate() error {
	switch c.Privacy.Mode {
	case "enforce", "shadow":
	default:
		return fmt.Errorf("privacy.mode 非法: %q", c.Privacy.Mode)
	}
	switch c.Approval.Policy {
	case "on-request", "never":
	default:
		return fmt.Errorf("approval.policy 非法: %q", c.Approval.Policy)
	}
	switch c.Archive.Type {
	case "", "none", "file", "postgres":
	default:
		return fmt.Errorf("archive.type 非法: %q", c.Archive.Type)
	}
	if c.Archive.Type == "postgres" && c.Archive.DSN == "" {
		return fmt.Errorf("archive.type=postgres 时 archive.dsn 必填")
	}
	for key, s := range map[string]string{
		"exec.retry.initial_delay": c.Exec.Retry.InitialDelay,
		"exec.retry.max_delay":     c.Exec.Retry.MaxDelay,
		"approval.ttl":             c.Approval.TTL,
		"api.timeout":              c.API.Timeout,
		"handles.retain_closed":    c.Handles.RetainClosed,
		"handles.scan_interval":    c.Handles.ScanInterval,
	} {
		if _, err := ParseDuration(s); err != nil {
			return fmt.Errorf("%s 非法: %w", key, err)
		}
	}
	return nil
}

// ParseDuration 解析配置中的时长，空串返回 0
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// replaceEnvVars 替换 ${VAR} 形式的敏感配置
func replaceEnvVars(config *Config) {
	config.Approval.Cache.Password = expandEnv(config.Approval.Cache.Password)
	config.Archive.DSN = expandEnv(config.Archive.DSN)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// LoadAPIConfig 加载 API 配置（configs/exec.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/exec.yaml")
}
