package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/CLI 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunDuration, RunTotal, RetryTotal,
		ChunkBytesTotal, FramesAppendedTotal, FramesDroppedTotal,
		PrivacyDecisionsTotal, ApprovalsTotal,
		SessionsActive, HandlesOpen,
	)
}

// RunDuration 单次逻辑执行耗时（秒），含全部重试
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "exec_run_duration_seconds",
		Help:    "执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// RunTotal 执行总数（按结果）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exec_run_total",
		Help: "执行总数（按结果）",
	},
	[]string{"outcome"}, // succeeded | failed | retries-exhausted | approval-required | approval-denied
)

// RetryTotal 沙箱可重试失败触发的重试次数
var RetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exec_retry_total",
		Help: "重试次数",
	},
	[]string{"tool"},
)

// ChunkBytesTotal 输出字节数
var ChunkBytesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exec_chunk_bytes_total",
		Help: "stdout/stderr 输出字节数",
	},
	[]string{"stream"},
)

// FramesAppendedTotal 句柄服务追加的帧数
var FramesAppendedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exec_frames_appended_total",
		Help: "追加的帧数（按事件类型）",
	},
	[]string{"type"},
)

// FramesDroppedTotal 订阅队列满时丢弃的帧数
var FramesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "exec_frames_dropped_total",
		Help: "慢订阅者被丢弃的帧数",
	},
)

// PrivacyDecisionsTotal 隐私守卫决策数
var PrivacyDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exec_privacy_decisions_total",
		Help: "隐私守卫决策数",
	},
	[]string{"mode", "action", "rule"},
)

// ApprovalsTotal 审批结果（按来源）
var ApprovalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exec_approvals_total",
		Help: "审批结果",
	},
	[]string{"source"}, // not-required | cache | prompt | denied | required
)

// SessionsActive 当前存活的会话句柄数
var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "exec_sessions_active",
		Help: "存活的会话句柄数",
	},
)

// HandlesOpen 当前处于 open 状态的执行句柄数
var HandlesOpen = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "exec_handles_open",
		Help: "open 状态的执行句柄数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
