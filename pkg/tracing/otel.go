// Copyright 2026 fanjia1024
// OpenTelemetry integration for exec runs

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "exec-runtime"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartRunSpan 开始一次逻辑执行（run）的 span，覆盖全部尝试
func StartRunSpan(ctx context.Context, correlationID, handleID, command string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "exec.run",
		trace.WithAttributes(
			attribute.String("exec.correlation_id", correlationID),
			attribute.String("exec.handle_id", handleID),
			attribute.String("exec.command", command),
		),
	)
}

// StartAttemptSpan 开始单次尝试的 span
func StartAttemptSpan(ctx context.Context, attempt int, sandboxState string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "exec.attempt",
		trace.WithAttributes(
			attribute.Int("exec.attempt", attempt),
			attribute.String("exec.sandbox_state", sandboxState),
		),
	)
}

// StartApprovalSpan 审批检查 span，prompter 可能长时间阻塞
func StartApprovalSpan(ctx context.Context, tool, fingerprint string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "exec.approval",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("approval.fingerprint", fingerprint),
		),
	)
}

// EndSpan 记录错误（若有）并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
