package util

import (
	"context"

	"github.com/google/uuid"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID 生成一个随机的、唯一的 Trace ID
// 每个被执行的任务都会分配一个，用于串联队列、显微镜子任务和远程仪器的日志
func NewTraceID() string {
	return uuid.NewString()
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中，并返回一个新的 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}
