package logging

import (
	"context"

	"go.uber.org/zap"
)

type taskCtxKey struct{}
type sourceCtxKey struct{}
type requestCtxKey struct{}

// WithTask tags ctx with a task id
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// WithSource tags ctx with a monitored source ref
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceCtxKey{}, source)
}

// WithRequestID tags ctx with an API request id
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// TaskFromContext returns the task id carried by ctx
func TaskFromContext(ctx context.Context) string {
	v, _ := ctx.Value(taskCtxKey{}).(string)
	return v
}

// ContextFields extracts correlation fields from ctx
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if id := TaskFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if src, _ := ctx.Value(sourceCtxKey{}).(string); src != "" {
		fields = append(fields, zap.String("source.ref", src))
	}
	if req, _ := ctx.Value(requestCtxKey{}).(string); req != "" {
		fields = append(fields, zap.String("request.id", req))
	}
	return fields
}
