// Package ctxkeys 定义请求、任务与组织 ID 在 context 中的键。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey      contextKey = "request_id"
	taskIDKey         contextKey = "task_id"
	organizationIDKey contextKey = "org_id"
)

func value(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return value(ctx, requestIDKey)
}

// WithTaskID 设置任务 ID
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID 获取任务 ID
func TaskID(ctx context.Context) (string, bool) {
	return value(ctx, taskIDKey)
}

// WithOrganizationID 设置组织 ID
func WithOrganizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, organizationIDKey, id)
}

// OrganizationID 获取组织 ID
func OrganizationID(ctx context.Context) (string, bool) {
	return value(ctx, organizationIDKey)
}
