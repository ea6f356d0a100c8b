package internal

import (
	"context"
	"time"
)

type ctxKey string

const (
	contextUserKey ctxKey = "userID"
	contextRoleKey ctxKey = "userRole"
)

// Principal is the authenticated caller of a user-facing endpoint.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, contextUserKey, p.UserID)
	return context.WithValue(ctx, contextRoleKey, p.Role)
}

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if userID, ok := ctx.Value(contextUserKey).(string); ok {
		return userID
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if role, ok := ctx.Value(contextRoleKey).(string); ok {
		return role
	}
	return ""
}

// WithTimeout returns a context with timeout, defaulting to 10 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 10 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}

// Detached keeps the values of ctx but drops its deadline and cancellation.
// Compensation steps use it so a refund still runs after the request context expired.
func Detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return WithTimeout(context.WithoutCancel(ctx), timeout)
}
