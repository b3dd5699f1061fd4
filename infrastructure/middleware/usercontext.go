package middleware

import (
	"context"

	"github.com/openclaw/controlplane/infrastructure/logging"
)

// GetUserID extracts the caller identity the logging context carries, for
// components (the rate limiter's default key func) that want to bucket by
// caller rather than raw remote address.
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts the caller role from context when present.
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}
