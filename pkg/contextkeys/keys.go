// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the library must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/forgenet/core-go/pkg/contextkeys"
//   ctx = contextkeys.WithToken(ctx, token)
//   token, ok := ctx.Value(contextkeys.TokenKey).(*auth.Token)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TokenKey contains the resolved token for the request
	// Set by: middleware.Authorizer (pkg/middleware/auth.go)
	// Required by: All protected API endpoints, webhook handlers
	// Type: *auth.Token
	TokenKey Key = "oauth_token"

	// UserKey contains the user owning the request token
	// Set by: middleware.Authorizer after token resolution
	// Used by: Handlers needing profile data without a second lookup
	// Type: *auth.User
	UserKey Key = "oauth_user"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, delivery records
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithToken adds the resolved token to the context
func WithToken(ctx context.Context, token interface{}) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}

// WithUser adds the authenticated user to the context
func WithUser(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
