// Package contextkeys provides centralized context key definitions
//
// All context keys used across the module are defined here so that every
// package reads the same verified identity the same way.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithPrincipal(ctx, contextkeys.Principal{UserID: 7, TenantID: 3})
//	p, ok := contextkeys.PrincipalFrom(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains the verified Principal
	// Set by: the authentication provider, before any manager call
	// Used by: audit entries (actor), tenant checks
	// Type: Principal
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"
)

// Principal is a user and tenant pair already verified by authentication
type Principal struct {
	UserID   int64
	TenantID int64
}

// WithPrincipal adds the verified principal to the context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// PrincipalFrom retrieves the principal from context
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

// ActorID returns a pointer to the principal's user id, or nil when the
// context carries no principal. Audit entries store it as a nullable column.
func ActorID(ctx context.Context) *int64 {
	p, ok := PrincipalFrom(ctx)
	if !ok || p.UserID == 0 {
		return nil
	}
	id := p.UserID
	return &id
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFrom retrieves the request ID from context
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
