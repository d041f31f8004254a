package handler

import (
	"context"
	"net/http"
)

// SessionCookie carries the raw session token.
const SessionCookie = "billing_session"

type contextKey struct{}

// WithAccountID stores the account ID in the context.
func WithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, accountID)
}

// AccountIDFromContext retrieves the account ID from the context.
func AccountIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(contextKey{}).(int64)
	return id
}

// AccountFromRequest adapts AccountIDFromContext for the websocket handler.
func AccountFromRequest(r *http.Request) (int64, bool) {
	id := AccountIDFromContext(r.Context())
	return id, id != 0
}
