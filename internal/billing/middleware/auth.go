package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/studyplan/internal/billing/handler"
	"github.com/dukerupert/studyplan/internal/billing/model"
)

type SessionLookup interface {
	GetByToken(ctx context.Context, token string) (*model.Session, error)
}

// RequireAuth validates the session cookie and populates the account ID in
// context. Requests without a live session get a JSON 401.
func RequireAuth(sessions SessionLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(handler.SessionCookie)
			if err != nil || cookie.Value == "" {
				unauthorized(w)
				return
			}

			sess, err := sessions.GetByToken(r.Context(), cookie.Value)
			if err != nil {
				logger.Error("look up session", "error", err)
				unauthorized(w)
				return
			}
			if sess == nil {
				unauthorized(w)
				return
			}

			ctx := handler.WithAccountID(r.Context(), sess.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"sign in required"}` + "\n"))
}
