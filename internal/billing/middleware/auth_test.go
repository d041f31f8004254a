package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/studyplan/internal/billing/handler"
	"github.com/dukerupert/studyplan/internal/billing/store"
	"github.com/dukerupert/studyplan/internal/database"
)

func setupSessions(t *testing.T) (*store.SessionStore, *store.AccountStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewSessionStore(db), store.NewAccountStore(db)
}

func protected(t *testing.T, sessions *store.SessionStore, seen *int64) http.Handler {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = handler.AccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return RequireAuth(sessions, slog.Default())(next)
}

func TestRequireAuthNoCookie(t *testing.T) {
	sessions, _ := setupSessions(t)
	var seen int64
	h := protected(t, sessions, &seen)

	req := httptest.NewRequest("GET", "/api/subscription", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if seen != 0 {
		t.Error("next handler should not run")
	}
}

func TestRequireAuthInvalidToken(t *testing.T) {
	sessions, _ := setupSessions(t)
	var seen int64
	h := protected(t, sessions, &seen)

	req := httptest.NewRequest("GET", "/api/subscription", nil)
	req.AddCookie(&http.Cookie{Name: handler.SessionCookie, Value: "not-a-token"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthValidSession(t *testing.T) {
	sessions, accounts := setupSessions(t)
	ctx := context.Background()
	account, err := accounts.Create(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	sess, err := sessions.Create(ctx, account.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var seen int64
	h := protected(t, sessions, &seen)

	req := httptest.NewRequest("GET", "/api/subscription", nil)
	req.AddCookie(&http.Cookie{Name: handler.SessionCookie, Value: sess.Token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if seen != account.ID {
		t.Errorf("account id = %d, want %d", seen, account.ID)
	}
}
