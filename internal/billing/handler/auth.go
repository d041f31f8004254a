package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
)

type LoginAccounts interface {
	GetOrCreate(ctx context.Context, email string) (*model.Account, error)
}

type Sessions interface {
	Create(ctx context.Context, accountID int64) (*model.Session, error)
	GetByToken(ctx context.Context, token string) (*model.Session, error)
	Delete(ctx context.Context, id int64) error
}

type MagicLinkSender interface {
	Configured() bool
	SendMagicLink(ctx context.Context, toEmail, token string) error
}

type AuthHandler struct {
	accounts LoginAccounts
	sessions Sessions
	mailer   MagicLinkSender
	secure   bool
	logger   *slog.Logger
}

func NewAuthHandler(accounts LoginAccounts, sessions Sessions, mailer MagicLinkSender, baseURL string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		accounts: accounts,
		sessions: sessions,
		mailer:   mailer,
		secure:   strings.HasPrefix(baseURL, "https://"),
		logger:   logger,
	}
}

const checkEmail = "If the address is valid, a sign-in link is on its way."

// Login handles POST /login. The response is the same whether or not the
// account existed.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, h.logger, apperror.InvalidArgument("a valid email is required"))
		return
	}
	email := strings.ToLower(addr.Address)

	account, err := h.accounts.GetOrCreate(r.Context(), email)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := h.sessions.Create(r.Context(), account.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.mailer != nil && h.mailer.Configured() {
		if err := h.mailer.SendMagicLink(r.Context(), email, sess.Token); err != nil {
			h.logger.Error("send magic link", "account_id", account.ID, "error", err)
		}
	} else {
		h.logger.Info("magic link token generated", "email", email, "token", sess.Token)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message": checkEmail})
}

// Verify handles GET /auth/verify?token= and sets the session cookie.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, h.logger, apperror.Unauthorized("invalid or expired link"))
		return
	}

	sess, err := h.sessions.GetByToken(r.Context(), token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if sess == nil {
		writeError(w, h.logger, apperror.Unauthorized("invalid or expired link"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"accountId": sess.AccountID})
}

// Logout handles POST /logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		sess, err := h.sessions.GetByToken(r.Context(), cookie.Value)
		if err == nil && sess != nil {
			if err := h.sessions.Delete(r.Context(), sess.ID); err != nil {
				h.logger.Error("delete session", "session_id", sess.ID, "error", err)
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
