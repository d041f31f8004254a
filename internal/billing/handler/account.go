package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
)

type SubjectLister interface {
	List(ctx context.Context) ([]model.Subject, error)
}

type AccountGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type AccountHandler struct {
	subjects SubjectLister
	accounts AccountGetter
	logger   *slog.Logger
}

func NewAccountHandler(subjects SubjectLister, accounts AccountGetter, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{subjects: subjects, accounts: accounts, logger: logger}
}

// Subjects handles GET /api/subjects.
func (h *AccountHandler) Subjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.subjects.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if subjects == nil {
		subjects = []model.Subject{}
	}
	writeJSON(w, http.StatusOK, subjects)
}

// Me handles GET /api/account.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetByID(r.Context(), AccountIDFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if account == nil {
		writeError(w, h.logger, apperror.NotFound("account not found"))
		return
	}
	writeJSON(w, http.StatusOK, account)
}
