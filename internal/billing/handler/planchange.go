package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
	"github.com/dukerupert/studyplan/internal/billing/planchange"
)

// PlanService is implemented by *planchange.Service.
type PlanService interface {
	Preview(ctx context.Context, accountID int64, targetIDs []string) (*planchange.Preview, error)
	ChangePlan(ctx context.Context, accountID int64, targetIDs []string, timing model.Timing) (*planchange.ChangeResult, error)
	UndoPendingChange(ctx context.Context, accountID int64, changeID string) error
	ModifyPendingChange(ctx context.Context, accountID int64, restoreIDs []string) (*planchange.ChangeResult, error)
	View(ctx context.Context, accountID int64) (*planchange.AccountView, error)
}

type PlanChangeHandler struct {
	plans  PlanService
	logger *slog.Logger
}

func NewPlanChangeHandler(plans PlanService, logger *slog.Logger) *PlanChangeHandler {
	return &PlanChangeHandler{plans: plans, logger: logger}
}

type planChangeRequest struct {
	NewSubjectIDs []string `json:"newSubjectIds"`
	Timing        string   `json:"timing"`
}

// Preview handles POST /api/plan-change-preview.
func (h *PlanChangeHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req planChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	preview, err := h.plans.Preview(r.Context(), AccountIDFromContext(r.Context()), req.NewSubjectIDs)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// Change handles POST /api/plan-change.
func (h *PlanChangeHandler) Change(w http.ResponseWriter, r *http.Request) {
	var req planChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	timing, err := model.ParseTiming(req.Timing)
	if err != nil {
		writeError(w, h.logger, apperror.Wrap(apperror.KindInvalidArgument, "timing must be immediate or next_period", err))
		return
	}

	result, err := h.plans.ChangePlan(r.Context(), AccountIDFromContext(r.Context()), req.NewSubjectIDs, timing)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Undo handles POST /api/undo-pending-change.
func (h *PlanChangeHandler) Undo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChangeID string `json:"changeId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.ChangeID) == "" {
		writeError(w, h.logger, apperror.InvalidArgument("changeId is required"))
		return
	}

	if err := h.plans.UndoPendingChange(r.Context(), AccountIDFromContext(r.Context()), req.ChangeID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Pending change cancelled. Your current plan continues."})
}

// Modify handles POST /api/modify-pending-change. A single subjectId and a
// restoreSubjectIds list may be combined.
func (h *PlanChangeHandler) Modify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID         string   `json:"subjectId"`
		RestoreSubjectIDs []string `json:"restoreSubjectIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	restore := req.RestoreSubjectIDs
	if req.SubjectID != "" {
		restore = append(restore, req.SubjectID)
	}

	result, err := h.plans.ModifyPendingChange(r.Context(), AccountIDFromContext(r.Context()), restore)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Subscription handles GET /api/subscription.
func (h *PlanChangeHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	view, err := h.plans.View(r.Context(), AccountIDFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
