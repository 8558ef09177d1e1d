package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/sdu-review-console/internal/audit"
	"github.com/xela07ax/sdu-review-console/internal/domain"
)

type AuditService interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.ReviewEvent, error)
}

type AuditHandler struct {
	service AuditService
}

func NewAuditHandler(s AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает журнал переходов с поддержкой фильтрации
// GET /v1/audit?kind=roster&entity_id=...&actor_id=...&outcome=REJECTED&limit=50
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		EntityID: q.Get("entity_id"),
		ActorID:  q.Get("actor_id"),
		Outcome:  q.Get("outcome"),
	}
	if raw := q.Get("kind"); raw != "" {
		kind, err := domain.ParseKind(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Kind = string(kind)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		f.Limit = n
	}

	logs, err := h.service.FetchLogs(r.Context(), f)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Failed to fetch audit logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
