package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/sdu-review-console/internal/console/service"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/infra/auth"
	"go.uber.org/zap"
)

// ReviewService Описываем, что нам нужно от сервиса
type ReviewService interface {
	Get(ctx context.Context, kind domain.Kind, id string, withHistory bool) (*domain.ReviewableEntity, error)
	List(ctx context.Context, kind domain.Kind, rawStatus, query string) ([]*domain.ReviewableEntity, error)
	History(ctx context.Context, kind domain.Kind, id string) ([]domain.HistoryEntry, error)
	AvailableActions(ctx context.Context, kind domain.Kind, id string, role domain.Role) ([]domain.Action, error)
	UpdateStatus(ctx context.Context, kind domain.Kind, id string, actor service.Actor, upd domain.StatusUpdate, traceID string) (*domain.ReviewableEntity, error)
}

type ReviewHandler struct {
	service ReviewService
	logger  *zap.Logger
}

func NewReviewHandler(s ReviewService, logger *zap.Logger) *ReviewHandler {
	return &ReviewHandler{service: s, logger: logger.Named("review-handler")}
}

// Routes монтируется на /v1/{collection}: /v1/rosters, /v1/documents, ...
func (h *ReviewHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/history", h.History)
		r.Get("/actions", h.Actions)
		r.Post("/status", h.UpdateStatus)
	})
	return r
}

// kindParam коллекция из URL; принимает и "rosters", и "roster".
func kindParam(w http.ResponseWriter, r *http.Request) (domain.Kind, bool) {
	kind, err := domain.ParseKind(chi.URLParam(r, "collection"))
	if err != nil {
		writeMessage(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	list, err := h.service.List(r.Context(), kind, q.Get("status"), q.Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get GET /v1/{collection}/{id}?history=true
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	withHistory, _ := strconv.ParseBool(r.URL.Query().Get("history"))

	e, err := h.service.Get(r.Context(), kind, chi.URLParam(r, "id"), withHistory)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *ReviewHandler) History(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	history, err := h.service.History(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Actions кнопки для роли из токена.
func (h *ReviewHandler) Actions(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	_, role, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	actions, err := h.service.AvailableActions(r.Context(), kind, chi.URLParam(r, "id"), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// UpdateStatus POST /v1/{collection}/{id}/status {status, revisionNotes?, confirmed?}
func (h *ReviewHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	userID, role, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var upd domain.StatusUpdate
	if !decodeAndValidate(w, r, &upd) {
		return
	}

	id := chi.URLParam(r, "id")
	e, err := h.service.UpdateStatus(r.Context(), kind, id,
		service.Actor{ID: userID, Role: role}, upd, infra.TraceID(r.Context()))
	if err != nil {
		h.logger.Info("status update refused",
			zap.String("kind", string(kind)),
			zap.String("entity_id", id),
			zap.String("role", string(role)),
			zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
