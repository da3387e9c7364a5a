package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ChronoSend/internal/metrics"
	"ChronoSend/internal/models"
	"ChronoSend/internal/queue"
	"ChronoSend/internal/store"
)

type Store interface {
	Create(ctx context.Context, e *models.Email) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Email, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (bool, error)
}

type Handler struct {
	Store    Store
	Queue    Enqueuer
	Log      *zap.Logger
	Validate *validator.Validate
}

func NewHandler(s Store, q Enqueuer, log *zap.Logger) *Handler {
	return &Handler{
		Store:    s,
		Queue:    q,
		Log:      log,
		Validate: validator.New(),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/emails", h.Schedule)
	r.Get("/v1/emails/{id}", h.Get)
	r.Post("/v1/emails/{id}/cancel", h.Cancel)
	return r
}

type scheduleRequest struct {
	OwnerID     string                 `json:"owner_id" validate:"required"`
	To          string                 `json:"to" validate:"required,email"`
	Subject     string                 `json:"subject" validate:"required"`
	Template    string                 `json:"template" validate:"required"`
	Data        map[string]interface{} `json:"data"`
	ScheduledAt time.Time              `json:"scheduled_at" validate:"required"`
	DedupeKey   *string                `json:"dedupe_key,omitempty"`
}

// Schedule persists the email and hands it to the queue with the computed
// delay. A repeated dedupe key is idempotent success: the existing email is
// returned with 200 instead of 202 and nothing is enqueued twice.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e := &models.Email{
		OwnerID:     req.OwnerID,
		To:          req.To,
		Subject:     req.Subject,
		Template:    req.Template,
		Data:        req.Data,
		ScheduledAt: req.ScheduledAt.UTC(),
		DedupeKey:   req.DedupeKey,
	}

	created, err := h.Store.Create(r.Context(), e)
	if err != nil {
		h.Log.Error("create email failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not persist email")
		return
	}

	if !created {
		writeJSON(w, http.StatusOK, e)
		return
	}

	delay := time.Until(e.ScheduledAt)
	if delay < 0 {
		delay = 0
	}
	if _, err := h.Queue.Enqueue(r.Context(), queue.Job{ID: e.JobID(), EmailID: e.ID}, delay); err != nil {
		// Row exists with status pending; recovery will enqueue it on next start.
		h.Log.Error("enqueue failed, email will be picked up by recovery",
			zap.String("email_id", e.ID),
			zap.Error(err),
		)
	}

	metrics.EmailsScheduled.Inc()
	h.Log.Info("email scheduled",
		zap.String("email_id", e.ID),
		zap.String("owner_id", e.OwnerID),
		zap.Time("scheduled_at", e.ScheduledAt),
	)
	writeJSON(w, http.StatusAccepted, e)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := h.Store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "email not found")
			return
		}
		h.Log.Error("get email failed", zap.String("email_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load email")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Cancel flips a pending or deferred email to cancelled. Once a worker has
// claimed the email, or it is terminal, cancellation is refused.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := h.Store.Cancel(r.Context(), id)
	if err != nil {
		h.Log.Error("cancel failed", zap.String("email_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel email")
		return
	}
	if !cancelled {
		if _, err := h.Store.GetByID(r.Context(), id); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "email not found")
			return
		}
		writeError(w, http.StatusConflict, "email is not cancellable")
		return
	}

	h.Log.Info("email cancelled", zap.String("email_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusCancelled)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
