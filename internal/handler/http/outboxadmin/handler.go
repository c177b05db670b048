package outboxadmin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/repository/outbox_repo"
)

const defaultListLimit = 50

// Handler exposes the outbox's operational surface: status counts for
// dashboards and replay/discard of terminally failed messages. It is the only
// way a failed message leaves that state.
type Handler struct {
	uow    domain.UnitOfWork
	repo   outbox_repo.OutboxRepository
	logger *zap.Logger
}

func NewHandler(uow domain.UnitOfWork, repo outbox_repo.OutboxRepository, logger *zap.Logger) *Handler {
	return &Handler{uow: uow, repo: repo, logger: logger}
}

type StatsResponse struct {
	Counts map[domain.OutboxMessageStatus]int64 `json:"counts"`
}

type MessageResponse struct {
	ID          int64           `json:"id"`
	UserID      *int64          `json:"user_id,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	AvailableAt string          `json:"available_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	var counts map[domain.OutboxMessageStatus]int64
	err := h.uow.WithinTx(r.Context(), func(q domain.Querier) error {
		var err error
		counts, err = h.repo.CountByStatus(r.Context(), q)
		return err
	})
	if err != nil {
		h.logger.Error("Failed to count outbox messages", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Counts: counts})
}

func (h *Handler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.OutboxMessageStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.OutboxStatusFailed
	}
	if !status.Valid() {
		http.Error(w, "Unknown status", http.StatusBadRequest)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var messages []domain.OutboxMessage
	err := h.uow.WithinTx(r.Context(), func(q domain.Querier) error {
		var err error
		messages, err = h.repo.ListByStatus(r.Context(), q, status, limit)
		return err
	})
	if err != nil {
		h.logger.Error("Failed to list outbox messages", zap.String("status", string(status)), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	out := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, toMessageResponse(msg))
	}
	writeJSON(w, http.StatusOK, out)
}

// ReplayHandler moves a failed message back to pending so the dispatch loop
// picks it up again with a fresh schedule.
func (h *Handler) ReplayHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	err := h.uow.WithinTx(r.Context(), func(q domain.Querier) error {
		return h.repo.ReplayFailedTx(r.Context(), q, id)
	})
	if errors.Is(err, domain.ErrMessageNotFound) {
		http.Error(w, "No failed message with that id", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to replay outbox message", zap.Int64("message_id", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Replayed failed outbox message", zap.Int64("message_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// DiscardHandler permanently drops a failed message.
func (h *Handler) DiscardHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.messageID(w, r)
	if !ok {
		return
	}

	err := h.uow.WithinTx(r.Context(), func(q domain.Querier) error {
		return h.repo.DeleteFailedTx(r.Context(), q, id)
	})
	if errors.Is(err, domain.ErrMessageNotFound) {
		http.Error(w, "No failed message with that id", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to discard outbox message", zap.Int64("message_id", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Discarded failed outbox message", zap.Int64("message_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Message id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func toMessageResponse(msg domain.OutboxMessage) MessageResponse {
	return MessageResponse{
		ID:          msg.ID,
		UserID:      msg.UserID,
		EventType:   msg.EventType,
		Payload:     msg.Payload,
		Status:      string(msg.Status),
		Attempts:    msg.Attempts,
		AvailableAt: msg.AvailableAt.UTC().Format(time.RFC3339),
		LastError:   msg.LastError,
		CreatedAt:   msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
