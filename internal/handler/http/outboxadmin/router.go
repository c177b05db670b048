package outboxadmin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/domain"
	"github.com/scds7xdxnd-bit/lifeos-sub001/internal/repository/outbox_repo"
)

func RegisterRoutes(r chi.Router, uow domain.UnitOfWork, repo outbox_repo.OutboxRepository, l *zap.Logger) {
	handler := NewHandler(uow, repo, l.With(zap.String("component", "OutboxAdminHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Outbox dispatcher is healthy!"))
		})
	})

	r.Route("/outbox", func(r chi.Router) {
		r.Get("/stats", handler.StatsHandler)
		r.Get("/messages", handler.ListMessagesHandler)
		r.Post("/messages/{id}/replay", handler.ReplayHandler)
		r.Delete("/messages/{id}", handler.DiscardHandler)
	})
}
