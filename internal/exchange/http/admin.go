package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/http/dto"
	"github.com/radieske/betting-exchange/internal/exchange/queue"
)

// QueueAdmin é a superfície administrativa do processador da fila
type QueueAdmin interface {
	Stats(ctx context.Context) (queue.Stats, error)
	RetryFailedBets(ctx context.Context) (int, error)
	Pause()
	Resume()
}

// AdminAPI expõe a administração da fila no matching-worker
type AdminAPI struct {
	Log   *zap.Logger
	Queue QueueAdmin
}

func (a *AdminAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	a.Routes(r)
	return r
}

// Routes registra /admin/queue/* num roteador existente (fila rodando dentro da API)
func (a *AdminAPI) Routes(r chi.Router) {
	r.Get("/admin/queue/stats", a.stats)
	r.Post("/admin/queue/retry", a.retry)
	r.Post("/admin/queue/pause", a.pause)
	r.Post("/admin/queue/resume", a.resume)
}

func (a *AdminAPI) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Queue.Stats(r.Context())
	if err != nil {
		a.Log.Error("queue stats failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	ok(w, http.StatusOK, st)
}

func (a *AdminAPI) retry(w http.ResponseWriter, r *http.Request) {
	n, err := a.Queue.RetryFailedBets(r.Context())
	if err != nil {
		a.Log.Error("queue retry failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	ok(w, http.StatusOK, dto.CountResponse{Count: n})
}

func (a *AdminAPI) pause(w http.ResponseWriter, r *http.Request) {
	a.Queue.Pause()
	a.Log.Info("queue processor paused")
	ok(w, http.StatusOK, map[string]bool{"paused": true})
}

func (a *AdminAPI) resume(w http.ResponseWriter, r *http.Request) {
	a.Queue.Resume()
	a.Log.Info("queue processor resumed")
	ok(w, http.StatusOK, map[string]bool{"paused": false})
}
