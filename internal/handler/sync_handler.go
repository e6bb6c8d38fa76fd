package handler

import (
	"context"
	"net/http"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/service"
	"lifeline-offline/internal/worker"
	"lifeline-offline/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// Drainer replays the queue of one tag.
type Drainer interface {
	OnSync(ctx context.Context, tag string) (*domain.DrainResult, error)
}

type SyncHandler struct {
	service  *service.SyncService
	drainer  Drainer
	validate *validator.Validate
}

func NewSyncHandler(service *service.SyncService, drainer Drainer) *SyncHandler {
	return &SyncHandler{
		service:  service,
		drainer:  drainer,
		validate: validator.New(),
	}
}

func (h *SyncHandler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.Tags(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to list sync tags")
		return
	}
	response.Success(w, tags)
}

func (h *SyncHandler) Pending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Pending(r.Context(), mux.Vars(r)["tag"])
	if err != nil {
		writeServiceError(w, err, "Failed to list queue")
		return
	}
	if entries == nil {
		entries = []*domain.SyncQueueEntry{}
	}
	response.Success(w, entries)
}

func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if !decodeJSON(w, r, nil, &req) {
		return
	}

	tag := mux.Vars(r)["tag"]
	entry, err := h.service.Enqueue(r.Context(), tag, req.Request)
	if err != nil {
		writeServiceError(w, err, "Failed to queue request")
		return
	}
	response.Accepted(w, &domain.QueueAck{
		Queued:  true,
		Tag:     tag,
		EntryID: entry.ID,
		Message: worker.QueuedMessage,
	}, "queued")
}

// Drain replays one tag. Expired entries are reported next to the result.
func (h *SyncHandler) Drain(w http.ResponseWriter, r *http.Request) {
	result, err := h.drainer.OnSync(r.Context(), mux.Vars(r)["tag"])
	if err != nil {
		if result != nil {
			response.Partial(w, result, err.Error())
			return
		}
		writeServiceError(w, err, "Failed to drain queue")
		return
	}
	response.Success(w, result)
}

func (h *SyncHandler) DrainAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.DrainAll(r.Context())
	if err != nil {
		if results != nil {
			response.Partial(w, results, err.Error())
			return
		}
		writeServiceError(w, err, "Failed to drain queues")
		return
	}
	response.Success(w, results)
}
