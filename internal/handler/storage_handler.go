package handler

import (
	"net/http"

	"lifeline-offline/internal/service"
	"lifeline-offline/pkg/response"
)

type StorageHandler struct {
	service *service.QuotaService
}

func NewStorageHandler(service *service.QuotaService) *StorageHandler {
	return &StorageHandler{service: service}
}

func (h *StorageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStorageStats(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to compute storage stats")
		return
	}
	response.Success(w, stats)
}

func (h *StorageHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.PerformCleanup(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to clean up storage")
		return
	}
	response.Success(w, report)
}

func (h *StorageHandler) Persist(w http.ResponseWriter, r *http.Request) {
	granted, err := h.service.RequestPersistentStorage(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to request persistent storage")
		return
	}
	response.Success(w, map[string]bool{"persistent": granted})
}
