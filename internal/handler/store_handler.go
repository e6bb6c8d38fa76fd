package handler

import (
	"net/http"
	"strconv"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/service"
	"lifeline-offline/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type StoreHandler struct {
	service  *service.StoreService
	validate *validator.Validate
}

func NewStoreHandler(service *service.StoreService) *StoreHandler {
	return &StoreHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *StoreHandler) ListStores(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.service.Stores())
}

func (h *StoreHandler) List(w http.ResponseWriter, r *http.Request) {
	store := mux.Vars(r)["store"]
	query := r.URL.Query()

	filter := domain.RecordFilter{SyncStatus: domain.SyncStatus(query.Get("status"))}
	if raw := query.Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.BadRequest(w, "since must be epoch milliseconds")
			return
		}
		filter.Since = since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.BadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	records, err := h.service.GetAll(r.Context(), store, filter)
	if err != nil {
		writeServiceError(w, err, "Failed to list records")
		return
	}
	if records == nil {
		records = []*domain.DataRecord{}
	}
	response.Success(w, records)
}

func (h *StoreHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	record, err := h.service.Get(r.Context(), vars["store"], vars["id"])
	if err != nil {
		writeServiceError(w, err, "Failed to get record")
		return
	}
	if record == nil {
		response.NotFound(w, "Record not found")
		return
	}
	response.Success(w, record)
}

func (h *StoreHandler) FindByIndex(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	records, err := h.service.FindByIndex(r.Context(), vars["store"], vars["field"], vars["value"])
	if err != nil {
		writeServiceError(w, err, "Failed to query index")
		return
	}
	if records == nil {
		records = []*domain.DataRecord{}
	}
	response.Success(w, records)
}

// Create stores a record under a generated id.
func (h *StoreHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.put(w, r, "", http.StatusCreated)
}

func (h *StoreHandler) Put(w http.ResponseWriter, r *http.Request) {
	h.put(w, r, mux.Vars(r)["id"], http.StatusOK)
}

func (h *StoreHandler) put(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req domain.PutRecordRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	record, err := h.service.Put(r.Context(), mux.Vars(r)["store"], id, req.Data, domain.PutOptions{Encrypt: req.Encrypt})
	if err != nil {
		writeServiceError(w, err, "Failed to save record")
		return
	}
	response.JSON(w, status, record)
}

func (h *StoreHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.service.Delete(r.Context(), vars["store"], vars["id"]); err != nil {
		writeServiceError(w, err, "Failed to delete record")
		return
	}
	response.NoContent(w)
}

func (h *StoreHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Clear(r.Context(), mux.Vars(r)["store"]); err != nil {
		writeServiceError(w, err, "Failed to clear store")
		return
	}
	response.NoContent(w)
}

func (h *StoreHandler) UpdateSyncStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateSyncStatusRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	vars := mux.Vars(r)
	record, err := h.service.UpdateSyncStatus(r.Context(), vars["store"], vars["id"], req.Status)
	if err != nil {
		writeServiceError(w, err, "Failed to update sync status")
		return
	}
	response.Success(w, record)
}

func (h *StoreHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	if !decodeJSON(w, r, h.validate, &req) {
		return
	}

	records, err := h.service.Batch(r.Context(), mux.Vars(r)["store"], req.Ops)
	if err != nil {
		writeServiceError(w, err, "Failed to apply batch")
		return
	}
	response.Success(w, records)
}

func (h *StoreHandler) Export(w http.ResponseWriter, r *http.Request) {
	backup, err := h.service.ExportAll(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to export records")
		return
	}
	response.Success(w, backup)
}

func (h *StoreHandler) Import(w http.ResponseWriter, r *http.Request) {
	var backup domain.Backup
	if !decodeJSON(w, r, nil, &backup) {
		return
	}

	if err := h.service.ImportAll(r.Context(), &backup); err != nil {
		writeServiceError(w, err, "Failed to import records")
		return
	}
	response.NoContent(w)
}
