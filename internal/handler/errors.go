package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/service"
	"lifeline-offline/pkg/response"

	"github.com/go-playground/validator/v10"
)

const maxRequestBody = 10 << 20

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var validation *service.ValidationError
	var expiry *domain.QueueExpiryError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrUnknownStore), errors.As(err, &validation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		response.InsufficientStorage(w, err.Error())
	case errors.Is(err, domain.ErrNoKey):
		response.ServiceUnavailable(w, err.Error())
	case errors.As(err, &expiry):
		response.Error(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrDisposed):
		response.ServiceUnavailable(w, err.Error())
	default:
		response.InternalError(w, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, validate *validator.Validate, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return false
	}
	if validate != nil {
		if err := validate.Struct(v); err != nil {
			response.BadRequest(w, fmt.Sprintf("validation failed: %v", err))
			return false
		}
	}
	return true
}
