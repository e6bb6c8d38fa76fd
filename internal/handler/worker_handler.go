package handler

import (
	"net/http"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/websocket"
	"lifeline-offline/internal/worker"
	"lifeline-offline/pkg/response"

	"github.com/go-playground/validator/v10"
)

// Pages is the set of connected pages.
type Pages interface {
	Broadcast(message *websocket.Message) error
	Connections() int
}

type WorkerHandler struct {
	worker   *worker.Worker
	pages    Pages
	validate *validator.Validate
}

func NewWorkerHandler(w *worker.Worker, pages Pages) *WorkerHandler {
	return &WorkerHandler{
		worker:   w,
		pages:    pages,
		validate: validator.New(),
	}
}

func (h *WorkerHandler) State(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]interface{}{
		"state":       h.worker.State(),
		"connections": h.pages.Connections(),
	})
}

func (h *WorkerHandler) Message(w http.ResponseWriter, r *http.Request) {
	var msg domain.WorkerMessage
	if !decodeJSON(w, r, h.validate, &msg) {
		return
	}

	reply := h.worker.OnMessage(r.Context(), msg)
	status := http.StatusOK
	if !reply.Success {
		status = http.StatusUnprocessableEntity
	}
	response.JSON(w, status, reply)
}

// Push shows a notification on connected pages. Pages count as focused, so
// only forced crisis notifications reach them.
func (h *WorkerHandler) Push(w http.ResponseWriter, r *http.Request) {
	var payload domain.PushPayload
	if !decodeJSON(w, r, nil, &payload) {
		return
	}

	notification := h.worker.OnPush(payload, h.pages.Connections() > 0)
	if notification.Show {
		if msg, err := websocket.NewMessage(websocket.TypeNotification, notification); err == nil {
			_ = h.pages.Broadcast(msg)
		}
	}
	response.Success(w, notification)
}

func (h *WorkerHandler) NotificationClick(w http.ResponseWriter, r *http.Request) {
	var click domain.NotificationClick
	if !decodeJSON(w, r, nil, &click) {
		return
	}

	target := h.worker.OnNotificationClick(click)
	if target != "" {
		if msg, err := websocket.NewMessage(websocket.TypeNavigate, &websocket.NavigatePayload{URL: target}); err == nil {
			_ = h.pages.Broadcast(msg)
		}
	}
	response.Success(w, map[string]string{"url": target})
}
