package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"lifeline-offline/internal/domain"
	"lifeline-offline/internal/websocket"
	"lifeline-offline/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager  *websocket.Manager
	upgrader ws.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, readBuffer, writeBuffer int, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		manager: manager,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), conn, h.manager)
	if !h.manager.Attach(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers control messages sent by pages.
type WebSocketMessageHandler struct {
	manager  *websocket.Manager
	worker   *worker.Worker
	validate *validator.Validate
}

func NewWebSocketMessageHandler(manager *websocket.Manager, w *worker.Worker) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		manager:  manager,
		worker:   w,
		validate: validator.New(),
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeControl:
		return h.handleControl(ctx, client, msg)

	case websocket.TypePing:
		return h.reply(client, msg.ID, websocket.TypePong, nil)
	}

	return fmt.Errorf("unknown message type: %s", msg.Type)
}

func (h *WebSocketMessageHandler) handleControl(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var control domain.WorkerMessage
	if err := msg.UnmarshalPayload(&control); err != nil {
		return h.reply(client, msg.ID, websocket.TypeReply, &domain.WorkerReply{ID: msg.ID, Error: "invalid payload"})
	}
	if control.ID == "" {
		control.ID = msg.ID
	}
	if err := h.validate.Struct(&control); err != nil {
		return h.reply(client, msg.ID, websocket.TypeReply, &domain.WorkerReply{
			ID:    control.ID,
			Type:  control.Type,
			Error: fmt.Sprintf("validation failed: %v", err),
		})
	}

	return h.reply(client, msg.ID, websocket.TypeReply, h.worker.OnMessage(ctx, control))
}

func (h *WebSocketMessageHandler) reply(client *websocket.Client, id string, msgType websocket.MessageType, payload interface{}) error {
	out, err := websocket.NewReply(id, msgType, payload)
	if err != nil {
		return err
	}
	return h.manager.SendToClient(client.ID, out)
}
