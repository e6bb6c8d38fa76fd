package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

const (
	APIPrefix = "/_lifeline/api/v1"
	WSPath    = "/_lifeline/ws"
)

type Handlers struct {
	Store     *StoreHandler
	Sync      *SyncHandler
	Storage   *StorageHandler
	Worker    *WorkerHandler
	WebSocket *WebSocketHandler
	Proxy     http.Handler
}

// Middlewares are applied in order. Logger wraps every request; CORS and
// Auth only wrap the control API and the message port. Nil entries are
// skipped.
type Middlewares struct {
	Logger mux.MiddlewareFunc
	CORS   mux.MiddlewareFunc
	Auth   mux.MiddlewareFunc
}

// NewRouter mounts the control API under APIPrefix and the message port at
// WSPath. Every other path goes to the proxy.
func NewRouter(h Handlers, m Middlewares) *mux.Router {
	r := mux.NewRouter()
	if m.Logger != nil {
		r.Use(m.Logger)
	}

	r.HandleFunc("/_lifeline/health", healthHandler).Methods("GET")

	control := []mux.MiddlewareFunc{}
	for _, mw := range []mux.MiddlewareFunc{m.CORS, m.Auth} {
		if mw != nil {
			control = append(control, mw)
		}
	}

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(control...)

	api.HandleFunc("/stores", h.Store.ListStores).Methods("GET", "OPTIONS")
	api.HandleFunc("/stores/{store}/records", h.Store.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/stores/{store}/records", h.Store.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/stores/{store}/records", h.Store.Clear).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/stores/{store}/records/{id}", h.Store.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/stores/{store}/records/{id}", h.Store.Put).Methods("PUT", "OPTIONS")
	api.HandleFunc("/stores/{store}/records/{id}", h.Store.Delete).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/stores/{store}/records/{id}/sync-status", h.Store.UpdateSyncStatus).Methods("PUT", "OPTIONS")
	api.HandleFunc("/stores/{store}/batch", h.Store.Batch).Methods("POST", "OPTIONS")
	api.HandleFunc("/stores/{store}/index/{field}/{value}", h.Store.FindByIndex).Methods("GET", "OPTIONS")

	api.HandleFunc("/backup", h.Store.Export).Methods("GET", "OPTIONS")
	api.HandleFunc("/backup", h.Store.Import).Methods("POST", "OPTIONS")

	api.HandleFunc("/sync", h.Sync.Tags).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/drain", h.Sync.DrainAll).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/{tag}/queue", h.Sync.Pending).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/{tag}/queue", h.Sync.Enqueue).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/{tag}/drain", h.Sync.Drain).Methods("POST", "OPTIONS")

	api.HandleFunc("/storage", h.Storage.Stats).Methods("GET", "OPTIONS")
	api.HandleFunc("/storage/cleanup", h.Storage.Cleanup).Methods("POST", "OPTIONS")
	api.HandleFunc("/storage/persist", h.Storage.Persist).Methods("POST", "OPTIONS")

	api.HandleFunc("/worker", h.Worker.State).Methods("GET", "OPTIONS")
	api.HandleFunc("/worker/messages", h.Worker.Message).Methods("POST", "OPTIONS")
	api.HandleFunc("/worker/push", h.Worker.Push).Methods("POST", "OPTIONS")
	api.HandleFunc("/worker/notification-click", h.Worker.NotificationClick).Methods("POST", "OPTIONS")

	var wsHandler http.Handler = http.HandlerFunc(h.WebSocket.HandleConnection)
	for i := len(control) - 1; i >= 0; i-- {
		wsHandler = control[i](wsHandler)
	}
	r.Handle(WSPath, wsHandler)

	r.PathPrefix("/").Handler(h.Proxy)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"lifeline-offline"}`))
}
