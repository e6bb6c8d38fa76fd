package domain

import "encoding/json"

type MessageType string

const (
	MessageSkipWaiting          MessageType = "SKIP_WAITING"
	MessageCacheCrisisResources MessageType = "CACHE_CRISIS_RESOURCES"
	MessageClearAllCaches       MessageType = "CLEAR_ALL_CACHES"
	MessageClearCache           MessageType = "CLEAR_CACHE"
	MessageCacheURLs            MessageType = "CACHE_URLS"
)

type WorkerMessage struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type" validate:"required,oneof=SKIP_WAITING CACHE_CRISIS_RESOURCES CLEAR_ALL_CACHES CLEAR_CACHE CACHE_URLS"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CacheURLsPayload struct {
	URLs []string `json:"urls" validate:"required,min=1"`
}

type WorkerReply struct {
	ID      string      `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type PushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	ForceShow bool   `json:"force_show"`
}

type Notification struct {
	Show               bool   `json:"show"`
	Title              string `json:"title"`
	Body               string `json:"body"`
	Tag                string `json:"tag"`
	URL                string `json:"url"`
	RequireInteraction bool   `json:"require_interaction"`
}

type NotificationClick struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}
