package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeEmbeddingRequest is sent when an embedding request finishes
	EventTypeEmbeddingRequest EventType = "embedding_request"
	// EventTypeSystemStatus carries periodic pipeline status
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// EmbeddingRequestEvent summarizes one finished embedding request
type EmbeddingRequestEvent struct {
	RequestID  string  `json:"request_id"`
	Source     string  `json:"source"` // http or ingest
	Model      string  `json:"model"`
	Items      int     `json:"items"`
	Tokens     int     `json:"tokens"`
	CacheHits  int     `json:"cache_hits"`
	StatusCode int     `json:"status_code"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	DurationMS float64 `json:"duration_ms"`
	ClientIP   string  `json:"client_ip,omitempty"`
}

// SystemStatusEvent represents pipeline status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Model            string `json:"model"`
	Dimension        int    `json:"dimension"`
	InFlight         int    `json:"in_flight"`
	Waiting          int    `json:"waiting"`
	EngineBusy       int    `json:"engine_busy"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	// subscriptions is nil when the client receives every event type
	subscriptions map[EventType]bool
}
