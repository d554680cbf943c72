package models

import (
	"encoding/json"
	"time"
)

// Event types delivered to stream subscribers
const (
	EventTypeConnected = "connected"
	EventTypeData      = "data"
	EventTypePing      = "ping"
	EventTypeError     = "error"
)

// Event is the transport-agnostic envelope relayed to subscribers
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Message   *string         `json:"message"`
	Timestamp float64         `json:"timestamp"`
}

// NewEvent builds an event stamped with t
func NewEvent(eventType, sessionID string, data json.RawMessage, t time.Time) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: float64(t.UnixNano()) / float64(time.Second),
	}
}

// WithMessage returns a copy of e carrying a human readable message
func (e Event) WithMessage(msg string) Event {
	e.Message = &msg
	return e
}

// IngestNotice is published after an ingestion run completes
type IngestNotice struct {
	Type     string    `json:"type"` // fixtures, odds
	Count    int       `json:"count"`
	Inserted int       `json:"inserted"`
	Updated  int       `json:"updated"`
	Errors   int       `json:"errors"`
	At       time.Time `json:"at"`
}

// ErrorResponse is returned by the HTTP layer for failed requests
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
