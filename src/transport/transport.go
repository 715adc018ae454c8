package transport

import (
	"context"
	"errors"
	"time"

	"leadbot/src/media"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrSendRejected = errors.New("send rejected by bridge")
)

// EventKind names a transport event
type EventKind string

const (
	EventMessage       EventKind = "message"
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventError         EventKind = "error"
)

// Message is one inbound chat message
type Message struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	Text      string            `json:"text"`
	FromMe    bool              `json:"fromMe"`
	Timestamp time.Time         `json:"timestamp"`
	Media     *media.Attachment `json:"-"`
}

// Event is a lifecycle signal or an inbound message
type Event struct {
	Kind    EventKind
	Message *Message
	Reason  string
	QR      string
	At      time.Time
}

// Transport connects to the messaging channel
type Transport interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	Close() error
}
