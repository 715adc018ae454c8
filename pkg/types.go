package pkg

import (
	"time"
)

// Operational API wire types

// HealthResponse is returned by GET /health
type HealthResponse struct {
	OK   bool      `json:"ok"`
	Time time.Time `json:"time"`
}

// CounterSet mirrors the engine counters
type CounterSet struct {
	TurnsProcessed int64 `json:"turns_processed"`
	RepliesSent    int64 `json:"replies_sent"`
	SendFailures   int64 `json:"send_failures"`
	LeadsRecorded  int64 `json:"leads_recorded"`
	Objections     int64 `json:"objections"`
	TurnsDropped   int64 `json:"turns_dropped"`
	TurnsRequeued  int64 `json:"turns_requeued"`
	MediaRejected  int64 `json:"media_rejected"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	Connected            bool       `json:"connected"`
	ConnectionState      string     `json:"connection_state"`
	ReconnectAttempts    int        `json:"reconnect_attempts"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	LastQRChallenge      string     `json:"last_qr_challenge,omitempty"`
	LastQRAt             *time.Time `json:"last_qr_at,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	UptimeSeconds        int64      `json:"uptime_seconds"`
	PendingBuffers       int        `json:"pending_buffers"`
	TrackedConversations int        `json:"tracked_conversations"`
	Counters             CounterSet `json:"counters"`
}

// SendRequest is the body of POST /send
type SendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendResponse is returned by POST /send
type SendResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the body of any failed request
type ErrorResponse struct {
	Error string `json:"error"`
}
