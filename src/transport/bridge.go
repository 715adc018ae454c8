package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"leadbot/src/media"
)

// ====== Wire format ======

// frame is one JSON object exchanged with the bridge sidecar
type frame struct {
	Type    string       `json:"type"`
	ID      string       `json:"id,omitempty"`
	To      string       `json:"to,omitempty"`
	Text    string       `json:"text,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	QR      string       `json:"qr,omitempty"`
	OK      bool         `json:"ok,omitempty"`
	Error   string       `json:"error,omitempty"`
	Message *wireMessage `json:"message,omitempty"`
}

type wireMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	Body      string     `json:"body"`
	FromMe    bool       `json:"fromMe"`
	Timestamp int64      `json:"timestamp"`
	Media     *wireMedia `json:"media,omitempty"`
}

type wireMedia struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data"`
}

const (
	frameSend = "send"
	frameAck  = "ack"
)

func (m *wireMessage) toMessage() (*Message, error) {
	msg := &Message{
		ID:     m.ID,
		From:   m.From,
		Text:   m.Body,
		FromMe: m.FromMe,
	}
	if m.Timestamp > 0 {
		msg.Timestamp = time.Unix(m.Timestamp, 0)
	} else {
		msg.Timestamp = time.Now()
	}
	if m.Media != nil && m.Media.Data != "" {
		data, err := base64.StdEncoding.DecodeString(m.Media.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode media: %w", err)
		}
		msg.Media = &media.Attachment{MimeType: m.Media.MimeType, Filename: m.Media.Filename, Data: data}
	}
	return msg, nil
}

// ====== Bridge ======

// BridgeOptions configures a WSBridge
type BridgeOptions struct {
	URL        string
	Token      string
	AckTimeout time.Duration
	ReadLimit  int64
	Buffer     int
}

// WSBridge talks to a chat-network sidecar over a websocket
type WSBridge struct {
	opts   BridgeOptions
	logger zerolog.Logger
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	closed  bool
}

// NewWSBridge creates an unconnected bridge
func NewWSBridge(opts BridgeOptions, logger zerolog.Logger) *WSBridge {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 15 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 16 << 20
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &WSBridge{
		opts:    opts,
		logger:  logger,
		events:  make(chan Event, opts.Buffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan frame),
	}
}

func (b *WSBridge) Events() <-chan Event { return b.events }

// Connect dials the sidecar and starts reading frames. A previous
// connection, if any, is closed first.
func (b *WSBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge closed")
	}
	old := b.conn
	b.conn = nil
	b.mu.Unlock()
	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnecting")
	}

	header := http.Header{}
	if b.opts.Token != "" {
		header.Set("Authorization", "Bearer "+b.opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, b.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("failed to dial bridge: %w", err)
	}
	conn.SetReadLimit(b.opts.ReadLimit)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bridge closed")
		return fmt.Errorf("bridge closed")
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info().Str("url", b.opts.URL).Msg("Bridge connected")
	go b.readLoop(conn)
	return nil
}

func (b *WSBridge) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			b.drop(conn, err)
			return
		}

		var f frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			b.logger.Warn().Err(err).Msg("Discarding malformed bridge frame")
			continue
		}
		b.dispatch(f)
	}
}

func (b *WSBridge) dispatch(f frame) {
	now := time.Now()
	switch EventKind(f.Type) {
	case EventMessage:
		if f.Message == nil {
			return
		}
		msg, err := f.Message.toMessage()
		if err != nil {
			b.logger.Warn().Err(err).Str("from", f.Message.From).Msg("Discarding inbound message")
			return
		}
		b.emit(Event{Kind: EventMessage, Message: msg, At: now})
	case EventQR, EventAuthenticated, EventReady, EventAuthFailure, EventDisconnected, EventError:
		b.emit(Event{Kind: EventKind(f.Type), Reason: f.Reason, QR: f.QR, At: now})
	default:
		if f.Type != frameAck {
			b.logger.Debug().Str("type", f.Type).Msg("Ignoring unknown bridge frame")
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[f.ID]
		delete(b.pending, f.ID)
		b.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// drop forgets conn and reports the disconnect unless the bridge is closing
func (b *WSBridge) drop(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	pending := b.pending
	b.pending = make(map[string]chan frame)
	closed := b.closed
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- frame{Type: frameAck, Error: "disconnected"}
	}
	if closed {
		return
	}
	b.logger.Warn().Err(err).Msg("Bridge connection lost")
	b.emit(Event{Kind: EventDisconnected, Reason: err.Error(), At: time.Now()})
}

func (b *WSBridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Send delivers text to a counterpart and waits for the sidecar's ack
func (b *WSBridge) Send(ctx context.Context, to, text string) error {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	ack := make(chan frame, 1)
	b.pending[id] = ack
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	data, err := sonic.Marshal(frame{Type: frameSend, ID: id, To: to, Text: text})
	if err != nil {
		forget()
		return fmt.Errorf("failed to encode send frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		forget()
		return fmt.Errorf("failed to write send frame: %w", err)
	}

	timer := time.NewTimer(b.opts.AckTimeout)
	defer timer.Stop()
	select {
	case f := <-ack:
		if f.Error == "disconnected" {
			return ErrNotConnected
		}
		if !f.OK {
			return fmt.Errorf("%w: %s", ErrSendRejected, f.Error)
		}
		return nil
	case <-timer.C:
		forget()
		return fmt.Errorf("send to %s: no ack after %s", to, b.opts.AckTimeout)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Connected reports whether a live connection exists
func (b *WSBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *WSBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	close(b.done)
	b.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}
