package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ====== Reconnector ======

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type scheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *scheduler) after(d time.Duration, f func()) Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *scheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *scheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

func TestReconnectorGivesUpAfterMaxAttempts(t *testing.T) {
	sched := &scheduler{}
	var failed []string
	base := 5 * time.Second
	r := NewReconnector(context.Background(), ReconnectOptions{
		BaseDelay:   base,
		MaxAttempts: 5,
		Connect:     func(context.Context) error { return errors.New("connection refused") },
		OnFailed:    func(reason string) { failed = append(failed, reason) },
		AfterFunc:   sched.after,
	}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		assert.True(t, r.OnDisconnect("stream closed"))
	}
	assert.Equal(t, []time.Duration{base, 2 * base, 4 * base, 8 * base, 16 * base}, sched.delays())
	assert.Equal(t, StateReconnecting, r.State())
	assert.Equal(t, 5, r.Attempts())

	// the fifth attempt fails: no sixth is scheduled
	sched.last().fn()
	assert.Equal(t, StateFailed, r.State())
	assert.Len(t, sched.delays(), 5)
	assert.Equal(t, []string{"connection refused"}, failed)

	assert.False(t, r.OnDisconnect("again"))
	assert.Len(t, sched.delays(), 5)
	assert.Len(t, failed, 1)
}

func TestReconnectorSuccessResetsCounter(t *testing.T) {
	sched := &scheduler{}
	connects := 0
	r := NewReconnector(context.Background(), ReconnectOptions{
		BaseDelay:   time.Second,
		MaxAttempts: 3,
		Connect: func(context.Context) error {
			connects++
			return nil
		},
		AfterFunc: sched.after,
	}, zerolog.Nop())

	r.OnDisconnect("network")
	r.OnDisconnect("network")
	first := sched.timers[0]
	assert.True(t, first.stopped, "a newer attempt replaces the pending one")

	sched.last().fn()
	assert.Equal(t, 1, connects)
	assert.Equal(t, StateConnected, r.State())
	assert.Equal(t, 0, r.Attempts())

	r.OnDisconnect("network")
	assert.Equal(t, time.Second, sched.last().delay)
}

func TestReconnectorAuthFailureIsTerminal(t *testing.T) {
	sched := &scheduler{}
	var failed string
	r := NewReconnector(context.Background(), ReconnectOptions{
		BaseDelay:   time.Second,
		MaxAttempts: 5,
		Connect:     func(context.Context) error { return nil },
		OnFailed:    func(reason string) { failed = reason },
		AfterFunc:   sched.after,
	}, zerolog.Nop())

	r.OnDisconnect("network")
	r.OnAuthFailure("session logged out")
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, "session logged out", failed)
	assert.True(t, sched.last().stopped)

	// a stale timer firing after the failure does nothing
	sched.last().fn()
	assert.Equal(t, StateFailed, r.State())

	r.Reset("operator")
	assert.Equal(t, StateReconnecting, r.State())
	assert.Equal(t, 1, r.Attempts())
}

// ====== Bridge ======

type sidecar struct {
	srv      *httptest.Server
	mu       sync.Mutex
	received []frame
	conns    chan *websocket.Conn
	reject   bool
}

func newSidecar(t *testing.T, onConnect func(ctx context.Context, c *websocket.Conn)) *sidecar {
	t.Helper()
	s := &sidecar{conns: make(chan *websocket.Conn, 4)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		s.conns <- c
		if onConnect != nil {
			onConnect(ctx, c)
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if err := sonic.Unmarshal(data, &f); err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, f)
			reject := s.reject
			s.mu.Unlock()

			ack := frame{Type: frameAck, ID: f.ID, OK: !reject}
			if reject {
				ack.Error = "invalid recipient"
			}
			out, _ := sonic.Marshal(ack)
			if err := c.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sidecar) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func writeFrame(ctx context.Context, c *websocket.Conn, f frame) {
	data, _ := sonic.Marshal(f)
	_ = c.Write(ctx, websocket.MessageText, data)
}

func nextEvent(t *testing.T, b *WSBridge) Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBridgeReceivesEventsAndSends(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n"))
	s := newSidecar(t, func(ctx context.Context, c *websocket.Conn) {
		writeFrame(ctx, c, frame{Type: "ready"})
		writeFrame(ctx, c, frame{Type: "message", Message: &wireMessage{
			ID:        "m1",
			From:      "51999000111@c.us",
			Body:      "Hola",
			Timestamp: 1767225600,
			Media:     &wireMedia{MimeType: "image/png", Data: img},
		}})
	})

	b := NewWSBridge(BridgeOptions{URL: s.url(), Token: "secret", AckTimeout: time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.Connected())

	assert.Equal(t, EventReady, nextEvent(t, b).Kind)

	ev := nextEvent(t, b)
	require.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "51999000111@c.us", ev.Message.From)
	assert.Equal(t, "Hola", ev.Message.Text)
	assert.Equal(t, int64(1767225600), ev.Message.Timestamp.Unix())
	require.NotNil(t, ev.Message.Media)
	assert.True(t, ev.Message.Media.IsImage())

	require.NoError(t, b.Send(context.Background(), "51999000111@c.us", "Hola, ¿cómo te llamas?"))
	s.mu.Lock()
	require.Len(t, s.received, 1)
	assert.Equal(t, frameSend, s.received[0].Type)
	assert.Equal(t, "Hola, ¿cómo te llamas?", s.received[0].Text)
	s.mu.Unlock()

	s.mu.Lock()
	s.reject = true
	s.mu.Unlock()
	err := b.Send(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrSendRejected)
}

func TestBridgeReportsDisconnect(t *testing.T) {
	s := newSidecar(t, nil)
	b := NewWSBridge(BridgeOptions{URL: s.url(), Token: "secret"}, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Connect(context.Background()))

	server := <-s.conns
	_ = server.Close(websocket.StatusGoingAway, "restart")

	ev := nextEvent(t, b)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.NotEmpty(t, ev.Reason)
	assert.False(t, b.Connected())
	assert.ErrorIs(t, b.Send(context.Background(), "x", "y"), ErrNotConnected)
}

func TestBridgeRejectsBadToken(t *testing.T) {
	s := newSidecar(t, nil)
	b := NewWSBridge(BridgeOptions{URL: s.url(), Token: "wrong"}, zerolog.Nop())
	assert.Error(t, b.Connect(context.Background()))
	assert.False(t, b.Connected())
}

// ====== Sender ======

type flakyTransport struct {
	Transport
	mu    sync.Mutex
	fails int
	err   error
	calls int
}

func (f *flakyTransport) Send(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return f.err
	}
	return nil
}

func TestSenderRetriesLinearly(t *testing.T) {
	tr := &flakyTransport{fails: 2, err: ErrNotConnected}
	s := NewSender(tr, 3, time.Millisecond, zerolog.Nop())
	require.NoError(t, s.Send(context.Background(), "51999000111", "hola"))
	assert.Equal(t, 3, tr.calls)

	assert.Equal(t, 2*time.Millisecond, s.policy.Delay(2, sendClass(ErrNotConnected)))
}

func TestSenderStopsOnRejection(t *testing.T) {
	tr := &flakyTransport{fails: 5, err: ErrSendRejected}
	s := NewSender(tr, 3, time.Millisecond, zerolog.Nop())
	assert.ErrorIs(t, s.Send(context.Background(), "x", "hola"), ErrSendRejected)
	assert.Equal(t, 1, tr.calls)

	assert.NoError(t, s.Send(context.Background(), "x", "   "))
	assert.Equal(t, 1, tr.calls)
}
