package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/pkg"
	"leadbot/src/bot"
)

type fakeEngine struct {
	status     bot.Status
	sent       []pkg.SendRequest
	sendErr    error
	reconnects int
}

func (f *fakeEngine) Status() bot.Status { return f.status }

func (f *fakeEngine) SendManual(_ context.Context, to, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, pkg.SendRequest{To: to, Text: text})
	return nil
}

func (f *fakeEngine) Reconnect(string) { f.reconnects++ }

func newTestServer(engine *fakeEngine, token string) http.Handler {
	return NewServer(":0", token, engine, func() int { return 7 }, zerolog.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoToken(t *testing.T) {
	h := newTestServer(&fakeEngine{}, "secret")
	rec := do(t, h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pkg.HealthResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
}

func TestStatusRequiresToken(t *testing.T) {
	engine := &fakeEngine{status: bot.Status{
		Connected:       true,
		ConnectionState: "connected",
		LastQR:          "qr",
		LastQRAt:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		StartedAt:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Uptime:          90 * time.Second,
		Counters:        bot.Counters{TurnsProcessed: 4, LeadsRecorded: 1},
	}}
	h := newTestServer(engine, "secret")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/status", "wrong", "").Code)

	rec := do(t, h, http.MethodGet, "/status", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pkg.StatusResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	assert.Equal(t, "qr", resp.LastQRChallenge)
	require.NotNil(t, resp.LastQRAt)
	assert.Equal(t, int64(90), resp.UptimeSeconds)
	assert.Equal(t, 7, resp.TrackedConversations)
	assert.Equal(t, int64(4), resp.Counters.TurnsProcessed)
	assert.Equal(t, int64(1), resp.Counters.LeadsRecorded)
}

func TestSendForwardsToEngine(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(engine, "")

	rec := do(t, h, http.MethodPost, "/send", "", `{"to": "51999000111@c.us", "text": "Hola"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []pkg.SendRequest{{To: "51999000111@c.us", Text: "Hola"}}, engine.sent)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/send", "", `{"to": ""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/send", "", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/send", "", "").Code)

	engine.sendErr = errors.New("transport not connected")
	rec = do(t, h, http.MethodPost, "/send", "", `{"to": "x", "text": "y"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "transport not connected")
}

func TestReconnect(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(engine, "secret")
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/reconnect", "secret", "").Code)
	assert.Equal(t, 1, engine.reconnects)
}
