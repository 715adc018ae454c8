package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"leadbot/pkg"
	"leadbot/src/bot"
)

const maxBodyBytes = 64 << 10

// Engine is the part of the bot the API exposes
type Engine interface {
	Status() bot.Status
	SendManual(ctx context.Context, to, text string) error
	Reconnect(reason string)
}

// Server is the operational HTTP surface: health, status and manual sends
type Server struct {
	engine  Engine
	tracked func() int
	token   string
	logger  zerolog.Logger
	srv     *http.Server
}

// NewServer creates a server. tracked reports the number of live
// conversations and may be nil. An empty token disables auth.
func NewServer(addr, token string, engine Engine, tracked func() int, logger zerolog.Logger) *Server {
	s := &Server{
		engine:  engine,
		tracked: tracked,
		token:   strings.TrimSpace(token),
		logger:  logger,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/status", s.authorized(s.status))
	mux.HandleFunc("/send", s.authorized(s.send))
	mux.HandleFunc("/reconnect", s.authorized(s.reconnect))
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// ====== Handlers ======

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, pkg.HealthResponse{OK: true, Time: time.Now().UTC()})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.engine.Status()
	resp := pkg.StatusResponse{
		Connected:         st.Connected,
		ConnectionState:   st.ConnectionState,
		ReconnectAttempts: st.ReconnectAttempts,
		FailureReason:     st.FailureReason,
		LastQRChallenge:   st.LastQR,
		StartedAt:         st.StartedAt,
		UptimeSeconds:     int64(st.Uptime.Seconds()),
		PendingBuffers:    st.PendingBuffers,
		Counters: pkg.CounterSet{
			TurnsProcessed: st.Counters.TurnsProcessed,
			RepliesSent:    st.Counters.RepliesSent,
			SendFailures:   st.Counters.SendFailures,
			LeadsRecorded:  st.Counters.LeadsRecorded,
			Objections:     st.Counters.Objections,
			TurnsDropped:   st.Counters.TurnsDropped,
			TurnsRequeued:  st.Counters.TurnsRequeued,
			MediaRejected:  st.Counters.MediaRejected,
		},
	}
	if !st.LastQRAt.IsZero() {
		at := st.LastQRAt
		resp.LastQRAt = &at
	}
	if s.tracked != nil {
		resp.TrackedConversations = s.tracked()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req pkg.SendRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	if err := s.engine.SendManual(r.Context(), req.To, req.Text); err != nil {
		s.logger.Warn().Err(err).Str("to", req.To).Msg("Manual send failed")
		writeJSON(w, http.StatusBadGateway, pkg.SendResponse{OK: false, Error: "send failed"})
		return
	}
	writeJSON(w, http.StatusOK, pkg.SendResponse{OK: true})
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.engine.Reconnect("manual reconnect")
	writeJSON(w, http.StatusAccepted, pkg.SendResponse{OK: true})
}

// ====== Helpers ======

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !checkAuth(r, s.token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func checkAuth(r *http.Request, token string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	want := "Bearer " + token
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, pkg.ErrorResponse{Error: msg})
}
