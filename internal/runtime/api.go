package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-listen/internal/session"
)

type sessionResponse struct {
	State     string `json:"state"`
	Capturing bool   `json:"capturing"`
	SessionID string `json:"session_id,omitempty"`
	LastText  string `json:"last_text,omitempty"`
	Policy    string `json:"policy"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

type api struct {
	manager   *session.Manager
	available func() bool
	ready     func() bool
	hub       *hub
	log       *slog.Logger
}

func (a *api) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("POST /v1/session/start", a.sessionOp(a.manager.Start))
	mux.HandleFunc("POST /v1/session/toggle", a.sessionOp(a.manager.Toggle))
	mux.HandleFunc("POST /v1/session/stop", a.sessionOp(a.manager.Stop))
	mux.HandleFunc("GET /v1/events", a.hub.serveWS)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleSession(w http.ResponseWriter, _ *http.Request) {
	a.writeSession(w, http.StatusOK, nil)
}

func (a *api) sessionOp(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := op(r.Context())
		if err != nil {
			a.log.Info("session request failed", slog.String("path", r.URL.Path), slogError(err))
		}
		a.writeSession(w, statusFor(err), err)
	}
}

func (a *api) writeSession(w http.ResponseWriter, status int, err error) {
	snap := a.manager.Snapshot()
	resp := sessionResponse{
		State:     snap.State.String(),
		Capturing: snap.Capturing,
		SessionID: snap.SessionID,
		LastText:  snap.LastText,
		Policy:    a.manager.Policy().String(),
		Available: a.available(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusFor maps session errors onto HTTP statuses: refused permission is
// 403, a pending permission prompt is 409, anything hardware or engine
// related is 503.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrDenied), errors.Is(err, session.ErrRestricted):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotDetermined):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
