// Package handler is the REST boundary over the session lifecycle manager.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/wabridge/linkproxy/internal"
	"github.com/wabridge/linkproxy/session"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SessionsHandler serves the session lifecycle API.
type SessionsHandler struct {
	Manager *session.Manager
	// Version, AgentURL and Environment are reported by the health endpoint.
	Version     string
	AgentURL    string
	Environment string
}

// Register attaches every route to the router. The router should already
// carry the server middleware chain.
func (h *SessionsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/sessions", h.wrap(h.createSession)).Methods("POST")
	r.HandleFunc("/api/sessions", h.wrap(h.listSessions)).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}", h.wrap(h.getStatus)).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/status", h.wrap(h.getStatus)).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/qr", h.wrap(h.regenerateQR)).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/pairing-code", h.wrap(h.regeneratePairingCode)).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/restart", h.wrap(h.restart)).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/disconnect", h.wrap(h.disconnect)).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/reconnect", h.wrap(h.reconnect)).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/send", h.wrap(h.sendMessage)).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/credentials", h.wrap(h.getCredentials)).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}", h.wrap(h.disconnect)).Methods("DELETE")
	r.HandleFunc("/health", h.wrap(h.health)).Methods("GET")
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (h *SessionsHandler) wrap(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		herr := asHandlerError(err)
		if herr.StatusCode >= 500 {
			internal.GetSentryHubFromContextOrDefault(r.Context()).CaptureException(herr)
			logger.Err(herr.Err).Str("path", r.URL.Path).Msg("request failed")
		} else if l := hlog.FromRequest(r); l != nil {
			l.Warn().Err(herr.Err).Msg("request rejected")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
	}
}

// asHandlerError maps the session error taxonomy onto HTTP statuses.
func asHandlerError(err error) *internal.HandlerError {
	var herr *internal.HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	status := 500
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = 404
	case errors.Is(err, session.ErrInvalidAccountID), errors.Is(err, session.ErrMethodMismatch):
		status = 400
	case errors.Is(err, session.ErrInvalidCredentials):
		status = 401
	case errors.Is(err, session.ErrNotConnected):
		status = 409
	case errors.Is(err, session.ErrClientNotReady):
		status = 503
	default:
		var opErr *session.ClientOpError
		if errors.As(err, &opErr) {
			status = 502
		}
	}
	return &internal.HandlerError{StatusCode: status, Err: err}
}

func respond(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// readBody caps request bodies at 1MB; linking requests are tiny.
func readBody(r *http.Request) (gjson.Result, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("unreadable body: %w", err)}
	}
	if len(b) > 0 && !gjson.ValidBytes(b) {
		return gjson.Result{}, &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("body is not valid JSON")}
	}
	return gjson.ParseBytes(b), nil
}

func sessionID(r *http.Request) string {
	return mux.Vars(r)["sessionId"]
}

func (h *SessionsHandler) createSession(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	account := body.Get("phoneNumber").Str
	if account == "" {
		account = body.Get("accountId").Str
	}
	method := body.Get("method").Str
	if method == "" {
		method = "pairing-code"
	}
	id, err := h.Manager.CreateSession(r.Context(), account, method)
	if err != nil {
		return err
	}
	internal.SetRequestContextSessionID(r.Context(), id)
	return respond(w, 201, map[string]interface{}{
		"sessionId": id,
		"status":    session.StatusInitializing,
		"method":    method,
	})
}

func (h *SessionsHandler) listSessions(w http.ResponseWriter, r *http.Request) error {
	ids := h.Manager.SessionIDs()
	slices.Sort(ids)
	return respond(w, 200, map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	})
}

func (h *SessionsHandler) getStatus(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	view, err := h.Manager.Status(r.Context(), id)
	if err != nil {
		return err
	}
	internal.SetRequestContextInfo(r.Context(), view.Account, string(view.Method), string(view.Status))
	return respond(w, 200, view)
}

func (h *SessionsHandler) regenerateQR(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	code, err := h.Manager.RegenerateQR(r.Context(), id)
	if err != nil {
		return err
	}
	return respond(w, 200, map[string]interface{}{
		"sessionId": id,
		"qrCode":    code,
	})
}

func (h *SessionsHandler) regeneratePairingCode(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	code, err := h.Manager.RegeneratePairingCode(r.Context(), id)
	if err != nil {
		return err
	}
	return respond(w, 200, map[string]interface{}{
		"sessionId":   id,
		"pairingCode": code,
	})
}

func (h *SessionsHandler) restart(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	if err := h.Manager.Restart(r.Context(), id); err != nil {
		return err
	}
	return respond(w, 200, map[string]interface{}{
		"sessionId": id,
		"status":    session.StatusInitializing,
	})
}

func (h *SessionsHandler) disconnect(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	if err := h.Manager.Disconnect(r.Context(), id); err != nil {
		return err
	}
	return respond(w, 200, map[string]interface{}{
		"sessionId":    id,
		"disconnected": true,
	})
}

func (h *SessionsHandler) reconnect(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	body, err := readBody(r)
	if err != nil {
		return err
	}
	authToken := body.Get("authToken").Str
	deviceID := body.Get("deviceId").Str
	if authToken == "" || deviceID == "" {
		return &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("authToken and deviceId are required")}
	}
	if err := h.Manager.Reconnect(r.Context(), id, authToken, deviceID); err != nil {
		return err
	}
	return respond(w, 200, map[string]interface{}{
		"sessionId":    id,
		"reconnecting": true,
	})
}

func (h *SessionsHandler) sendMessage(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	body, err := readBody(r)
	if err != nil {
		return err
	}
	to := body.Get("phoneNumber").Str
	if to == "" {
		to = body.Get("to").Str
	}
	message := body.Get("message").Str
	if to == "" || message == "" {
		return &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("phoneNumber and message are required")}
	}
	if err := h.Manager.SendMessage(r.Context(), id, to, message); err != nil {
		return err
	}
	return respond(w, 200, map[string]interface{}{
		"sessionId": id,
		"sent":      true,
	})
}

func (h *SessionsHandler) getCredentials(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	internal.SetRequestContextSessionID(r.Context(), id)
	rec, err := h.Manager.Credentials(r.Context(), id)
	if err != nil {
		return err
	}
	if rec == nil {
		return &internal.HandlerError{StatusCode: 404, Err: fmt.Errorf("no credentials issued for this session")}
	}
	return respond(w, 200, rec)
}

func (h *SessionsHandler) health(w http.ResponseWriter, r *http.Request) error {
	return respond(w, 200, map[string]interface{}{
		"ok":          true,
		"version":     h.Version,
		"sessions":    len(h.Manager.SessionIDs()),
		"agentUrl":    h.AgentURL,
		"environment": h.Environment,
	})
}
