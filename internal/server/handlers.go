package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/internal/services"
	"github.com/ajramos/gizreply/internal/version"
	"github.com/ajramos/gizreply/internal/workers"
)

type errorResponse struct {
	Error          string `json:"error"`
	ResyncRequired bool   `json:"resync_required,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.pushToken != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.pushToken)) != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid push token"})
			return
		}
	}

	env, err := services.DecodePushRequest(r.Body, s.maxBodyBytes)
	if err != nil {
		s.logger.WarnContext(r.Context(), "malformed notification",
			slog.String("request_id", RequestID(r.Context())), slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	n := env.Notification
	log := s.logger.With(
		slog.String("request_id", RequestID(r.Context())),
		slog.String("pubsub_message_id", env.MessageID),
		slog.Uint64("history_id", n.ReportedCursor))

	// The pipeline outlives a dropped push connection so a half-processed
	// batch still advances the cursor
	taskCtx := context.WithoutCancel(r.Context())
	var cancel context.CancelFunc = func() {}
	if s.notifyTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(taskCtx, s.notifyTimeout)
	}

	var outcome services.Outcome
	err = s.pool.Do(r.Context(), taskCtx, func(ctx context.Context) error {
		defer cancel()
		var herr error
		outcome, herr = s.notifications.HandleNotification(ctx, n)
		return herr
	})
	// Do only returns early on a dropped request; the detached task then
	// owns cancel. In every other case the task finished, was skipped or was
	// never queued.
	if r.Context().Err() == nil {
		cancel()
	}
	if err != nil {
		status, resp := notificationError(err)
		if status >= http.StatusInternalServerError {
			log.ErrorContext(r.Context(), "notification failed", slog.Int("status", status), slog.Any("error", err))
		} else {
			log.WarnContext(r.Context(), "notification rejected", slog.Int("status", status), slog.Any("error", err))
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(outcome)})
}

// notificationError maps pipeline failures to HTTP responses. Non-2xx makes
// Pub/Sub redeliver, which is safe because notifications are idempotent.
func notificationError(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}
	switch {
	case errors.Is(err, workers.ErrQueueFull), errors.Is(err, workers.ErrClosed):
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, services.ErrMalformedNotification):
		return http.StatusBadRequest, resp
	case errors.Is(err, services.ErrAccountNotFound):
		return http.StatusNotFound, resp
	case errors.Is(err, services.ErrAuth):
		return http.StatusUnauthorized, resp
	case errors.Is(err, services.ErrStaleHistoryCursor):
		resp.ResyncRequired = true
		return http.StatusInternalServerError, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	url, err := s.accounts.BeginLogin(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "begin login failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "consent denied: " + e})
		return
	}
	sum, err := s.accounts.CompleteLogin(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, db.ErrInvalidState):
			status = http.StatusBadRequest
		case errors.Is(err, services.ErrAuth):
			status = http.StatusUnauthorized
		}
		s.logger.WarnContext(r.Context(), "login callback failed", slog.Int("status", status), slog.Any("error", err))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.ListAccounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRegisterWatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	st, err := s.watch.Register(r.Context(), id)
	if err != nil {
		writeJSON(w, accountErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.watch.Unwatch(r.Context(), id); err != nil {
		writeJSON(w, accountErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status  string        `json:"status"`
		Version version.Info  `json:"version"`
		Workers workers.Stats `json:"workers"`
		LLM     string        `json:"llm,omitempty"`
	}{Status: "ok", Version: version.GetInfo()}
	if s.pool != nil {
		resp.Workers = s.pool.Stats()
	}
	if s.generator != nil {
		resp.LLM = "ok"
		if !s.generator.Reachable(r.Context()) {
			resp.LLM = "unreachable"
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func accountErrorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
