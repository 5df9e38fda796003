package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/version"
)

// maxWebhookBodyBytes bounds webhook payloads. GitHub caps payloads at
// 25 MB; anything bigger is not a webhook.
const maxWebhookBodyBytes = 25 << 20

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, event.SourceGitHub,
		event.HeaderGitHubDelivery,
		event.HeaderGitHubSignature, event.HeaderGitHubEvent)
}

func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, event.SourceGitLab,
		"X-Gitlab-Event-UUID",
		event.HeaderGitLabToken, event.HeaderGitLabEvent)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, source event.Source, idHeader string, headers ...string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxWebhookBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	delivery := event.Delivery{
		Source:  source,
		ID:      r.Header.Get(idHeader),
		Headers: make(map[string]string, len(headers)),
		Body:    body,
	}
	for _, h := range headers {
		delivery.Headers[h] = r.Header.Get(h)
	}

	receipt, err := s.dispatcher.Submit(delivery)
	if err != nil {
		s.writeSubmitError(w, r, source, err)
		return
	}

	// Everything settled without error is acknowledged: the sender must
	// not retry admitted, duplicate, or ignored deliveries.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     string(receipt.Decision),
		"repository": receipt.Event.Repository,
		"revision":   receipt.Event.Revision,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, source event.Source, err error) {
	switch {
	case errors.IsUnauthorized(err):
		s.logger.Warnw("Rejected webhook delivery",
			"source", source, "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "Signature verification failed")
	case errors.IsMalformed(err):
		writeError(w, http.StatusBadRequest, "Malformed delivery")
	case errors.IsOverloaded(err):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "Queue full, retry later")
	default:
		s.logger.Errorw("Webhook submission failed",
			"source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// handleStatus serves GET /api/status/{repository...}/{revision}. The
// repository segment includes its host prefix, e.g.
// /api/status/github.com/acme/widgets/abc123.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/status/")
	if len(parts) < 3 {
		writeError(w, http.StatusBadRequest, "Expected /api/status/{repository}/{revision}")
		return
	}
	key := event.Key{
		Repository: strings.Join(parts[:len(parts)-1], "/"),
		Revision:   parts[len(parts)-1],
	}

	rec, err := s.store.Get(key)
	if err != nil {
		s.logger.Errorw("Status lookup failed", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	status, err := s.tracker.Get(key)
	if err != nil {
		s.logger.Errorw("Status lookup failed", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if rec == nil && status == nil {
		writeError(w, http.StatusNotFound, "Unknown repository revision")
		return
	}

	resp := statusResponse{
		Repository: key.Repository,
		Revision:   key.Revision,
		Queued:     s.dispatcher.QueuedFor(key),
	}
	if rec != nil {
		resp.State = string(rec.State)
		resp.Reason = rec.Reason
		resp.Attempts = rec.Attempts
		resp.UpdatedAt = rec.UpdatedAt
		if rec.CooldownUntil != nil {
			resp.CooldownUntil = rec.CooldownUntil
		}
	}
	if status != nil {
		resp.Stage = status.State
		resp.StageOutcome = status.Outcome
		for _, tr := range status.Transitions {
			resp.Transitions = append(resp.Transitions, transitionResponse{
				Stage:      tr.State,
				Outcome:    tr.Outcome,
				Reason:     tr.Reason,
				Attempt:    tr.Attempt,
				RecordedAt: tr.RecordedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Repository    string               `json:"repository"`
	Revision      string               `json:"revision"`
	State         string               `json:"state,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Attempts      int                  `json:"attempts,omitempty"`
	Queued        int                  `json:"queued"`
	Stage         string               `json:"stage,omitempty"`
	StageOutcome  string               `json:"stage_outcome,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at,omitempty"`
	CooldownUntil *time.Time           `json:"cooldown_until,omitempty"`
	Transitions   []transitionResponse `json:"transitions,omitempty"`
}

type transitionResponse struct {
	Stage      string    `json:"stage"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Attempt    int       `json:"attempt"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     version.Get().Version,
		"queue_depth": s.dispatcher.QueueDepth(),
	})
}
