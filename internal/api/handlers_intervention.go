package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/store"
)

type resolveInterventionRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// verifyWebhookSignature checks the X-Webhook-Signature header
// against an HMAC-SHA256 of body keyed by secret, authenticating the
// CAPTCHA/2FA solving service's resolve_intervention callback. Skipped
// when no secret is configured; fails closed on a wrong signature.
func verifyWebhookSignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return true
	}
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// handleInterventionSubroutes implements resolve_intervention
// (application_id, action, payload?) under
// POST /interventions/{application_id}/resolve.
func (s *Server) handleInterventionSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/interventions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "resolve" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	applicationID, err := store.ParseID(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !verifyWebhookSignature(s.WebhookSecret, body, r.Header.Get("X-Webhook-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var req resolveInterventionRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action := intervention.Action(req.Action)
	switch action {
	case intervention.ActionContinue, intervention.ActionSkip, intervention.ActionAbort:
	default:
		writeError(w, http.StatusBadRequest, "action must be one of continue, skip, abort")
		return
	}

	if !s.Bridge.IsPending(applicationID) {
		// A second resolve for the same application is ignored; callers
		// get a clear conflict rather than a silent 200 so retried
		// clients notice a stale request.
		writeError(w, http.StatusConflict, "no pending intervention for this application")
		return
	}
	if !s.Bridge.Resolve(applicationID, action, req.Payload) {
		writeError(w, http.StatusConflict, "intervention already resolved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
