package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/middleware"
	"github.com/applyctl/flowctl/internal/store"
)

// createSessionRequest is the body for POST /sessions
// (create_session).
type createSessionRequest struct {
	Timezone          string  `json:"timezone"`
	EffortPolicyRef   string  `json:"effort_policy_ref"`
	StealthPolicyRef  string  `json:"stealth_policy_ref"`
	MaxItems          int     `json:"max_items"`
	MaxDurationSecond int     `json:"max_duration_seconds"`
	MaxConcurrency    int     `json:"max_concurrency"`
	BudgetCost        float64 `json:"budget_cost"`
}

type enqueueItemsRequest struct {
	Items []enqueueItem `json:"items"`
}

type enqueueItem struct {
	JobURL      string  `json:"job_url"`
	HintEffort  string  `json:"hint_effort"`
	MatchScore  float64 `json:"match_score"`
	CompanyTier string  `json:"company_tier"`
	ResumeRef   string  `json:"resume_ref"`
	ProfileRef  string  `json:"profile_ref"`
}

// handleSessions routes POST /sessions (create_session).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.withIdempotency(s.handleCreateSession)(w, r)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	sess := &store.Session{
		ID:               store.NewID(),
		UserID:           userID,
		Timezone:         req.Timezone,
		EffortPolicyRef:  req.EffortPolicyRef,
		StealthPolicyRef: req.StealthPolicyRef,
		Limits: store.SessionLimits{
			MaxItems:       req.MaxItems,
			MaxDuration:    time.Duration(req.MaxDurationSecond) * time.Second,
			MaxConcurrency: req.MaxConcurrency,
			BudgetCost:     req.BudgetCost,
		},
		Status:    store.SessionPlanned,
		CreatedAt: time.Now(),
	}

	// create_session only stages the config snapshot; nothing is
	// persisted through the Repository until start() — Controller.Start
	// performs that single write along with launching the Dispatcher
	// and Worker Pool.
	s.pendingMu.Lock()
	s.pendingSessions[sess.ID] = sess
	s.pendingMu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID.String()})
}

// handleSessionSubroutes dispatches every /sessions/{id}/... path.
func (s *Server) handleSessionSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID, err := store.ParseID(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "items" && r.Method == http.MethodPost:
		s.withIdempotency(s.enqueueItemsHandler(sessionID))(w, r)
	case action == "start" && r.Method == http.MethodPost:
		s.handleStart(w, r, sessionID)
	case action == "pause" && r.Method == http.MethodPost:
		s.handlePause(w, r, sessionID)
	case action == "resume" && r.Method == http.MethodPost:
		s.handleResume(w, r, sessionID)
	case action == "stop" && r.Method == http.MethodPost:
		s.handleStop(w, r, sessionID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, sessionID)
	case action == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, sessionID)
	case action == "digest" && r.Method == http.MethodGet:
		s.handleDigest(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// enqueueItemsHandler implements enqueue_items: job URLs in,
// application ids out. Items are staged alongside the pending session
// config and only persisted when start() is called, since queue
// composition freezes once the dispatcher begins running.
func (s *Server) enqueueItemsHandler(sessionID store.ID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := middleware.UserID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		s.pendingMu.Lock()
		_, staged := s.pendingSessions[sessionID]
		s.pendingMu.Unlock()
		if !staged {
			writeError(w, http.StatusConflict, "session already started or unknown")
			return
		}

		var req enqueueItemsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		ids := make([]string, 0, len(req.Items))
		items := make([]*store.ApplicationItem, 0, len(req.Items))
		for _, it := range req.Items {
			domain, err := store.CanonicalDomain(it.JobURL)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			hint := store.Effort(it.HintEffort)
			if hint == "" {
				hint = store.EffortMedium
			}
			item := &store.ApplicationItem{
				ID:          store.NewID(),
				SessionID:   sessionID,
				UserID:      userID,
				JobURL:      it.JobURL,
				Domain:      domain,
				HintEffort:  hint,
				MatchScore:  it.MatchScore,
				CompanyTier: it.CompanyTier,
				ResumeRef:   it.ResumeRef,
				ProfileRef:  it.ProfileRef,
				Status:      store.AppQueued,
				QueuedAt:    time.Now(),
			}
			items = append(items, item)
			ids = append(ids, item.ID.String())
		}

		s.pendingMu.Lock()
		s.pendingItems[sessionID] = append(s.pendingItems[sessionID], items...)
		s.pendingMu.Unlock()

		writeJSON(w, http.StatusCreated, map[string]any{"application_ids": ids})
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, sessionID store.ID) {
	s.pendingMu.Lock()
	sess, staged := s.pendingSessions[sessionID]
	items := s.pendingItems[sessionID]
	delete(s.pendingSessions, sessionID)
	delete(s.pendingItems, sessionID)
	s.pendingMu.Unlock()
	if !staged {
		writeError(w, http.StatusNotFound, "session not found or already started")
		return
	}

	if err := s.Controller.Start(r.Context(), sess, items); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, sessionID store.ID) {
	if err := s.Controller.Pause(r.Context(), sessionID); err != nil {
		writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, sessionID store.ID) {
	if err := s.Controller.Resume(r.Context(), sessionID); err != nil {
		writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request, sessionID store.ID) {
	if err := s.Controller.Stop(sessionID); err != nil {
		writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, sessionID store.ID) {
	if err := s.Controller.Cancel(r.Context(), sessionID); err != nil {
		writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sessionID store.ID) {
	snap, err := s.StatusSnapshot(r.Context(), sessionID.String())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request, sessionID store.ID) {
	d, err := s.Repo.GetDigest(r.Context(), sessionID)
	if err == nil {
		writeJSON(w, http.StatusOK, d)
		return
	}
	d, err = s.Controller.Digest(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeControllerError(w http.ResponseWriter, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindUnknown:
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}
