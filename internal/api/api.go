// Package api exposes the control API over HTTP: session lifecycle,
// item enqueueing, intervention resolution, status (polling and
// WebSocket), and the incident read path. Plain net/http with a
// ServeMux, JWT auth middleware, and an idempotency-key middleware on
// the mutating routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/applyctl/flowctl/internal/eventlog"
	"github.com/applyctl/flowctl/internal/idempotency"
	"github.com/applyctl/flowctl/internal/intervention"
	"github.com/applyctl/flowctl/internal/middleware"
	"github.com/applyctl/flowctl/internal/session"
	"github.com/applyctl/flowctl/internal/store"
	"github.com/applyctl/flowctl/internal/wsfeed"
)

// Server bundles every collaborator the Control API handlers need.
type Server struct {
	Repo        store.Repository
	Log         *eventlog.Log
	Controller  *session.Controller
	Bridge      *intervention.Bridge
	Idempotency *idempotency.Store
	WSHub       *wsfeed.Hub

	// WebhookSecret authenticates inbound resolve_intervention
	// callbacks from the CAPTCHA/2FA solving service.
	WebhookSecret []byte

	mux *http.ServeMux

	// pendingMu guards sessions and items accepted by create_session
	// and enqueue_items but not yet handed to the session controller:
	// the config snapshot and item queue freeze only at start, so until
	// start() is called nothing is persisted through the Repository.
	// Controller.Start does that single write itself.
	pendingMu       sync.Mutex
	pendingSessions map[store.ID]*store.Session
	pendingItems    map[store.ID][]*store.ApplicationItem
}

// New wires the route table. Every route but /health and /ws/sessions/
// runs through middleware.Authenticate; the WebSocket upgrade
// authenticates itself by bearer token query param.
func New(s *Server) http.Handler {
	s.mux = http.NewServeMux()
	s.pendingSessions = make(map[store.ID]*store.Session)
	s.pendingItems = make(map[store.ID][]*store.ApplicationItem)
	if s.WSHub == nil {
		s.WSHub = wsfeed.New(s.StatusSnapshot, time.Second)
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/sessions", middleware.Authenticate(http.HandlerFunc(s.handleSessions)))
	s.mux.Handle("/sessions/", middleware.Authenticate(http.HandlerFunc(s.handleSessionSubroutes)))
	s.mux.Handle("/interventions/", middleware.Authenticate(http.HandlerFunc(s.handleInterventionSubroutes)))
	s.mux.Handle("/applications/", middleware.Authenticate(http.HandlerFunc(s.handleApplicationSubroutes)))
	s.mux.HandleFunc("/ws/sessions/", s.handleWebSocket)

	return middleware.CORS(s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withIdempotency replays the first response for a retried
// X-Idempotency-Key: a caller retrying create_session or enqueue_items
// with the same key gets the cached response rather than a second
// session or set of items created.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" || s.Idempotency == nil {
			next(w, r)
			return
		}
		if resp, found := s.Idempotency.Get(r.Context(), key); found {
			for k, vs := range resp.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		s.Idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// StatusSnapshot implements wsfeed.StatusProvider, reused by both the
// polling status() handler and the WebSocket feed so the two surfaces
// never disagree.
func (s *Server) StatusSnapshot(ctx context.Context, sessionIDStr string) (wsfeed.StatusSnapshot, error) {
	id, err := store.ParseID(sessionIDStr)
	if err != nil {
		return wsfeed.StatusSnapshot{}, err
	}
	sess, err := s.Repo.GetSession(ctx, id)
	if err != nil {
		return wsfeed.StatusSnapshot{}, err
	}
	items, err := s.Repo.ListApplications(ctx, id)
	if err != nil {
		return wsfeed.StatusSnapshot{}, err
	}

	domainSummary := make(map[string]any)
	for _, item := range items {
		counts, _ := domainSummary[item.Domain].(map[string]int)
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[string(item.Status)]++
		domainSummary[item.Domain] = counts
	}

	return wsfeed.StatusSnapshot{
		SessionID: sessionIDStr,
		Status:    string(sess.Status),
		InFlight:  sess.Counters.InFlight,
		Counters: map[string]any{
			"attempted":  sess.Counters.Attempted,
			"succeeded":  sess.Counters.Succeeded,
			"failed":     sess.Counters.Failed,
			"skipped":    sess.Counters.Skipped,
			"cancelled":  sess.Counters.Cancelled,
			"tokens_in":  sess.Counters.TokensIn,
			"tokens_out": sess.Counters.TokensOut,
			"cost":       sess.Counters.Cost,
		},
		Domains: domainSummary,
	}, nil
}
