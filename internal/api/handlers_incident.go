package api

import (
	"net/http"
	"strings"

	"github.com/applyctl/flowctl/internal/incident"
	"github.com/applyctl/flowctl/internal/store"
)

// handleApplicationSubroutes serves GET /applications/{id}/incident, the
// context bundle a human reviewer needs when an application is stuck on
// a pending intervention: the item, its owning session, its event
// history, and every question answered so far.
func (s *Server) handleApplicationSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/applications/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "incident" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	applicationID, err := store.ParseID(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	report, err := incident.Capture(r.Context(), s.Repo, applicationID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
