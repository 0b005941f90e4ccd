package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/wa-session-broker/internal/errors"
	"github.com/openclaw/wa-session-broker/internal/httputil"
	"github.com/openclaw/wa-session-broker/internal/model"
)

// SessionReader is the read-only view of the broker exposed to operators.
type SessionReader interface {
	GetStatus(userID string) *model.SessionStatus
	GetAllSessions() []model.SessionStatus
	GetStats() model.SessionStats
}

type SessionHandler struct {
	sessions SessionReader
}

func NewSessionHandler(sessions SessionReader) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListSessions)
	r.Get("/{userId}", h.GetSession)

	return r
}

// GET /sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	all := h.sessions.GetAllSessions()

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": page(all, p),
		"total":    len(all),
		"limit":    p.Limit,
		"offset":   p.Offset,
	})
}

// GET /sessions/{userId}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	status := h.sessions.GetStatus(chi.URLParam(r, "userId"))
	if status == nil {
		httputil.WriteError(w, apperrors.NotFound("Session"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /stats
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.GetStats())
}
