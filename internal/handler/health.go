package handler

import (
	"net/http"
	"time"
)

type ListenerCounter interface {
	TotalListeners() int
}

type HealthHandler struct {
	sessions  SessionReader
	listeners ListenerCounter
}

func NewHealthHandler(sessions SessionReader, listeners ListenerCounter) *HealthHandler {
	return &HealthHandler{sessions: sessions, listeners: listeners}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.sessions.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"active":    stats.Active,
		"connected": stats.Connected,
		"max":       stats.Max,
		"listeners": h.listeners.TotalListeners(),
		"timestamp": time.Now().UnixMilli(),
	})
}
