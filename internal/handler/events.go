package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/wa-session-broker/internal/errors"
	"github.com/openclaw/wa-session-broker/internal/httputil"
	"github.com/openclaw/wa-session-broker/internal/notify"
	"github.com/openclaw/wa-session-broker/internal/util"
)

// EventsHandler streams the notifications addressed to one phone number as
// server-sent events.
type EventsHandler struct {
	hub       *notify.Hub
	heartbeat time.Duration
}

func NewEventsHandler(hub *notify.Hub, heartbeat time.Duration) *EventsHandler {
	return &EventsHandler{hub: hub, heartbeat: heartbeat}
}

// GET /events/{phone}
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "phone")
	phone, ok := util.NormalizePairingPhone(raw)
	if !ok {
		httputil.WriteError(w, apperrors.InvalidPhoneNumber(raw))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := h.hub.Subscribe(phone)
	defer h.hub.Unsubscribe(listener)

	log.Info().Str("phone", phone).Msg("sse connection established")

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("phone", phone).Msg("sse connection closed by client")
			return

		case <-listener.Done:
			log.Info().Str("phone", phone).Msg("sse connection closed by hub")
			return

		case event := <-listener.Events:
			if err := h.sendEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Str("phone", phone).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("phone", phone).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
