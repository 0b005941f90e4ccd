package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/wa-session-broker/internal/notify"
)

func newEventsServer(t *testing.T, hub *notify.Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/events/{phone}", NewEventsHandler(hub, time.Hour).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestEventsHandler_ServeHTTP(t *testing.T) {
	t.Run("rejects a short phone number", func(t *testing.T) {
		hub := notify.NewHub(nil)
		defer hub.Close()
		srv := newEventsServer(t, hub)

		resp, err := http.Get(srv.URL + "/events/123")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, 0, hub.TotalListeners())
	})

	t.Run("streams notifications for the normalized phone", func(t *testing.T) {
		hub := notify.NewHub(nil)
		defer hub.Close()
		srv := newEventsServer(t, hub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/+1-555-123-4567", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		require.Eventually(t, func() bool { return hub.ListenerCount("15551234567") == 1 }, 2*time.Second, 5*time.Millisecond)

		hub.Notify("15551234567", notify.PairingCode("ABCD-EFGH"))

		reader := bufio.NewReader(resp.Body)
		var lines []string
		for len(lines) < 2 {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		assert.Equal(t, "event: pairing_code", lines[0])
		assert.Contains(t, lines[1], `"code":"ABCD-EFGH"`)

		cancel()
		require.Eventually(t, func() bool { return hub.TotalListeners() == 0 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("ends the stream when the hub closes", func(t *testing.T) {
		hub := notify.NewHub(nil)
		srv := newEventsServer(t, hub)

		resp, err := http.Get(srv.URL + "/events/15551234567")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Eventually(t, func() bool { return hub.ListenerCount("15551234567") == 1 }, 2*time.Second, 5*time.Millisecond)

		hub.Close()

		_, err = bufio.NewReader(resp.Body).ReadString('\n')
		assert.Error(t, err)
	})
}

func TestEventsHandler_sendEvent(t *testing.T) {
	t.Run("writes event and data lines", func(t *testing.T) {
		handler := &EventsHandler{}
		rec := httptest.NewRecorder()

		err := handler.sendEvent(rec, rec, notify.Progress(progressFixture()))

		require.NoError(t, err)
		body := rec.Body.String()
		assert.Contains(t, body, "event: progress\n")
		assert.Contains(t, body, `"checked":4`)
		assert.True(t, strings.HasSuffix(body, "\n\n"))
	})
}
