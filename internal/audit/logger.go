package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionCreate     EventType = "session_create"
	EventSessionConnected  EventType = "session_connected"
	EventSessionDisconnect EventType = "session_disconnect"
	EventSessionDestroy    EventType = "session_destroy"
	EventPairingCodeIssued EventType = "pairing_code_issued"
	EventPairingFailed     EventType = "pairing_failed"
	EventLoggedOut         EventType = "logged_out"
	EventCapacityRejected  EventType = "capacity_rejected"
	EventIdleSweep         EventType = "idle_sweep"
	EventReconnectGiveUp   EventType = "reconnect_give_up"
)

type Event struct {
	Type    EventType
	UserID  string
	Phone   string
	Details map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}

	sub := logger.With().
		Str("audit", "session").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.UserID != "" {
		sub = sub.With().Str("user_id", event.UserID).Logger()
	}
	if event.Phone != "" {
		sub = sub.With().Str("phone", event.Phone).Logger()
	}

	logEvent := sub.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("session audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case time.Duration:
		return e.Dur(key, v)
	default:
		return e.Interface(key, v)
	}
}
