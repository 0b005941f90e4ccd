package notify

import (
	"encoding/json"
	"time"

	"github.com/openclaw/wa-session-broker/internal/model"
)

type EventType string

const (
	EventPairingCode EventType = "pairing_code"
	EventConnected   EventType = "connected"
	EventError       EventType = "error"
	EventProgress    EventType = "progress"
)

// Event is one outbound notification. It serializes flat as
// {"type": ..., <data fields>, "timestamp": <unix ms>}.
type Event struct {
	Type      EventType
	Data      map[string]any
	Timestamp time.Time
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UnixMilli()
	return json.Marshal(out)
}

func newEvent(t EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data, Timestamp: time.Now()}
}

func PairingCode(code string) Event {
	return newEvent(EventPairingCode, map[string]any{"code": code})
}

func Connected() Event {
	return newEvent(EventConnected, nil)
}

func Error(message string) Event {
	return newEvent(EventError, map[string]any{"error": message})
}

func Progress(p model.ClassificationProgress) Event {
	return newEvent(EventProgress, map[string]any{
		"checked":       p.Checked,
		"total":         p.Total,
		"businessCount": p.BusinessCount,
		"done":          p.Done,
	})
}
