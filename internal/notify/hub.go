// Package notify routes session notifications to listeners keyed by the
// user's normalized phone number. Delivery is best-effort: nothing is queued
// for phones without listeners and full listener buffers drop events.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	listenerBufferSize = 100
	publishQueueSize   = 256
	publishTimeout     = 5 * time.Second
)

// Sink receives notifications for a phone number. Implementations must not block.
type Sink interface {
	Notify(phone string, event Event)
}

// Publisher forwards encoded notifications to an out-of-process transport.
type Publisher interface {
	PublishNotification(ctx context.Context, phone string, payload []byte) error
}

type Listener struct {
	Phone  string
	Events chan Event
	Done   chan struct{}
}

type publishJob struct {
	phone   string
	payload []byte
}

type Hub struct {
	listeners map[string]map[*Listener]bool // phone -> set of listeners
	mu        sync.RWMutex

	publisher Publisher
	queue     chan publishJob
	wg        sync.WaitGroup
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub. publisher may be nil.
func NewHub(publisher Publisher) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		listeners: make(map[string]map[*Listener]bool),
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
	}
	if publisher != nil {
		h.queue = make(chan publishJob, publishQueueSize)
		h.wg.Add(1)
		go h.runPublisher()
	}
	return h
}

func (h *Hub) Subscribe(phone string) *Listener {
	l := &Listener{
		Phone:  phone,
		Events: make(chan Event, listenerBufferSize),
		Done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.listeners[phone] == nil {
		h.listeners[phone] = make(map[*Listener]bool)
	}
	h.listeners[phone][l] = true
	count := len(h.listeners[phone])
	h.mu.Unlock()

	log.Debug().
		Str("phone", phone).
		Int("listenerCount", count).
		Msg("notification listener subscribed")

	return l
}

func (h *Hub) Unsubscribe(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.listeners[l.Phone]; ok && set[l] {
		delete(set, l)
		close(l.Done)

		if len(set) == 0 {
			delete(h.listeners, l.Phone)
		}

		log.Debug().
			Str("phone", l.Phone).
			Int("listenerCount", len(set)).
			Msg("notification listener unsubscribed")
	}
}

// Notify delivers event to the phone's listeners and queues it for the
// publisher. It never blocks.
func (h *Hub) Notify(phone string, event Event) {
	if phone == "" {
		return
	}

	h.mu.RLock()
	for l := range h.listeners[phone] {
		select {
		case l.Events <- event:
		default:
			log.Warn().
				Str("phone", phone).
				Str("type", string(event.Type)).
				Msg("listener buffer full, dropping notification")
		}
	}
	h.mu.RUnlock()

	if h.queue == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("failed to encode notification")
		return
	}
	select {
	case <-h.ctx.Done():
	case h.queue <- publishJob{phone: phone, payload: payload}:
	default:
		log.Warn().Str("phone", phone).Msg("publish queue full, dropping notification")
	}
}

func (h *Hub) runPublisher() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-h.queue:
			ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
			if err := h.publisher.PublishNotification(ctx, job.phone, job.payload); err != nil {
				log.Warn().Err(err).Str("phone", job.phone).Msg("failed to publish notification")
			}
			cancel()
		}
	}
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, set := range h.listeners {
			for l := range set {
				close(l.Done)
			}
		}
		h.listeners = make(map[string]map[*Listener]bool)
	})
}

func (h *Hub) ListenerCount(phone string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[phone])
}

func (h *Hub) TotalListeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, set := range h.listeners {
		total += len(set)
	}
	return total
}
