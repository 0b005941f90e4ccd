package service

import (
	"time"

	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/protocol"
)

// ContactSynchronizer merges contact events into a session's directory.
// After a bulk history delivery it waits for the stream to settle and then
// hands the session to the classifier.
type ContactSynchronizer struct {
	settleDelay time.Duration
	persist     func(*session)
	onSettled   func(*session)
}

func NewContactSynchronizer(settleDelay time.Duration, persist, onSettled func(*session)) *ContactSynchronizer {
	return &ContactSynchronizer{
		settleDelay: settleDelay,
		persist:     persist,
		onSettled:   onSettled,
	}
}

// ApplyUpserts stores full contact records and returns how many changed the
// directory. A known business profile survives an upsert that carries none.
func (cs *ContactSynchronizer) ApplyUpserts(s *session, contacts []model.Contact) int {
	s.mu.Lock()
	changed := 0
	for _, c := range contacts {
		if upsertLocked(s, c) {
			changed++
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		s.log.Debug().Int("changed", changed).Msg("contacts upserted")
		cs.persist(s)
	}
	return changed
}

// ApplyUpdates merges partial updates. Updates for unknown addresses are
// ignored.
func (cs *ContactSynchronizer) ApplyUpdates(s *session, updates []model.ContactUpdate) int {
	s.mu.Lock()
	changed := 0
	for _, u := range updates {
		if s.directory.Update(u) {
			changed++
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		cs.persist(s)
	}
	return changed
}

// ApplyHistory merges a bulk history delivery. Chats backfill individual
// addresses that are missing from the contact list.
func (cs *ContactSynchronizer) ApplyHistory(s *session, contacts []model.Contact, chats []model.Chat) int {
	s.mu.Lock()
	changed := 0
	for _, c := range contacts {
		if upsertLocked(s, c) {
			changed++
		}
	}
	for _, chat := range chats {
		if !protocol.IsEligible(chat.Address) {
			continue
		}
		if s.directory.AddIfMissing(model.Contact{Address: chat.Address, Name: chat.Name}) {
			changed++
		}
	}
	total := s.directory.Len()
	s.mu.Unlock()

	s.log.Info().
		Int("contacts", len(contacts)).
		Int("chats", len(chats)).
		Int("changed", changed).
		Int("total", total).
		Msg("history sync merged")

	if changed > 0 {
		cs.persist(s)
	}
	if len(contacts)+len(chats) > 0 {
		cs.scheduleSettled(s)
	}
	return changed
}

func (cs *ContactSynchronizer) scheduleSettled(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(cs.settleDelay, func() {
		s.mu.Lock()
		if s.settleTimer == t {
			s.settleTimer = nil
		}
		s.mu.Unlock()
		cs.onSettled(s)
	})
	s.settleTimer = t
}

func upsertLocked(s *session, c model.Contact) bool {
	if c.BusinessProfile == nil {
		if existing, ok := s.directory.Get(c.Address); ok {
			c.BusinessProfile = existing.BusinessProfile
		}
	}
	return s.directory.Upsert(c)
}
