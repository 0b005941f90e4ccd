package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/wa-session-broker/internal/model"
)

type syncHarness struct {
	sync    *ContactSynchronizer
	saves   atomic.Int32
	settled atomic.Int32
}

func newSyncHarness(settleDelay time.Duration) *syncHarness {
	h := &syncHarness{}
	h.sync = NewContactSynchronizer(settleDelay,
		func(*session) { h.saves.Add(1) },
		func(*session) { h.settled.Add(1) },
	)
	return h
}

func newBareSession(t *testing.T) *session {
	return newSession("u1", t.TempDir(), time.Now(), zerolog.Nop())
}

func ptr(s string) *string { return &s }

func TestApplyUpserts(t *testing.T) {
	t.Run("persists only when something changed", func(t *testing.T) {
		h := newSyncHarness(time.Hour)
		s := newBareSession(t)
		alice := model.Contact{Address: userAddress("15551111111"), Name: "Alice"}

		assert.Equal(t, 1, h.sync.ApplyUpserts(s, []model.Contact{alice}))
		assert.Equal(t, 0, h.sync.ApplyUpserts(s, []model.Contact{alice}))
		assert.Equal(t, int32(1), h.saves.Load())
	})

	t.Run("keeps a known business profile", func(t *testing.T) {
		h := newSyncHarness(time.Hour)
		s := newBareSession(t)
		addr := userAddress("15551111111")
		s.directory.Upsert(model.Contact{Address: addr, BusinessProfile: &model.BusinessProfile{Category: "Retail"}})

		h.sync.ApplyUpserts(s, []model.Contact{{Address: addr, Name: "Shop"}})

		c, ok := s.directory.Get(addr)
		require.True(t, ok)
		assert.Equal(t, "Shop", c.Name)
		require.NotNil(t, c.BusinessProfile)
		assert.Equal(t, "Retail", c.BusinessProfile.Category)
	})
}

func TestApplyUpdates(t *testing.T) {
	t.Run("ignores updates for unknown addresses", func(t *testing.T) {
		h := newSyncHarness(time.Hour)
		s := newBareSession(t)

		changed := h.sync.ApplyUpdates(s, []model.ContactUpdate{{Address: userAddress("15559999999"), PushName: ptr("Ghost")}})
		assert.Equal(t, 0, changed)
		assert.Equal(t, 0, s.directory.Len())
		assert.Equal(t, int32(0), h.saves.Load())
	})

	t.Run("merges fields onto known contacts", func(t *testing.T) {
		h := newSyncHarness(time.Hour)
		s := newBareSession(t)
		addr := userAddress("15551111111")
		s.directory.Upsert(model.Contact{Address: addr, Name: "Alice"})

		changed := h.sync.ApplyUpdates(s, []model.ContactUpdate{{Address: addr, VerifiedName: ptr("Alice Ltd")}})
		assert.Equal(t, 1, changed)

		c, _ := s.directory.Get(addr)
		assert.Equal(t, "Alice", c.Name)
		assert.Equal(t, "Alice Ltd", c.VerifiedName)
		assert.Equal(t, int32(1), h.saves.Load())
	})
}

func TestApplyHistory(t *testing.T) {
	t.Run("backfills individual chats missing from contacts", func(t *testing.T) {
		h := newSyncHarness(time.Hour)
		s := newBareSession(t)
		known := userAddress("15551111111")
		chatOnly := userAddress("15552222222")

		h.sync.ApplyHistory(s,
			[]model.Contact{{Address: known, Name: "Alice"}},
			[]model.Chat{
				{Address: known, Name: "Alice (chat)"},
				{Address: chatOnly, Name: "Bob"},
				{Address: "120363025246125888@g.us", Name: "Family"},
				{Address: "status@broadcast"},
			},
		)

		require.Equal(t, 2, s.directory.Len())
		c, _ := s.directory.Get(known)
		assert.Equal(t, "Alice", c.Name)
		c, _ = s.directory.Get(chatOnly)
		assert.Equal(t, "Bob", c.Name)
	})

	t.Run("hands off once the stream settles", func(t *testing.T) {
		h := newSyncHarness(20 * time.Millisecond)
		s := newBareSession(t)

		h.sync.ApplyHistory(s, []model.Contact{{Address: userAddress("15551111111")}}, nil)
		h.sync.ApplyHistory(s, []model.Contact{{Address: userAddress("15552222222")}}, nil)

		require.Eventually(t, func() bool { return h.settled.Load() == 1 }, eventually, tick)
		time.Sleep(40 * time.Millisecond)
		assert.Equal(t, int32(1), h.settled.Load())
	})

	t.Run("does not schedule for removed sessions", func(t *testing.T) {
		h := newSyncHarness(time.Millisecond)
		s := newBareSession(t)
		s.removed = true

		h.sync.ApplyHistory(s, []model.Contact{{Address: userAddress("15551111111")}}, nil)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), h.settled.Load())
	})
}
