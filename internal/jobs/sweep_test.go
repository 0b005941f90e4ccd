package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSweeper struct {
	mu     sync.Mutex
	calls  []time.Time
	result int
}

func (m *mockSweeper) SweepIdle(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, now)
	return m.result
}

func (m *mockSweeper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestIdleSweepJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewIdleSweepJob(&mockSweeper{}, time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, time.Minute, job.interval)
	})

	t.Run("starts and stops without panic", func(t *testing.T) {
		job := NewIdleSweepJob(&mockSweeper{}, 100*time.Millisecond)

		job.Start()
		time.Sleep(20 * time.Millisecond)
		job.Stop()
	})

	t.Run("sweeps on every tick", func(t *testing.T) {
		sweeper := &mockSweeper{result: 2}
		job := NewIdleSweepJob(sweeper, 10*time.Millisecond)

		job.Start()
		require.Eventually(t, func() bool { return sweeper.callCount() >= 2 }, time.Second, 5*time.Millisecond)
		job.Stop()

		after := sweeper.callCount()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, sweeper.callCount(), "no sweeps after stop")
	})

	t.Run("passes the job clock to the sweeper", func(t *testing.T) {
		sweeper := &mockSweeper{}
		fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		job := NewIdleSweepJob(sweeper, time.Hour)
		job.now = func() time.Time { return fixed }

		job.sweep()

		require.Equal(t, 1, sweeper.callCount())
		assert.Equal(t, fixed, sweeper.calls[0])
	})
}
