package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-session-broker/internal/audit"
)

type IdleSweeper interface {
	SweepIdle(ctx context.Context, now time.Time) int
}

// IdleSweepJob periodically removes sessions that are neither connected nor
// in use.
type IdleSweepJob struct {
	sweeper  IdleSweeper
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	stopped  chan struct{}
}

func NewIdleSweepJob(sweeper IdleSweeper, interval time.Duration) *IdleSweepJob {
	return &IdleSweepJob{
		sweeper:  sweeper,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (j *IdleSweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("idle sweep job started")
}

// Stop halts the job and waits for an in-flight sweep to finish.
func (j *IdleSweepJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("idle sweep job stopped")
}

func (j *IdleSweepJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *IdleSweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count := j.sweeper.SweepIdle(ctx, j.now())
	if count == 0 {
		return
	}
	log.Info().Int("count", count).Msg("cleaned up idle sessions")
	audit.Log(ctx, audit.Event{
		Type:    audit.EventIdleSweep,
		Details: map[string]interface{}{"count": count},
	})
}
