package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/notify"
	"github.com/openclaw/wa-session-broker/internal/protocol"
)

type ClassifierOptions struct {
	BatchSize       int
	BatchDelay      time.Duration
	CheckpointEvery int
	LookupTimeout   time.Duration
}

// BusinessClassifier decides, once per contact, whether the contact is a
// business account. Contacts carrying a verified name are flagged without a
// lookup; the rest are resolved with profile lookups in paced batches. A run
// can be paused at any time and resumes where it left off.
type BusinessClassifier struct {
	opts    ClassifierOptions
	sink    notify.Sink
	persist func(*session)
}

func NewBusinessClassifier(opts ClassifierOptions, sink notify.Sink, persist func(*session)) *BusinessClassifier {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	return &BusinessClassifier{opts: opts, sink: sink, persist: persist}
}

type lookupResult struct {
	address    string
	isBusiness bool
	profile    *model.BusinessProfile
	failed     bool
}

// Start launches a classification run unless one is already running, the
// session is not connected, or everything is classified.
func (bc *BusinessClassifier) Start(s *session) bool {
	s.mu.Lock()
	if s.classRunning || s.classDone || s.removed || s.state != model.StateConnected || s.client == nil {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	s.classRunning = true
	s.classCancel = cancel
	s.classExited = exited
	client := s.client
	s.mu.Unlock()

	go bc.run(ctx, s, client, exited)
	return true
}

func (bc *BusinessClassifier) run(ctx context.Context, s *session, client protocol.Client, exited chan struct{}) {
	completed := false
	defer close(exited)
	defer func() { bc.finish(s, completed) }()

	s.mu.Lock()
	verified, pending := classifyVerifiedLocked(s)
	checkedAtStart := s.classChecked
	s.mu.Unlock()

	s.log.Info().
		Int("verified", verified).
		Int("pending", len(pending)).
		Int("alreadyChecked", checkedAtStart).
		Msg("business classification started")
	bc.persist(s)

	total := checkedAtStart + len(pending)
	sinceCheckpoint := 0
	for start := 0; start < len(pending); start += bc.opts.BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := min(start+bc.opts.BatchSize, len(pending))
		results := bc.lookupBatch(ctx, client, pending[start:end])

		interrupted := ctx.Err() != nil
		s.mu.Lock()
		recorded := recordResultsLocked(s, results, interrupted)
		s.classChecked += recorded
		progress := model.ClassificationProgress{
			InProgress:    true,
			Checked:       s.classChecked,
			Total:         total,
			BusinessCount: s.businessCountLocked(),
		}
		phone := s.notifyPhone
		s.mu.Unlock()

		if interrupted {
			return
		}
		bc.sink.Notify(phone, notify.Progress(progress))

		sinceCheckpoint += recorded
		if sinceCheckpoint >= bc.opts.CheckpointEvery {
			bc.persist(s)
			sinceCheckpoint = 0
		}

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bc.opts.BatchDelay):
			}
		}
	}
	completed = true
}

// classifyVerifiedLocked flags every unclassified contact that carries a
// verified name and returns the addresses that still need a lookup.
func classifyVerifiedLocked(s *session) (int, []string) {
	verified := 0
	var pending []string
	for _, c := range s.directory.All() {
		if !protocol.IsEligible(c.Address) {
			continue
		}
		if _, done := s.businessFlags[c.Address]; done {
			continue
		}
		if c.VerifiedName != "" {
			s.businessFlags[c.Address] = true
			verified++
			continue
		}
		pending = append(pending, c.Address)
	}
	return verified, pending
}

// recordResultsLocked stores lookup outcomes. Failed lookups of an interrupted
// batch are discarded so they are retried on resume.
func recordResultsLocked(s *session, results []lookupResult, interrupted bool) int {
	recorded := 0
	for _, r := range results {
		if r.failed && interrupted {
			continue
		}
		if !s.directory.Has(r.address) {
			continue
		}
		if _, done := s.businessFlags[r.address]; done {
			continue
		}
		s.businessFlags[r.address] = r.isBusiness
		if r.profile != nil {
			s.directory.SetBusinessProfile(r.address, r.profile)
		}
		recorded++
	}
	return recorded
}

// lookupBatch queries the business profile of every address concurrently.
// Lookups already in flight are allowed to finish when ctx is cancelled.
func (bc *BusinessClassifier) lookupBatch(ctx context.Context, client protocol.Client, batch []string) []lookupResult {
	results := make([]lookupResult, len(batch))
	var g errgroup.Group
	for i, address := range batch {
		g.Go(func() error {
			lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bc.opts.LookupTimeout)
			defer cancel()

			profile, err := client.GetBusinessProfile(lookupCtx, address)
			switch {
			case err == nil && profile != nil:
				results[i] = lookupResult{address: address, isBusiness: true, profile: profile}
			case err == nil, errors.Is(err, protocol.ErrNoBusinessProfile):
				results[i] = lookupResult{address: address}
			default:
				results[i] = lookupResult{address: address, failed: true}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (bc *BusinessClassifier) finish(s *session, completed bool) {
	s.mu.Lock()
	s.classRunning = false
	s.classCancel = nil
	s.classExited = nil
	var final model.ClassificationProgress
	if completed {
		s.classDone = true
		final = model.ClassificationProgress{
			Done:          true,
			Checked:       s.classChecked,
			Total:         s.classChecked,
			BusinessCount: s.businessCountLocked(),
		}
	}
	restart := !completed && !s.removed && s.state == model.StateConnected && s.client != nil
	phone := s.notifyPhone
	s.mu.Unlock()

	bc.persist(s)
	if completed {
		s.log.Info().
			Int("checked", final.Checked).
			Int("businesses", final.BusinessCount).
			Msg("business classification complete")
		bc.sink.Notify(phone, notify.Progress(final))
		return
	}

	s.log.Info().Msg("business classification paused")
	if restart {
		bc.Start(s)
	}
}
