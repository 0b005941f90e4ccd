package service

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-session-broker/internal/audit"
	"github.com/openclaw/wa-session-broker/internal/config"
	apperrors "github.com/openclaw/wa-session-broker/internal/errors"
	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/notify"
	"github.com/openclaw/wa-session-broker/internal/protocol"
	"github.com/openclaw/wa-session-broker/internal/repository"
	"github.com/openclaw/wa-session-broker/internal/util"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@+-]{0,127}$`)

type Options struct {
	MaxSessions          int
	IdleTimeout          time.Duration
	PairingTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 retries forever
	LogoutTimeout        time.Duration
	HistorySettleDelay   time.Duration
	Classifier           ClassifierOptions
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxSessions:          cfg.MaxSessions,
		IdleTimeout:          cfg.SessionIdleTimeout(),
		PairingTimeout:       cfg.PairingTimeout(),
		ReconnectDelay:       config.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		LogoutTimeout:        config.LogoutTimeout,
		HistorySettleDelay:   config.HistorySettleDelay,
		Classifier: ClassifierOptions{
			BatchSize:       config.ClassifyBatchSize,
			BatchDelay:      config.ClassifyBatchDelay,
			CheckpointEvery: config.ClassifyCheckpointEvery,
			LookupTimeout:   config.BusinessLookupTimeout,
		},
	}
}

// SessionService owns every live session and is the only entry point for
// session operations. Registry bookkeeping happens under mu; network and
// disk work never does.
type SessionService struct {
	dialer     protocol.Dialer
	repo       repository.SnapshotRepository
	sink       notify.Sink
	opts       Options
	sync       *ContactSynchronizer
	classifier *BusinessClassifier
	limiter    PairingLimiter
	now        func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session
	teardowns map[string]chan struct{}
	closed    bool
	wg        sync.WaitGroup
}

func NewSessionService(
	dialer protocol.Dialer,
	repo repository.SnapshotRepository,
	sink notify.Sink,
	opts Options,
) *SessionService {
	svc := &SessionService{
		dialer:    dialer,
		repo:      repo,
		sink:      sink,
		opts:      opts,
		now:       time.Now,
		sessions:  make(map[string]*session),
		teardowns: make(map[string]chan struct{}),
	}
	svc.classifier = NewBusinessClassifier(opts.Classifier, sink, svc.requestSave)
	svc.sync = NewContactSynchronizer(opts.HistorySettleDelay, svc.requestSave, func(s *session) {
		svc.classifier.Start(s)
	})
	return svc
}

// SetPairingLimiter enables per-phone limits on pairing code requests.
func (svc *SessionService) SetPairingLimiter(limiter PairingLimiter) {
	svc.limiter = limiter
}

func (svc *SessionService) allowPairing(ctx context.Context, userID, phone string) error {
	if svc.limiter == nil {
		return nil
	}
	allowed, resetAt := svc.limiter.AllowPairing(ctx, phone)
	if allowed {
		return nil
	}
	log.Warn().Str("userId", userID).Str("phone", phone).Time("resetAt", resetAt).Msg("pairing rate limit exceeded")
	return apperrors.RateLimited(resetAt)
}

func validateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) || strings.Contains(userID, "..") {
		return apperrors.ValidationError("userId must be 1-128 characters of letters, digits, '_', '.', '@', '+' or '-'")
	}
	return nil
}

// Connect attaches userID to the protocol, reusing credentials stored in its
// auth directory. When pairingPhone is given and the device is not yet
// paired, a pairing code is requested and delivered through the sink.
func (svc *SessionService) Connect(ctx context.Context, userID, pairingPhone string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	phone := ""
	if pairingPhone != "" {
		digits, ok := util.NormalizePairingPhone(pairingPhone)
		if !ok {
			return apperrors.InvalidPhoneNumber(pairingPhone)
		}
		phone = digits
		if err := svc.allowPairing(ctx, userID, phone); err != nil {
			return err
		}
	}

	s, err := svc.getOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	var p *pairingRequest
	if phone != "" {
		s.mu.Lock()
		if s.pairing != nil {
			s.mu.Unlock()
			return apperrors.PairingInProgress()
		}
		p = newPairingRequest(phone)
		s.pairing = p
		s.notifyPhone = phone
		s.mu.Unlock()
	}
	return svc.open(ctx, s, p, true)
}

// RequestPairingCode connects userID in pairing mode and waits for the code.
func (svc *SessionService) RequestPairingCode(ctx context.Context, userID, phone string) (string, error) {
	digits, ok := util.NormalizePairingPhone(phone)
	if !ok {
		return "", apperrors.InvalidPhoneNumber(phone)
	}
	if err := validateUserID(userID); err != nil {
		return "", err
	}
	if err := svc.allowPairing(ctx, userID, digits); err != nil {
		return "", err
	}

	s, err := svc.getOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.pairing != nil {
		s.mu.Unlock()
		return "", apperrors.PairingInProgress()
	}
	p := newPairingRequest(digits)
	s.pairing = p
	s.notifyPhone = digits
	s.lastActivity = svc.now()
	s.mu.Unlock()

	timer := time.NewTimer(svc.opts.PairingTimeout)
	defer timer.Stop()

	if err := svc.open(ctx, s, p, true); err != nil {
		return "", err
	}

	select {
	case r := <-p.result:
		return r.code, r.err
	case <-timer.C:
		return svc.abandonPairing(s, p, apperrors.PairingTimeout(svc.opts.PairingTimeout))
	case <-ctx.Done():
		return svc.abandonPairing(s, p, ctx.Err())
	}
}

// abandonPairing fails p unless a result won the race, in which case that
// result is returned instead.
func (svc *SessionService) abandonPairing(s *session, p *pairingRequest, err error) (string, error) {
	s.mu.Lock()
	cancel := p.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if svc.failPairing(s, p, err) {
		return "", err
	}
	r := <-p.result
	return r.code, r.err
}

func (svc *SessionService) getOrCreate(ctx context.Context, userID string) (*session, error) {
	for {
		svc.mu.Lock()
		if svc.closed {
			svc.mu.Unlock()
			return nil, apperrors.Internal("session service is shutting down")
		}
		if s, ok := svc.sessions[userID]; ok {
			svc.mu.Unlock()
			select {
			case <-s.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			s.mu.Lock()
			removed := s.removed
			if !removed {
				s.lastActivity = svc.now()
			}
			s.mu.Unlock()
			if removed {
				continue
			}
			return s, nil
		}
		if td, ok := svc.teardowns[userID]; ok {
			svc.mu.Unlock()
			select {
			case <-td:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if len(svc.sessions) >= svc.opts.MaxSessions {
			svc.mu.Unlock()
			log.Warn().Str("userId", userID).Int("max", svc.opts.MaxSessions).Msg("session capacity exceeded")
			audit.Log(ctx, audit.Event{
				Type:    audit.EventCapacityRejected,
				UserID:  userID,
				Details: map[string]interface{}{"max": svc.opts.MaxSessions},
			})
			return nil, apperrors.CapacityExceeded(svc.opts.MaxSessions)
		}
		s := newSession(userID, svc.repo.Dir(userID), svc.now(), log.Logger)
		svc.sessions[userID] = s
		svc.mu.Unlock()

		if err := svc.load(s); err != nil {
			s.mu.Lock()
			s.removed = true
			s.mu.Unlock()
			svc.mu.Lock()
			if svc.sessions[userID] == s {
				delete(svc.sessions, userID)
			}
			svc.mu.Unlock()
			close(s.ready)
			return nil, err
		}
		close(s.ready)

		s.log.Info().Str("authDir", s.authDir).Msg("session created")
		audit.Log(ctx, audit.Event{Type: audit.EventSessionCreate, UserID: userID})
		return s, nil
	}
}

func (svc *SessionService) load(s *session) error {
	if _, err := svc.repo.EnsureDir(s.userID); err != nil {
		s.log.Error().Err(err).Msg("failed to create auth directory")
		return apperrors.Persistence(err)
	}
	snap, err := svc.repo.Load(s.userID)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load contact snapshot, starting empty")
		return nil
	}
	s.mu.Lock()
	s.applySnapshotLocked(snap)
	count := s.directory.Len()
	s.mu.Unlock()
	if count > 0 {
		s.log.Info().Int("contacts", count).Msg("loaded contact snapshot")
	}
	return nil
}

func (svc *SessionService) lookup(userID string) (*session, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.sessions[userID]
	return s, ok
}

// connectedSession returns the session and its client when the session is
// authenticated and usable for queries.
func (svc *SessionService) connectedSession(userID string) (*session, protocol.Client, error) {
	s, ok := svc.lookup(userID)
	if !ok {
		return nil, nil, apperrors.NotConnected()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.StateConnected || s.client == nil {
		return nil, nil, apperrors.NotConnected()
	}
	s.lastActivity = svc.now()
	return s, s.client, nil
}

// CheckNumbers reports which phone numbers are registered on the network.
// The result has one entry per input, in input order.
func (svc *SessionService) CheckNumbers(ctx context.Context, userID string, numbers []string) ([]model.CheckResult, error) {
	_, client, err := svc.connectedSession(userID)
	if err != nil {
		return nil, err
	}

	results := make([]model.CheckResult, len(numbers))
	cleaned := make([]string, len(numbers))
	seen := make(map[string]bool, len(numbers))
	queries := make([]string, 0, len(numbers))
	for i, n := range numbers {
		results[i] = model.CheckResult{Number: n}
		cleaned[i] = util.CleanNumber(n)
		if cleaned[i] != "" && !seen[cleaned[i]] {
			seen[cleaned[i]] = true
			queries = append(queries, cleaned[i])
		}
	}
	if len(queries) == 0 {
		return results, nil
	}

	answers, err := client.OnWhatsApp(ctx, queries)
	if err != nil {
		return nil, apperrors.External("WhatsApp", err)
	}
	byQuery := make(map[string]protocol.Reachability, len(answers))
	for _, a := range answers {
		key := a.Query
		if key == "" {
			key = protocol.UserPart(a.Address)
		}
		byQuery[key] = a
	}

	for i, c := range cleaned {
		if c == "" {
			continue
		}
		a, ok := byQuery[c]
		if !ok {
			a, ok = matchByAddress(answers, c)
		}
		if ok {
			results[i].Reachable = a.Exists
			results[i].Address = a.Address
		}
	}
	return results, nil
}

// matchByAddress pairs a query with an answer that omitted it, preferring an
// exact address and falling back to a user-part prefix.
func matchByAddress(answers []protocol.Reachability, number string) (protocol.Reachability, bool) {
	want := protocol.UserAddress(number)
	for _, a := range answers {
		if a.Address == want {
			return a, true
		}
	}
	for _, a := range answers {
		if a.Address != "" && strings.HasPrefix(protocol.UserPart(a.Address), number) {
			return a, true
		}
	}
	return protocol.Reachability{}, false
}

// ListContacts returns a page of the session's individual contacts in merge
// order, with phone numbers in E.164 and the business flag resolved.
func (svc *SessionService) ListContacts(userID string, limit, offset int) ([]model.Contact, error) {
	s, _, err := svc.connectedSession(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = config.DefaultContactsLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	all := s.directory.All()
	flags := make(map[string]bool, len(s.businessFlags))
	for k, v := range s.businessFlags {
		flags[k] = v
	}
	s.mu.Unlock()

	out := make([]model.Contact, 0, min(limit, len(all)))
	skipped := 0
	for _, c := range all {
		if !protocol.IsEligible(c.Address) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}
		c.PhoneNumber = util.FormatE164(protocol.UserPart(c.Address))
		if flag, ok := flags[c.Address]; ok {
			c.IsBusiness = flag
		} else {
			c.IsBusiness = c.VerifiedName != ""
		}
		out = append(out, c)
	}
	return out, nil
}

// GetStatus returns nil when no session exists for userID.
func (svc *SessionService) GetStatus(userID string) *model.SessionStatus {
	s, ok := svc.lookup(userID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.statusLocked()
	return &status
}

func (svc *SessionService) GetAllSessions() []model.SessionStatus {
	svc.mu.Lock()
	all := make([]*session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		all = append(all, s)
	}
	svc.mu.Unlock()

	out := make([]model.SessionStatus, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.statusLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (svc *SessionService) GetStats() model.SessionStats {
	svc.mu.Lock()
	all := make([]*session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		all = append(all, s)
	}
	svc.mu.Unlock()

	stats := model.SessionStats{Active: len(all), Max: svc.opts.MaxSessions}
	for _, s := range all {
		s.mu.Lock()
		if s.state == model.StateConnected {
			stats.Connected++
		}
		s.mu.Unlock()
	}
	return stats
}

// Disconnect drops the session from the registry and closes its connection
// in the background. Credentials and the contact snapshot are kept.
func (svc *SessionService) Disconnect(ctx context.Context, userID string) error {
	return svc.remove(ctx, userID, false)
}

// Destroy logs the session out, wipes its auth directory and drops it.
func (svc *SessionService) Destroy(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return svc.remove(ctx, userID, true)
}

func (svc *SessionService) remove(ctx context.Context, userID string, destroy bool) error {
	_, err := svc.removeIf(ctx, userID, destroy, nil)
	return err
}

// removeIf is remove guarded by cond, which runs under the session lock in
// the same critical section that marks the session removed. A nil cond always
// holds. It reports whether a live session was taken down.
func (svc *SessionService) removeIf(ctx context.Context, userID string, destroy bool, cond func(*session) bool) (bool, error) {
	svc.mu.Lock()
	s, ok := svc.sessions[userID]
	if !ok {
		_, tearingDown := svc.teardowns[userID]
		svc.mu.Unlock()
		if destroy && !tearingDown && cond == nil {
			return false, svc.wipeOffline(ctx, userID)
		}
		return false, nil
	}
	s.mu.Lock()
	if cond != nil && !cond(s) {
		s.mu.Unlock()
		svc.mu.Unlock()
		return false, nil
	}
	s.removed = true
	s.mu.Unlock()
	delete(svc.sessions, userID)
	done := make(chan struct{})
	svc.teardowns[userID] = done
	svc.wg.Add(1)
	svc.mu.Unlock()

	go func() {
		defer svc.wg.Done()
		svc.teardown(ctx, s, destroy)
		svc.mu.Lock()
		if svc.teardowns[userID] == done {
			delete(svc.teardowns, userID)
		}
		svc.mu.Unlock()
		close(done)
	}()
	return true, nil
}

// wipeOffline removes leftover credentials of a user that has no live session.
func (svc *SessionService) wipeOffline(ctx context.Context, userID string) error {
	users, err := svc.repo.ListUsers()
	if err != nil {
		return apperrors.Persistence(err)
	}
	for _, u := range users {
		if u == userID {
			if err := svc.repo.Wipe(userID); err != nil {
				return apperrors.Persistence(err)
			}
			audit.Log(ctx, audit.Event{Type: audit.EventSessionDestroy, UserID: userID})
			return nil
		}
	}
	return nil
}

func (svc *SessionService) teardown(ctx context.Context, s *session, destroy bool) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	s.removed = true
	client := s.detachClientLocked()
	exited := s.cancelClassifierLocked()
	s.stopTimersLocked()
	pairing := s.pairing
	phone := s.notifyPhone
	s.state = model.StateDisconnected
	s.mu.Unlock()

	svc.failPairing(s, pairing, apperrors.NotConnected())
	if exited != nil {
		<-exited
	}

	if !destroy {
		if client != nil {
			client.Close()
		}
		svc.flushSave(s)
		s.log.Info().Msg("session disconnected")
		audit.Log(ctx, audit.Event{Type: audit.EventSessionDisconnect, UserID: s.userID, Phone: phone})
		return
	}

	if client != nil {
		if client.Registered() {
			logoutCtx, cancel := context.WithTimeout(ctx, svc.opts.LogoutTimeout)
			if err := client.Logout(logoutCtx); err != nil {
				s.log.Warn().Err(err).Msg("logout failed, wiping credentials anyway")
			}
			cancel()
		}
		client.Close()
	}

	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.saveMu.Lock()
	err := svc.repo.Wipe(s.userID)
	s.saveMu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to wipe auth directory")
	}
	s.log.Info().Msg("session destroyed")
	audit.Log(ctx, audit.Event{Type: audit.EventSessionDestroy, UserID: s.userID, Phone: phone})
}

// SweepIdle destroys sessions that are not connected and have seen no
// activity for longer than the idle timeout. It returns how many were removed.
func (svc *SessionService) SweepIdle(ctx context.Context, now time.Time) int {
	svc.mu.Lock()
	all := make([]*session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		all = append(all, s)
	}
	svc.mu.Unlock()

	var idle []string
	for _, s := range all {
		s.mu.Lock()
		if svc.idleLocked(s, now) {
			idle = append(idle, s.userID)
		}
		s.mu.Unlock()
	}

	// Activity may land between the scan and the teardown, so the check is
	// repeated under the session lock.
	stillIdle := func(s *session) bool { return svc.idleLocked(s, now) }
	removed := 0
	for _, userID := range idle {
		ok, err := svc.removeIf(ctx, userID, true, stillIdle)
		if err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to clean up idle session")
			continue
		}
		if ok {
			log.Info().Str("userId", userID).Msg("cleaned up idle session")
			removed++
		}
	}
	return removed
}

func (svc *SessionService) idleLocked(s *session, now time.Time) bool {
	return s.state != model.StateConnected && now.Sub(s.lastActivity) > svc.opts.IdleTimeout
}

// ResumePersisted reconnects every user whose auth directory holds
// credentials, up to the session ceiling.
func (svc *SessionService) ResumePersisted(ctx context.Context) (int, error) {
	users, err := svc.repo.ListUsers()
	if err != nil {
		return 0, apperrors.Persistence(err)
	}

	resumed := 0
	for _, userID := range users {
		if validateUserID(userID) != nil {
			continue
		}
		ok, err := svc.dialer.HasCredentials(ctx, svc.repo.Dir(userID))
		if err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to inspect stored credentials")
			continue
		}
		if !ok {
			continue
		}
		if err := svc.Connect(ctx, userID, ""); err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeCapacityExceeded) {
				log.Warn().Int("resumed", resumed).Msg("session capacity reached while resuming")
				break
			}
			log.Warn().Err(err).Str("userId", userID).Msg("failed to resume session")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Shutdown disconnects every session and waits for teardown to finish.
func (svc *SessionService) Shutdown(ctx context.Context) error {
	svc.mu.Lock()
	svc.closed = true
	ids := make([]string, 0, len(svc.sessions))
	for id := range svc.sessions {
		ids = append(ids, id)
	}
	svc.mu.Unlock()

	for _, id := range ids {
		_ = svc.Disconnect(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
