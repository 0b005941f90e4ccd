package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/protocol"
)

type pairingResult struct {
	code string
	err  error
}

// pairingRequest is the single outstanding pairing-code request of a session.
// It is resolved exactly once, with either a code or an error.
type pairingRequest struct {
	phone  string
	result chan pairingResult
	once   sync.Once
	cancel context.CancelFunc
}

func newPairingRequest(phone string) *pairingRequest {
	return &pairingRequest{phone: phone, result: make(chan pairingResult, 1)}
}

// resolve settles p unless it already is. announce runs before the waiter is
// released, so notifications precede the caller's return.
func (p *pairingRequest) resolve(code string, err error, announce func()) bool {
	resolved := false
	p.once.Do(func() {
		if announce != nil {
			announce()
		}
		p.result <- pairingResult{code: code, err: err}
		resolved = true
	})
	return resolved
}

type session struct {
	userID  string
	authDir string
	log     zerolog.Logger
	ready   chan struct{} // closed once the persisted snapshot has been applied

	mu           sync.Mutex
	client       protocol.Client
	gen          uint64 // bumped whenever the connection is replaced or dropped
	state        model.ConnectionState
	phoneNumber  string
	notifyPhone  string
	createdAt    time.Time
	lastActivity time.Time
	connectedAt  time.Time

	directory     *model.Directory
	businessFlags map[string]bool
	classDone     bool
	classRunning  bool
	classChecked  int
	classCancel   context.CancelFunc
	classExited   chan struct{}

	pairing           *pairingRequest
	reconnectTimer    *time.Timer
	reconnectAttempts int
	settleTimer       *time.Timer

	removed   bool // dropped from the registry
	destroyed bool // credentials wiped; nothing may be written any more

	saveDirty   bool
	saveRunning bool
	saveMu      sync.Mutex // held for the duration of a snapshot write
}

func newSession(userID, authDir string, now time.Time, logger zerolog.Logger) *session {
	return &session{
		userID:        userID,
		authDir:       authDir,
		log:           logger.With().Str("userId", userID).Logger(),
		ready:         make(chan struct{}),
		state:         model.StateDisconnected,
		createdAt:     now,
		lastActivity:  now,
		directory:     model.NewDirectory(),
		businessFlags: make(map[string]bool),
	}
}

func (s *session) applySnapshotLocked(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	for _, c := range snap.Contacts {
		s.directory.Upsert(c)
	}
	for addr, isBusiness := range snap.BusinessFlags {
		if s.directory.Has(addr) {
			s.businessFlags[addr] = isBusiness
		}
	}
	s.classDone = snap.ClassificationDone
	s.classChecked = min(max(snap.ClassificationChecked, 0), s.eligibleCountLocked())
}

func (s *session) snapshotLocked() *model.Snapshot {
	flags := make(map[string]bool, len(s.businessFlags))
	for k, v := range s.businessFlags {
		flags[k] = v
	}
	return &model.Snapshot{
		Contacts:              s.directory.All(),
		BusinessFlags:         flags,
		ClassificationDone:    s.classDone,
		ClassificationChecked: s.classChecked,
	}
}

// resetDirectoryLocked forgets everything learned from the account.
func (s *session) resetDirectoryLocked() {
	s.directory = model.NewDirectory()
	s.businessFlags = make(map[string]bool)
	s.classDone = false
	s.classChecked = 0
}

func (s *session) eligibleCountLocked() int {
	n := 0
	for _, c := range s.directory.All() {
		if protocol.IsEligible(c.Address) {
			n++
		}
	}
	return n
}

func (s *session) businessCountLocked() int {
	n := 0
	for _, isBusiness := range s.businessFlags {
		if isBusiness {
			n++
		}
	}
	return n
}

func (s *session) progressLocked() model.ClassificationProgress {
	return model.ClassificationProgress{
		Done:          s.classDone,
		InProgress:    s.classRunning,
		Checked:       s.classChecked,
		Total:         s.eligibleCountLocked(),
		BusinessCount: s.businessCountLocked(),
	}
}

func (s *session) statusLocked() model.SessionStatus {
	progress := s.progressLocked()
	status := model.SessionStatus{
		UserID:         s.userID,
		State:          s.state,
		Connected:      s.state == model.StateConnected,
		PhoneNumber:    s.phoneNumber,
		ContactsCount:  s.directory.Len(),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		Classification: &progress,
	}
	if !s.connectedAt.IsZero() {
		connectedAt := s.connectedAt
		status.ConnectedAt = &connectedAt
	}
	return status
}

// cancelClassifierLocked asks a running classification to pause and returns
// the channel that is closed when it has stopped.
func (s *session) cancelClassifierLocked() chan struct{} {
	if s.classCancel != nil {
		s.classCancel()
		s.classCancel = nil
	}
	return s.classExited
}

func (s *session) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
}

// detachClientLocked invalidates the current connection so its late events
// are ignored, and hands the client back for closing outside the lock.
func (s *session) detachClientLocked() protocol.Client {
	client := s.client
	s.client = nil
	s.gen++
	s.connectedAt = time.Time{}
	return client
}
