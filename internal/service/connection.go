package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/wa-session-broker/internal/audit"
	apperrors "github.com/openclaw/wa-session-broker/internal/errors"
	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/notify"
	"github.com/openclaw/wa-session-broker/internal/protocol"
	"github.com/openclaw/wa-session-broker/internal/util"
)

// open replaces the session's connection with a fresh one. A pending pairing
// request p, if any, is served by the new connection. A userInitiated open
// starts a new run of consecutive reconnect attempts.
func (svc *SessionService) open(ctx context.Context, s *session, p *pairingRequest, userInitiated bool) error {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		svc.failPairing(s, p, apperrors.NotFound("Session"))
		return apperrors.NotFound("Session")
	}
	old := s.detachClientLocked()
	s.cancelClassifierLocked()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if userInitiated {
		s.reconnectAttempts = 0
	}
	gen := s.gen
	s.state = model.StateConnecting
	s.lastActivity = svc.now()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	client, err := svc.dialer.Dial(ctx, s.authDir)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = model.StateDisconnected
		}
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("failed to open protocol client")
		appErr := apperrors.Persistence(err)
		svc.failPairing(s, p, appErr)
		return appErr
	}

	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		client.Close()
		svc.failPairing(s, p, apperrors.NotConnected())
		return nil
	}
	s.client = client
	registered := client.Registered()
	s.mu.Unlock()

	go svc.pump(s, client, gen)

	s.log.Info().Bool("registered", registered).Msg("connecting session")
	if err := client.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("connect failed")
		svc.failPairing(s, p, apperrors.External("WhatsApp", err))
		svc.handleDisconnected(s, gen, protocol.ReasonConnectFailure, err)
		return nil
	}

	s.mu.Lock()
	if s.gen == gen && s.state == model.StateConnecting && !registered {
		s.state = model.StatePairingRequired
	}
	s.mu.Unlock()

	if p != nil {
		if registered {
			svc.failPairing(s, p, apperrors.ValidationError("Session is already paired; destroy it before pairing a new phone"))
		} else {
			go svc.issuePairingCode(s, client, gen, p)
		}
	}
	return nil
}

func (svc *SessionService) pump(s *session, client protocol.Client, gen uint64) {
	for {
		select {
		case evt := <-client.Events():
			svc.dispatch(s, gen, evt)
		case <-client.Done():
			return
		}
	}
}

func (svc *SessionService) dispatch(s *session, gen uint64, evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.Connected:
		svc.handleConnected(s, gen, e.Address)
	case protocol.Disconnected:
		svc.handleDisconnected(s, gen, e.Reason, e.Err)
	case protocol.ContactsUpserted:
		if svc.current(s, gen) {
			svc.sync.ApplyUpserts(s, e.Contacts)
		}
	case protocol.ContactsUpdated:
		if svc.current(s, gen) {
			svc.sync.ApplyUpdates(s, e.Updates)
		}
	case protocol.HistorySynced:
		if svc.current(s, gen) {
			svc.sync.ApplyHistory(s, e.Contacts, e.Chats)
		}
	}
}

func (svc *SessionService) current(s *session, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.removed
}

func (svc *SessionService) issuePairingCode(s *session, client protocol.Client, gen uint64, p *pairingRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), svc.opts.PairingTimeout)
	defer cancel()

	s.mu.Lock()
	if s.gen != gen || s.pairing != p {
		s.mu.Unlock()
		return
	}
	p.cancel = cancel
	s.state = model.StatePairingPending
	s.mu.Unlock()

	code, err := client.RequestPairingCode(ctx, p.phone)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = apperrors.PairingTimeout(svc.opts.PairingTimeout)
		} else if !apperrors.IsAppError(err) {
			err = apperrors.External("WhatsApp", err)
		}
		svc.failPairing(s, p, err)
		s.mu.Lock()
		if s.gen == gen && s.state == model.StatePairingPending {
			s.state = model.StatePairingRequired
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.pairing == p {
		s.pairing = nil
	}
	phone := s.notifyPhone
	s.mu.Unlock()

	p.resolve(code, nil, func() {
		s.log.Info().Str("phone", phone).Str("code", util.MaskCode(code)).Msg("pairing code issued")
		svc.sink.Notify(phone, notify.PairingCode(code))
		audit.Log(context.Background(), audit.Event{Type: audit.EventPairingCodeIssued, UserID: s.userID, Phone: phone})
	})
}

// failPairing resolves p with err. It reports false when p was already
// resolved, so the earlier outcome stands.
func (svc *SessionService) failPairing(s *session, p *pairingRequest, err error) bool {
	if p == nil {
		return false
	}
	s.mu.Lock()
	if s.pairing == p {
		s.pairing = nil
	}
	phone := s.notifyPhone
	s.mu.Unlock()

	return p.resolve("", err, func() {
		s.log.Warn().Err(err).Str("phone", phone).Msg("pairing failed")
		svc.sink.Notify(phone, notify.Error(errorMessage(err)))
		audit.Log(context.Background(), audit.Event{
			Type:    audit.EventPairingFailed,
			UserID:  s.userID,
			Phone:   phone,
			Details: map[string]interface{}{"code": string(apperrors.GetCode(err))},
		})
	})
}

func errorMessage(err error) string {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}

func (svc *SessionService) handleConnected(s *session, gen uint64, address string) {
	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		return
	}
	now := svc.now()
	s.state = model.StateConnected
	s.connectedAt = now
	s.lastActivity = now
	s.phoneNumber = protocol.UserPart(address)
	s.reconnectAttempts = 0
	if s.notifyPhone == "" {
		s.notifyPhone = s.phoneNumber
	}
	phone := s.notifyPhone
	resume := !s.classDone && s.directory.Len() > 0
	s.mu.Unlock()

	s.log.Info().Str("phoneNumber", protocol.UserPart(address)).Msg("session connected")
	svc.sink.Notify(phone, notify.Connected())
	audit.Log(context.Background(), audit.Event{Type: audit.EventSessionConnected, UserID: s.userID, Phone: phone})

	if resume {
		svc.classifier.Start(s)
	}
}

func (svc *SessionService) handleDisconnected(s *session, gen uint64, reason protocol.DisconnectReason, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.removed {
		s.mu.Unlock()
		return
	}
	client := s.detachClientLocked()
	s.cancelClassifierLocked()
	pairing := s.pairing
	phone := s.notifyPhone
	s.state = model.StateDisconnected

	if reason.Terminal() {
		s.state = model.StateLoggedOut
		s.stopTimersLocked()
		s.resetDirectoryLocked()
		s.mu.Unlock()

		if client != nil {
			client.Close()
		}
		svc.failPairing(s, pairing, apperrors.LoggedOut())

		s.saveMu.Lock()
		err := svc.repo.Wipe(s.userID)
		s.saveMu.Unlock()
		if err != nil {
			s.log.Error().Err(err).Msg("failed to wipe credentials after logout")
		}

		s.log.Warn().Msg("session logged out, credentials wiped")
		svc.sink.Notify(phone, notify.Error(apperrors.LoggedOut().Message))
		audit.Log(context.Background(), audit.Event{Type: audit.EventLoggedOut, UserID: s.userID, Phone: phone})
		return
	}

	attempts := s.reconnectAttempts
	giveUp := svc.opts.MaxReconnectAttempts > 0 && attempts >= svc.opts.MaxReconnectAttempts
	if !giveUp {
		s.scheduleReconnectLocked(svc)
	}
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	svc.failPairing(s, pairing, apperrors.TransientDisconnect(string(reason)))

	if giveUp {
		svc.giveUpReconnect(s, phone, attempts, reason, cause)
		return
	}
	logEvent := s.log.Warn().Str("reason", string(reason)).Int("attempt", attempts+1)
	if cause != nil {
		logEvent = logEvent.Err(cause)
	}
	logEvent.Dur("delay", svc.opts.ReconnectDelay).Msg("connection closed, reconnecting")
}

// giveUpReconnect reports a session that exhausted its reconnect attempts.
// The session stays disconnected until a caller connects it again.
func (svc *SessionService) giveUpReconnect(s *session, phone string, attempts int, reason protocol.DisconnectReason, cause error) {
	logEvent := s.log.Warn().Str("reason", string(reason)).Int("attempts", attempts)
	if cause != nil {
		logEvent = logEvent.Err(cause)
	}
	logEvent.Msg("giving up on reconnect")

	msg := fmt.Sprintf("Connection lost after %d reconnect attempts", attempts)
	svc.sink.Notify(phone, notify.Error(apperrors.TransientDisconnect(msg).Message))
	audit.Log(context.Background(), audit.Event{
		Type:    audit.EventReconnectGiveUp,
		UserID:  s.userID,
		Phone:   phone,
		Details: map[string]interface{}{"attempts": attempts, "reason": string(reason)},
	})
}

func (s *session) scheduleReconnectLocked(svc *SessionService) {
	s.reconnectAttempts++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(svc.opts.ReconnectDelay, func() {
		svc.reconnect(s)
	})
}

func (svc *SessionService) reconnect(s *session) {
	s.mu.Lock()
	s.reconnectTimer = nil
	if s.removed || s.state != model.StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := svc.open(context.Background(), s, nil, false)
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.removed || s.state != model.StateDisconnected {
		s.mu.Unlock()
		return
	}
	attempts := s.reconnectAttempts
	if svc.opts.MaxReconnectAttempts == 0 || attempts < svc.opts.MaxReconnectAttempts {
		s.scheduleReconnectLocked(svc)
		s.mu.Unlock()
		s.log.Warn().Err(err).Int("attempt", attempts+1).Msg("reconnect failed, retrying")
		return
	}
	phone := s.notifyPhone
	s.mu.Unlock()

	svc.giveUpReconnect(s, phone, attempts, protocol.ReasonConnectFailure, err)
}
