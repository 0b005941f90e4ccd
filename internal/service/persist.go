package service

// requestSave marks the session dirty and makes sure a writer is running.
// Concurrent requests coalesce into at most one pending write.
func (svc *SessionService) requestSave(s *session) {
	s.mu.Lock()
	if s.removed || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.saveDirty = true
	if s.saveRunning {
		s.mu.Unlock()
		return
	}
	s.saveRunning = true
	s.mu.Unlock()

	go svc.saveLoop(s)
}

func (svc *SessionService) saveLoop(s *session) {
	for {
		s.saveMu.Lock()
		s.mu.Lock()
		if !s.saveDirty || s.destroyed {
			s.saveRunning = false
			s.mu.Unlock()
			s.saveMu.Unlock()
			return
		}
		s.saveDirty = false
		snap := s.snapshotLocked()
		s.mu.Unlock()

		if err := svc.repo.Save(s.userID, snap); err != nil {
			s.log.Error().Err(err).Msg("failed to save contact snapshot")
		}
		s.saveMu.Unlock()
	}
}

// flushSave writes the current snapshot synchronously.
func (svc *SessionService) flushSave(s *session) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.saveDirty = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := svc.repo.Save(s.userID, snap); err != nil {
		s.log.Error().Err(err).Msg("failed to save contact snapshot")
	}
}
