package server

// BeginTeardown removes s from the registry, cancels its context, drops its
// queued outbound buffers and closes its transport. It is idempotent and
// never waits for in-flight writes; the session is finalized once the last
// reference to its transport is released.
func (r *Registry) BeginTeardown(s *Session) {
	s.beginOnce.Do(func() {
		r.mu.Lock()
		member := r.removeLocked(s)
		s.closing.Store(true)
		s.cancel()
		dropped := s.pool.release()
		count := len(r.sessions)
		r.mu.Unlock()

		if err := s.transport.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("closing transport failed", "error", err)
		}
		s.logger.Info("session teardown started",
			"member", member, "kicked", s.pendingKick.Load(), "dropped", dropped, "sessions", count)

		s.release(dropped)
	})
}

// finalize runs once per session after its reference count reached zero.
// It announces the departure and republishes the user list.
func (r *Registry) finalize(s *Session) {
	s.finalizeOnce.Do(func() {
		// A session can only reach zero references through its reader, which
		// begins teardown before releasing; this covers sessions whose
		// reader never ran.
		r.BeginTeardown(s)

		r.finalizeMu.Lock()
		defer r.finalizeMu.Unlock()

		if n := s.refs.Load(); n != 0 {
			s.logger.Error("finalizing session with live transport references", "refs", n)
		}

		r.mu.RLock()
		nickname := s.nickname
		r.mu.RUnlock()

		s.in = nil
		s.limiter = nil
		close(s.done)

		if s.pendingKick.Load() {
			r.BroadcastSystemMessage(nickname + " was kicked")
		} else {
			r.BroadcastSystemMessage(nickname + " disconnected")
		}
		r.publishUserList()
		s.logger.Info("session finalized", "nickname", nickname)
	})
}
