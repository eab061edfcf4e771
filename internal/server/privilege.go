package server

import (
	"fmt"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

// Reassign moves s to level. Dropping to PrivilegeDefault always succeeds.
// Otherwise the request fails when another session holds more than level;
// on success every other session is demoted to PrivilegeDefault, so at most
// one session ever holds control. The outcome is broadcast either way and
// the user list republished.
func (r *Registry) Reassign(s *Session, level protocol.Privilege) bool {
	var (
		ok      bool
		message string
	)

	r.mu.Lock()
	if s.closing.Load() {
		r.mu.Unlock()
		return false
	}
	nickname := s.nickname
	switch {
	case level == protocol.PrivilegeDefault:
		ok = true
		if s.privilege != protocol.PrivilegeDefault {
			message = nickname + " released control"
		}
		s.privilege = protocol.PrivilegeDefault
	default:
		if holder := r.outrankingLocked(s, level); holder != nil {
			message = fmt.Sprintf("%s could not take %s: %s has %s", nickname, describe(level), holder.nickname, describe(holder.privilege))
			break
		}
		for _, other := range r.sessions {
			if other != s && other.privilege <= level {
				other.privilege = protocol.PrivilegeDefault
			}
		}
		s.privilege = level
		ok = true
		message = fmt.Sprintf("%s has %s", nickname, describe(level))
	}
	r.mu.Unlock()

	s.logger.Info("privilege reassignment", "requested", level.String(), "granted", ok)
	if message != "" {
		r.BroadcastSystemMessage(message)
	}
	r.publishUserList()
	return ok
}

// outrankingLocked returns a session other than s holding more than level.
func (r *Registry) outrankingLocked(s *Session, level protocol.Privilege) *Session {
	for _, other := range r.sessions {
		if other != s && other.privilege > level {
			return other
		}
	}
	return nil
}

// Escalate requests full control for s.
func (r *Registry) Escalate(s *Session) bool {
	return r.Reassign(s, protocol.PrivilegeFull)
}

// Drop returns s to the default privilege.
func (r *Registry) Drop(s *Session) bool {
	return r.Reassign(s, protocol.PrivilegeDefault)
}

func describe(p protocol.Privilege) string {
	switch p {
	case protocol.PrivilegeFull:
		return "full control"
	case protocol.PrivilegeControl:
		return "control"
	default:
		return "no control"
	}
}
