// Package server coordinates session registration, system messages, user
// list publication and periodic maintenance via the Registry type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

// MaxNicknameLength bounds nicknames in runes.
const MaxNicknameLength = 32

// Registry holds the live sessions. Membership and every session's
// privilege, nickname and isNew fields are guarded by mu. finalizeMu
// serializes session finalization registry-wide.
type Registry struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions []*Session

	finalizeMu sync.Mutex

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	done    chan struct{}
}

// NewRegistry creates a registry with sanitized cfg. A nil dispatcher
// rejects every packet; a nil logger uses slog.Default.
func NewRegistry(cfg Config, d Dispatcher, logger *slog.Logger) *Registry {
	if d == nil {
		d = nopDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg.Sanitize(),
		dispatcher: d,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Config returns the sanitized configuration the registry runs with.
func (r *Registry) Config() Config {
	return r.cfg
}

// Accept registers a session for t and starts its reader. When the
// connection ceiling is reached t is closed and ErrRegistryFull returned;
// after shutdown has begun the refusal is ErrRegistryClosed.
// The first session to connect while nobody holds control is granted it.
func (r *Registry) Accept(t Transport) (*Session, error) {
	r.mu.Lock()
	var refusal error
	switch {
	case r.ctx.Err() != nil:
		refusal = ErrRegistryClosed
	case len(r.sessions) >= r.cfg.MaxConnections:
		refusal = ErrRegistryFull
	}
	if refusal != nil {
		count := len(r.sessions)
		r.mu.Unlock()
		if err := t.Close(); err != nil && !isExpectedCloseError(err) {
			r.logger.Warn("closing refused connection failed", "addr", t.RemoteAddr(), "error", err)
		}
		r.logger.Warn("connection refused", "addr", t.RemoteAddr(), "sessions", count, "reason", refusal)
		return nil, refusal
	}

	s := newSession(r, t)
	s.privilege = r.defaultPrivilegeLocked()
	r.insertLocked(s)
	count := len(r.sessions)
	r.mu.Unlock()

	s.logger.Info("session registered", "privilege", s.privilege.String(), "sessions", count)
	r.publishUserList()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.readLoop()
	}()
	return s, nil
}

// defaultPrivilegeLocked grants control when no session holds control or more.
func (r *Registry) defaultPrivilegeLocked() protocol.Privilege {
	for _, s := range r.sessions {
		if s.privilege >= protocol.PrivilegeControl {
			return protocol.PrivilegeDefault
		}
	}
	return protocol.PrivilegeControl
}

func (r *Registry) insertLocked(s *Session) {
	r.sessions = append(r.sessions, s)
}

// removeLocked reports whether s was a member.
func (r *Registry) removeLocked(s *Session) bool {
	i := slices.Index(r.sessions, s)
	if i < 0 {
		return false
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)
	return true
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sessions)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Users describes the registered sessions in registration order.
func (r *Registry) Users() []protocol.UserEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]protocol.UserEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		users = append(users, protocol.UserEntry{
			ID:        s.id.String(),
			Nickname:  s.nickname,
			Privilege: s.privilege,
			Address:   s.addr,
		})
	}
	return users
}

func (r *Registry) publishUserList() {
	frame, err := protocol.UserList(r.Users())
	if err != nil {
		r.logger.Error("encoding user list failed", "error", err)
		return
	}
	r.Broadcast(frame)
}

// BroadcastSystemMessage sends text to every session as a system message.
func (r *Registry) BroadcastSystemMessage(text string) int {
	r.logger.Info("system message", "text", text)
	return r.Broadcast(protocol.SystemMessage(text))
}

// DirectSystemMessage sends text to s only.
func (r *Registry) DirectSystemMessage(s *Session, text string) error {
	return r.SendTo(s, protocol.SystemMessage(text))
}

// SetNickname renames s. The first rename of a new session announces it as
// joined; later ones announce the change of name.
func (r *Registry) SetNickname(s *Session, name string) error {
	name = strings.TrimSpace(name)
	if !validNickname(name) {
		return fmt.Errorf("%w: %q", ErrNicknameInvalid, name)
	}

	r.mu.Lock()
	old, wasNew := s.nickname, s.isNew
	s.nickname = name
	s.isNew = false
	r.mu.Unlock()

	s.logger.Info("nickname set", "old", old, "nickname", name)
	if wasNew {
		r.BroadcastSystemMessage(name + " joined")
	} else if old != name {
		r.BroadcastSystemMessage(old + " is now known as " + name)
	}
	r.publishUserList()
	return nil
}

func validNickname(name string) bool {
	if name == "" || utf8.RuneCountInString(name) > MaxNicknameLength {
		return false
	}
	for _, c := range name {
		if !unicode.IsPrint(c) {
			return false
		}
	}
	return true
}

// Run starts the registry's maintenance loop: every interval, sessions
// flagged for kick are torn down. It returns after ctx or Shutdown ends the
// registry, tearing down all sessions on the way out.
func (r *Registry) Run(ctx context.Context) {
	r.running.Store(true)
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.cancel()
			r.shutdownSessions()
			return
		case <-r.ctx.Done():
			r.shutdownSessions()
			return
		case <-ticker.C:
			r.reapKicked()
		}
	}
}

func (r *Registry) reapKicked() {
	for _, s := range r.Sessions() {
		if s.Kicked() {
			s.logger.Info("dropping kicked session")
			r.BeginTeardown(s)
		}
	}
}

// shutdownSessions begins teardown of every session.
func (r *Registry) shutdownSessions() {
	sessions := r.Sessions()
	r.logger.Info("shutting down all sessions", "sessions", len(sessions))
	for _, s := range sessions {
		r.BeginTeardown(s)
	}
}

// Shutdown stops the maintenance loop started by Run, tears down all
// sessions and waits for their reader goroutines, or until timeout.
func (r *Registry) Shutdown(timeout time.Duration) error {
	r.logger.Info("initiating registry shutdown")
	r.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if r.running.Load() {
		select {
		case <-r.done:
		case <-timer.C:
			return context.DeadlineExceeded
		}
	} else {
		r.shutdownSessions()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("registry shutdown completed")
		return nil
	case <-timer.C:
		r.logger.Warn("registry shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
