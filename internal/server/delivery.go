package server

import (
	"errors"
	"io"
	"sync"

	"github.com/eapache/queue"
)

// deliveryPool is a session's bounded outbound queue. inflight counts queued
// plus currently written buffers and never exceeds limit; at most maxWorkers
// goroutines drain the queue.
type deliveryPool struct {
	mu         sync.Mutex
	jobs       *queue.Queue
	inflight   int
	limit      int
	workers    int
	maxWorkers int
	released   bool
}

func newDeliveryPool(limit, maxWorkers int) *deliveryPool {
	return &deliveryPool{
		jobs:       queue.New(),
		limit:      max(limit, 1),
		maxWorkers: max(maxWorkers, 1),
	}
}

// submit queues b and reports whether the caller must start a new worker.
func (p *deliveryPool) submit(b []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return false, ErrSessionClosed
	}
	if p.inflight >= p.limit {
		return false, ErrPoolSaturated
	}

	p.jobs.Add(b)
	p.inflight++
	if p.workers < p.maxWorkers {
		p.workers++
		return true, nil
	}
	return false, nil
}

// next pops the oldest queued buffer. When nothing is left the calling
// worker is retired.
func (p *deliveryPool) next() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released || p.jobs.Length() == 0 {
		p.workers--
		return nil, false
	}
	return p.jobs.Remove().([]byte), true
}

func (p *deliveryPool) finish() {
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
}

// release stops the pool and drops every queued buffer without writing it.
// It returns how many buffers were dropped.
func (p *deliveryPool) release() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return 0
	}
	p.released = true

	dropped := p.jobs.Length()
	for p.jobs.Length() > 0 {
		p.jobs.Remove()
	}
	p.inflight -= dropped
	return dropped
}

func (p *deliveryPool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// send enqueues b without copying it. Saturation flags the session for kick.
func (s *Session) send(b []byte) error {
	if s.pendingKick.Load() {
		return ErrSessionKicked
	}
	if !s.acquire() {
		return ErrSessionClosed
	}

	start, err := s.pool.submit(b)
	if err != nil {
		if errors.Is(err, ErrPoolSaturated) {
			s.pendingKick.Store(true)
			s.logger.Warn("outbound pool saturated; flagging session for kick", "limit", s.pool.limit)
		}
		s.release(1)
		return err
	}
	if start {
		go s.deliveryWorker()
	}
	return nil
}

// deliveryWorker writes queued buffers in FIFO order. The pop happens under
// sendMu so concurrent workers cannot reorder writes.
func (s *Session) deliveryWorker() {
	for {
		s.sendMu.Lock()
		b, ok := s.pool.next()
		if !ok {
			s.sendMu.Unlock()
			return
		}
		err := writeFull(s.transport, b)
		s.sendMu.Unlock()
		s.pool.finish()

		switch {
		case err == nil || s.ctx.Err() != nil:
		case isExpectedCloseError(err):
			// The peer went away on its own; that is a disconnect, not a kick.
			s.logger.Debug("write to departed peer failed", "error", err)
			s.registry.BeginTeardown(s)
		default:
			s.pendingKick.Store(true)
			s.logger.Warn("write failed; flagging session for kick", "error", err)
		}
		s.release(1)
	}
}

// writeFull writes all of b, retrying short writes.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// SendTo queues a copy of b for delivery to s and returns without waiting
// for the write. It fails fast when s is flagged for kick, closed, or has
// too many sends in flight; the last case also flags s for kick.
func (r *Registry) SendTo(s *Session, b []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.send(append([]byte(nil), b...))
}

// Broadcast queues b for every registered session and returns the number of
// sessions it was queued for. Sessions flagged for kick are skipped; at most
// one of them is torn down per call.
func (r *Registry) Broadcast(b []byte) int {
	b = append([]byte(nil), b...)

	var victim *Session
	delivered := 0

	r.mu.RLock()
	for _, s := range r.sessions {
		if err := s.send(b); err != nil {
			if victim == nil && s.pendingKick.Load() {
				victim = s
			}
			continue
		}
		delivered++
	}
	r.mu.RUnlock()

	if victim != nil {
		r.BeginTeardown(victim)
	}
	return delivered
}
