// Package eventloop runs many small non-blocking state machines, one per
// file descriptor, from a single goroutine.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Submit once the loop has stopped.
var ErrClosed = errors.New("eventloop: loop closed")

// Event is a set of readiness conditions.
type Event uint32

const (
	Readable Event = 1 << iota
	Writable
	Hangup
)

func (e Event) String() string {
	switch e {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Hangup:
		return "hangup"
	case Readable | Hangup:
		return "readable|hangup"
	case 0:
		return "none"
	}
	return "mixed"
}

// Poller waits for readiness on registered descriptors.
type Poller interface {
	Add(fd int, ev Event) error
	Modify(fd int, ev Event) error
	Remove(fd int) error
	// Wait blocks until at least one descriptor is ready, Wake is called
	// or timeout passes. A negative timeout waits forever.
	Wait(timeout time.Duration, fn func(fd int, ev Event)) error
	Wake() error
	Close() error
}

// Handler is driven by the loop. Ready is called when the descriptor is
// ready and returns the events to wait for next, or done. A zero next
// event parks the handler: its descriptor leaves the poller until Resume
// is called for it, and Ready is then called with a zero event. Exactly one
// of Done and Expire is called, after the descriptor left the poller.
type Handler interface {
	Ready(ev Event) (next Event, done bool)
	Deadline() time.Time
	Expire()
	Done()
}

type entry struct {
	fd     int
	ev     Event
	h      Handler
	parked bool
}

// Loop dispatches readiness events to handlers.
type Loop struct {
	poller Poller
	logger *slog.Logger

	mu      sync.Mutex
	pending []entry
	resumed []int
	closed  bool

	// owned by the Run goroutine
	handlers map[int]*entry

	// MaxWait caps a single Wait so that deadlines are checked.
	MaxWait time.Duration
}

// New returns a loop over p.
func New(p Poller, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		poller:   p,
		logger:   logger.With(slog.String("component", "eventloop")),
		handlers: make(map[int]*entry),
		MaxWait:  time.Second,
	}
}

// Submit hands fd to the loop, waiting for ev first.
func (l *Loop) Submit(fd int, ev Event, h Handler) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.pending = append(l.pending, entry{fd: fd, ev: ev, h: h})
	l.mu.Unlock()
	return l.poller.Wake()
}

// Resume asks the loop to call Ready again for the parked handler of fd.
// It may be called from any goroutine. Resuming a descriptor that is not
// parked is a no-op.
func (l *Loop) Resume(fd int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.resumed = append(l.resumed, fd)
	l.mu.Unlock()
	return l.poller.Wake()
}

// Len returns the number of handlers owned by the loop.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) + len(l.handlers)
}

// Run drives the loop until ctx is cancelled. Remaining handlers are
// expired and the poller is closed on return.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.poller.Wake() })
	defer stop()
	defer l.shutdown()

	for ctx.Err() == nil {
		l.admit()
		l.resume()

		err := l.poller.Wait(l.timeout(), l.dispatch)
		if err != nil {
			return err
		}
		l.expire(time.Now())
	}
	return ctx.Err()
}

func (l *Loop) admit() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, e := range pending {
		if err := l.poller.Add(e.fd, e.ev); err != nil {
			l.logger.Warn("failed to register descriptor", slog.Int("fd", e.fd), slog.Any("error", err))
			e.h.Expire()
			continue
		}
		l.mu.Lock()
		l.handlers[e.fd] = &e
		l.mu.Unlock()
	}
}

func (l *Loop) resume() {
	l.mu.Lock()
	resumed := l.resumed
	l.resumed = nil
	l.mu.Unlock()

	for _, fd := range resumed {
		if e, ok := l.handlers[fd]; ok && e.parked {
			l.step(e, 0)
		}
	}
}

// timeout returns the wait until the nearest handler deadline.
func (l *Loop) timeout() time.Duration {
	wait := l.MaxWait
	now := time.Now()
	for _, e := range l.handlers {
		d := e.h.Deadline()
		if d.IsZero() {
			continue
		}
		wait = min(wait, max(d.Sub(now), 0))
	}
	return wait
}

func (l *Loop) dispatch(fd int, ev Event) {
	e, ok := l.handlers[fd]
	if !ok || e.parked {
		return
	}
	l.step(e, ev)
}

func (l *Loop) step(e *entry, ev Event) {
	next, done := e.h.Ready(ev)
	switch {
	case done:
		l.remove(e.fd)
		e.h.Done()
	case next == 0:
		if !e.parked {
			_ = l.poller.Remove(e.fd)
			e.parked = true
		}
	case e.parked:
		if err := l.poller.Add(e.fd, next); err != nil {
			l.logger.Warn("failed to register descriptor", slog.Int("fd", e.fd), slog.Any("error", err))
			l.remove(e.fd)
			e.h.Expire()
			return
		}
		e.parked = false
		e.ev = next
	case next != e.ev:
		if err := l.poller.Modify(e.fd, next); err != nil {
			l.logger.Warn("failed to modify descriptor", slog.Int("fd", e.fd), slog.Any("error", err))
			l.remove(e.fd)
			e.h.Expire()
			return
		}
		e.ev = next
	}
}

func (l *Loop) expire(now time.Time) {
	for fd, e := range l.handlers {
		if d := e.h.Deadline(); !d.IsZero() && !now.Before(d) {
			l.remove(fd)
			e.h.Expire()
		}
	}
}

func (l *Loop) remove(fd int) {
	l.mu.Lock()
	e := l.handlers[fd]
	delete(l.handlers, fd)
	l.mu.Unlock()
	if e == nil || !e.parked {
		_ = l.poller.Remove(fd)
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	pending := l.pending
	l.pending = nil
	l.resumed = nil
	l.mu.Unlock()

	for _, e := range pending {
		e.h.Expire()
	}
	for fd, e := range l.handlers {
		l.remove(fd)
		e.h.Expire()
	}
	_ = l.poller.Close()
}
