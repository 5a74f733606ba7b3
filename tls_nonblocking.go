package rook

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/synqronlabs/rook/eventloop"
	"github.com/synqronlabs/rook/metrics"
)

var (
	errWouldBlock  = errors.New("smtp: operation would block")
	errNoEventLoop = errors.New("smtp: event loop unavailable")
)

// HandshakeStatus is the outcome of one Handshaker step.
type HandshakeStatus int

const (
	HandshakeComplete HandshakeStatus = iota
	HandshakeWantRead
	HandshakeWantWrite
	HandshakeFatal
	// HandshakePending means the TLS state machine is computing. Step must
	// not be called again until the handshake signals through Wake.
	HandshakePending
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeComplete:
		return "complete"
	case HandshakeWantRead:
		return "want_read"
	case HandshakeWantWrite:
		return "want_write"
	case HandshakePending:
		return "pending"
	}
	return "fatal"
}

// rawIO is a socket whose Read and Write never block. Either returns
// errWouldBlock when the socket is not ready.
type rawIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Handshaker runs a server side TLS handshake without blocking the caller.
// The TLS state machine runs over an in-memory pipe; Step moves bytes
// between the pipe and the socket until the handshake needs the socket to
// become ready again, or returns HandshakePending while the state machine
// works. The handshake then signals through Wake once Step can continue.
type Handshaker struct {
	raw      rawIO
	pipe     *pipeConn
	tls      *tls.Conn
	deadline time.Time
	buf      []byte

	// guarded by pipe.mu
	done bool
	err  error
}

// NewHandshaker starts a handshake on conn, which must expose its file
// descriptor.
func NewHandshaker(conn net.Conn, config *tls.Config, timeout time.Duration) (*Handshaker, error) {
	raw, err := newSockIO(conn)
	if err != nil {
		return nil, err
	}
	return newHandshaker(conn, raw, config, timeout), nil
}

func newHandshaker(sock net.Conn, raw rawIO, config *tls.Config, timeout time.Duration) *Handshaker {
	p := newPipeConn(sock)
	h := &Handshaker{
		raw:      raw,
		pipe:     p,
		tls:      tls.Server(p, config),
		deadline: time.Now().Add(timeout),
		buf:      make([]byte, 16*1024),
	}
	go func() {
		err := h.tls.Handshake()
		p.mu.Lock()
		h.done = true
		if h.err == nil {
			h.err = err
		}
		p.signal()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	return h
}

// Step advances the handshake as far as the socket allows. It never waits
// for the TLS state machine.
func (h *Handshaker) Step() HandshakeStatus {
	p := h.pipe
	p.mu.Lock()
	for {
		if len(p.out) > 0 {
			out := p.out
			p.mu.Unlock()
			n, err := h.raw.Write(out)
			p.mu.Lock()
			p.out = p.out[n:]
			if errors.Is(err, errWouldBlock) || (err == nil && len(p.out) > 0) {
				p.mu.Unlock()
				return HandshakeWantWrite
			}
			if err != nil {
				return h.fail(err)
			}
		}

		if h.done {
			if h.err != nil {
				return h.fail(h.err)
			}
			p.attached = true
			p.mu.Unlock()
			return HandshakeComplete
		}

		// Input already handed over is still being processed.
		if !p.waiting || len(p.in) > 0 {
			p.parked = true
			p.mu.Unlock()
			return HandshakePending
		}

		p.mu.Unlock()
		n, err := h.raw.Read(h.buf)
		if errors.Is(err, errWouldBlock) {
			return HandshakeWantRead
		}
		p.mu.Lock()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return h.fail(err)
		}
		p.in = append(p.in, h.buf[:n]...)
		p.waiting = false
		p.cond.Broadcast()
	}
}

// Wake receives a value when a pending handshake is ready for the next
// Step.
func (h *Handshaker) Wake() <-chan struct{} {
	return h.pipe.wake
}

// OnWake registers fn to run alongside Wake. fn is called with internal
// locks held and must not block or call back into the Handshaker.
func (h *Handshaker) OnWake(fn func()) {
	h.pipe.mu.Lock()
	h.pipe.notify = fn
	h.pipe.mu.Unlock()
}

// fail records err and stops the TLS goroutine. It is called with
// pipe.mu held and releases it.
func (h *Handshaker) fail(err error) HandshakeStatus {
	if h.err == nil {
		h.err = err
	}
	h.pipe.closed = true
	h.pipe.cond.Broadcast()
	h.pipe.mu.Unlock()
	return HandshakeFatal
}

// Err returns the error that made the handshake fatal.
func (h *Handshaker) Err() error {
	h.pipe.mu.Lock()
	defer h.pipe.mu.Unlock()
	return h.err
}

// Conn returns the TLS connection. It is usable once Step reported
// HandshakeComplete.
func (h *Handshaker) Conn() *tls.Conn {
	return h.tls
}

// Deadline is the time by which the handshake must complete.
func (h *Handshaker) Deadline() time.Time {
	return h.deadline
}

// Abort stops the TLS goroutine. The socket is left open.
func (h *Handshaker) Abort() {
	h.pipe.mu.Lock()
	h.pipe.notify = nil
	h.pipe.closed = true
	h.pipe.cond.Broadcast()
	h.pipe.mu.Unlock()
}

// pipeConn is the transport under the handshaking tls.Conn. Until attached
// it buffers both directions for Step; afterwards it passes through to the
// socket, after draining input read ahead during the handshake.
type pipeConn struct {
	sock net.Conn

	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	waiting  bool
	closed   bool
	attached bool

	// parked is set while Step waits for a signal from the TLS goroutine.
	parked bool
	wake   chan struct{}
	notify func()
}

func newPipeConn(sock net.Conn) *pipeConn {
	p := &pipeConn{sock: sock, wake: make(chan struct{}, 1)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// signal wakes a parked Step. It is called with mu held.
func (p *pipeConn) signal() {
	if !p.parked {
		return
	}
	p.parked = false
	select {
	case p.wake <- struct{}{}:
	default:
	}
	if p.notify != nil {
		p.notify()
	}
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	for len(p.in) == 0 && !p.closed && !p.attached {
		p.waiting = true
		p.signal()
		p.cond.Wait()
	}
	p.waiting = false
	if len(p.in) > 0 {
		n := copy(b, p.in)
		p.in = p.in[n:]
		p.mu.Unlock()
		return n, nil
	}
	if p.attached {
		p.mu.Unlock()
		return p.sock.Read(b)
	}
	p.mu.Unlock()
	return 0, io.EOF
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.attached {
		p.mu.Unlock()
		return p.sock.Write(b)
	}
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	return len(b), nil
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	p.closed = true
	attached := p.attached
	p.cond.Broadcast()
	p.mu.Unlock()
	if attached {
		return p.sock.Close()
	}
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr  { return p.sock.LocalAddr() }
func (p *pipeConn) RemoteAddr() net.Addr { return p.sock.RemoteAddr() }

func (p *pipeConn) SetDeadline(t time.Time) error {
	if p.isAttached() {
		return p.sock.SetDeadline(t)
	}
	return nil
}

func (p *pipeConn) SetReadDeadline(t time.Time) error {
	if p.isAttached() {
		return p.sock.SetReadDeadline(t)
	}
	return nil
}

func (p *pipeConn) SetWriteDeadline(t time.Time) error {
	if p.isAttached() {
		return p.sock.SetWriteDeadline(t)
	}
	return nil
}

func (p *pipeConn) isAttached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// handshakeTask drives one implicit TLS handshake from the event loop and
// reports its outcome on result.
type handshakeTask struct {
	hs     *Handshaker
	status HandshakeStatus
	result chan error
}

func (t *handshakeTask) Ready(eventloop.Event) (eventloop.Event, bool) {
	t.status = t.hs.Step()
	switch t.status {
	case HandshakeWantRead:
		return eventloop.Readable, false
	case HandshakeWantWrite:
		return eventloop.Writable, false
	case HandshakePending:
		return 0, false
	}
	return 0, true
}

func (t *handshakeTask) Deadline() time.Time {
	return t.hs.Deadline()
}

func (t *handshakeTask) Done() {
	if t.status != HandshakeComplete {
		t.fail(t.hs.Err())
		return
	}
	metrics.TLSHandshakesTotal.WithLabelValues("nonblocking", "ok").Inc()
	t.result <- nil
}

func (t *handshakeTask) Expire() {
	t.fail(fmt.Errorf("%w: handshake timed out", ErrTimeout))
}

func (t *handshakeTask) fail(err error) {
	t.hs.Abort()
	metrics.TLSHandshakesTotal.WithLabelValues("nonblocking", "failed").Inc()
	t.result <- err
}

// eventLoop starts the server's event loop on first use.
func (s *Server) eventLoop() (*eventloop.Loop, error) {
	s.loopOnce.Do(func() {
		p, err := eventloop.NewPoller()
		if err != nil {
			s.loopErr = err
			return
		}
		s.loop = eventloop.New(p, s.logger)
		go func() {
			if err := s.loop.Run(s.ctx); err != nil && !errors.Is(err, s.ctx.Err()) {
				s.logger.Error("event loop stopped", slog.Any("error", err))
			}
		}()
	})
	return s.loop, s.loopErr
}

// handshakeAsync runs an implicit TLS handshake on the event loop and
// waits for its outcome. An error wrapping errNoEventLoop means the
// handshake never started and netConn is untouched.
func (s *Server) handshakeAsync(netConn net.Conn) (*tls.Conn, error) {
	loop, err := s.eventLoop()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoEventLoop, err)
	}
	raw, err := newSockIO(netConn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoEventLoop, err)
	}
	hs := newHandshaker(netConn, raw, s.config.TLSConfig, s.config.TLSHandshakeTimeout)
	task := &handshakeTask{hs: hs, result: make(chan error, 1)}
	fd := raw.Fd()
	hs.OnWake(func() { _ = loop.Resume(fd) })
	// Submit only fails to queue the task once the loop has stopped. A
	// failed wakeup leaves it queued for the next poll.
	if err := loop.Submit(fd, eventloop.Readable, task); errors.Is(err, eventloop.ErrClosed) {
		hs.Abort()
		return nil, fmt.Errorf("%w: %w", errNoEventLoop, err)
	}
	if err := <-task.result; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTLSFailed, err)
	}
	return hs.Conn(), nil
}
