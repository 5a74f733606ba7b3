package rook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/eventloop"
	"github.com/synqronlabs/rook/metrics"
)

// Server is an SMTP server that handles concurrent connections.
type Server struct {
	config     ServerConfig
	registry   *Registry
	dispatcher *Dispatcher
	replies    replyTables
	resolver   dns.Resolver
	logger     *slog.Logger

	listenerMu sync.Mutex
	listeners  []net.Listener

	// connections tracks active connections
	connMu      sync.Mutex
	connections map[*Connection]struct{}
	connCount   atomic.Int64

	loopOnce sync.Once
	loop     *eventloop.Loop
	loopErr  error

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a new SMTP server. A nil registry serves without
// plugins.
func NewServer(config ServerConfig, registry *Registry) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}

	// Apply defaults
	if config.Addr == "" {
		config.Addr = ":25"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Minute
	}
	if config.DataTimeout == 0 {
		config.DataTimeout = 10 * time.Minute
	}
	if config.TLSHandshakeTimeout == 0 {
		config.TLSHandshakeTimeout = 30 * time.Second
	}
	if config.DNSTimeout == 0 {
		config.DNSTimeout = dns.DefaultTimeout
	}
	if config.MaxLineLength == 0 {
		config.MaxLineLength = 512
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SMTPSPort > 0 && config.TLSConfig == nil {
		return nil, fmt.Errorf("%w: implicit TLS port %d needs a certificate", ErrTLSNotConfigured, config.SMTPSPort)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	resolver := config.Resolver
	if resolver == nil {
		resolver = dns.NewResolver(dns.ResolverConfig{Timeout: config.DNSTimeout})
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:      config,
		registry:    registry,
		dispatcher:  NewDispatcher(registry, config.Logger),
		replies:     newReplyTables(config.Hostname),
		resolver:    resolver,
		logger:      config.Logger,
		connections: make(map[*Connection]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Registry returns the server's hook registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ListenAndServe listens on the configured address, and on the SMTPS
// address when one is set, and serves both.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	if s.config.SMTPSAddr != "" {
		tlsListener, err := net.Listen("tcp", s.config.SMTPSAddr)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("smtp: failed to listen on SMTPS address: %w", err)
		}
		go func() {
			if err := s.Serve(tlsListener); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Error("SMTPS listener stopped", slog.Any("error", err))
			}
		}()
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them. Connections
// arriving on the SMTPS port start with a TLS handshake.
func (s *Server) Serve(listener net.Listener) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	s.registry.Freeze()
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, listener)
	s.listenerMu.Unlock()

	s.logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	bo := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			delay := bo.Duration()
			s.logger.Error("accept error", slog.Any("error", err), slog.Duration("retry_in", delay))
			select {
			case <-s.ctx.Done():
				return ErrServerClosed
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.logger.Warn("connection limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_, _ = conn.Write([]byte(ResponseServiceUnavailable(s.config.Hostname, "Too many connections, try again later").Wire()))
			_ = conn.Close()
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()
	s.closeListeners()

	// Send 421 response to all connected clients
	s.sendShutdownResponse()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.connMu.Lock()
		for conn := range s.connections {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.cancel()
	s.closeListeners()
	s.sendShutdownResponse()

	s.connMu.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	return nil
}

func (s *Server) closeListeners() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.listeners = nil
}

// sendShutdownResponse sends a 421 response to all connected clients and closes them.
// Per RFC 5321, servers should send 421 before closing connections.
func (s *Server) sendShutdownResponse() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.connections {
		resp := ResponseServiceUnavailable(s.config.Hostname, fmt.Sprintf("Service shutting down [%s]", conn.ID()))
		_ = conn.writeReply(resp, 5*time.Second)
		_ = conn.conn.Close()
	}
}

func (s *Server) track(conn *Connection) {
	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()
	s.connCount.Add(1)
	metrics.ConnectionsActive.Inc()
}

func (s *Server) untrack(conn *Connection) {
	s.connMu.Lock()
	delete(s.connections, conn)
	s.connMu.Unlock()
	s.connCount.Add(-1)
	metrics.ConnectionsActive.Dec()
}

// swap replaces a tracked connection after a TLS upgrade.
func (s *Server) swap(old, next *Connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.connections, old)
	s.connections[next] = struct{}{}
}

func (s *Server) isImplicitTLS(netConn net.Conn) bool {
	if s.config.SMTPSPort == 0 || s.config.TLSConfig == nil {
		return false
	}
	addr, ok := netConn.LocalAddr().(*net.TCPAddr)
	return ok && addr.Port == s.config.SMTPSPort
}

// handleConnection runs one client session. On the SMTPS port the
// pre_connection hooks run before the TLS handshake, so a rejection there
// closes the socket without a reply: the client expects a TLS record, and
// neither path negotiates TLS just to refuse the connection.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	limits := ConnectionLimits{
		MaxMessageSize: s.config.MaxMessageSize,
		MaxRecipients:  s.config.MaxRecipients,
		MaxCommands:    s.config.MaxCommands,
		MaxErrors:      s.config.MaxErrors,
		IdleTimeout:    s.config.ReadTimeout,
		DataTimeout:    s.config.DataTimeout,
	}

	conn := NewConnection(s.ctx, netConn, s.logger, limits, max(s.config.MaxLineLength, 4096))
	conn.UseResolver(s.resolver)
	s.track(conn)

	defer func() {
		// A transaction still open here was cut off by a timeout, an
		// error limit or the client hanging up.
		s.discardTransaction(conn)
		s.dispatcher.Dispatch(HookDisconnect, NewContext(conn, nil), Decline())
		s.untrack(conn)
		_ = conn.Close()
		s.dispatcher.Dispatch(HookPostConnection, NewContext(conn, nil), Decline())
		conn.Logger().Info("client disconnected",
			slog.Int64("commands", conn.Trace.CommandCount),
			slog.Int("errors", conn.ErrorCount()),
			slog.Int64("transactions", conn.Trace.TransactionCount),
		)
	}()

	logger := conn.Logger()
	logger.Info("client connected")

	implicit := s.isImplicitTLS(netConn)

	res := s.dispatcher.Dispatch(HookPreConnection, NewContext(conn, nil), Decline())
	if resp, denied := s.verdict(conn, HookPreConnection, res); denied {
		if !implicit {
			s.writeResponse(conn, *resp)
		}
		return
	}

	if implicit {
		next, err := s.implicitTLS(conn)
		if err != nil {
			logger.Warn("implicit TLS negotiation failed", slog.Any("error", err))
			return
		}
		conn = next
		if conn.State() == StateQuit {
			return
		}
	}

	if s.config.ReverseLookup {
		s.lookupRemoteHost(conn)
	}

	res = s.dispatcher.Dispatch(HookConnect, NewContext(conn, nil), Decline())
	if resp, denied := s.verdict(conn, HookConnect, res); denied {
		s.writeResponse(conn, *resp)
		return
	}

	greeting := ResponseServiceReady(s.config.Hostname, fmt.Sprintf("ESMTP ready [%s]", conn.ID()))
	if res.Message != "" {
		greeting = ResponseServiceReady(s.config.Hostname, res.Message)
	}
	s.writeResponse(conn, greeting)

	conn = s.commandLoop(conn)
}

// lookupRemoteHost resolves the client's PTR name and records it durably.
// A lookup failure leaves UnknownHost in place.
func (s *Server) lookupRemoteHost(conn *Connection) {
	if conn.RemoteIP() == nil {
		return
	}
	names, err := conn.InitResolver(s.config.DNSTimeout).LookupAddr(conn.Context(), conn.RemoteIP())
	if err != nil {
		if !dns.IsNotFound(err) {
			conn.Logger().Debug("reverse lookup failed", slog.Any("error", err))
		}
		conn.SetRemoteHost(UnknownHost)
		return
	}
	if len(names.Records) > 0 {
		conn.SetRemoteHost(names.Records[0])
	}
}

// verdict maps a hook result through the reply table. It reports whether
// the command is rejected; on rejection the reject hook is fired and a
// disconnecting rule moves the session to QUIT.
func (s *Server) verdict(conn *Connection, hook Hook, res Result) (*Response, bool) {
	resp, disconnect, rejected := s.replies.lookup(hook, res)
	if !rejected {
		return nil, false
	}
	if resp.IsError() {
		hc := NewContext(conn, conn.currentTransaction(), string(hook), res.Code.String(), resp.Message)
		s.dispatcher.Dispatch(HookReject, hc, Decline())
		conn.Logger().Info("command rejected",
			slog.String("hook", string(hook)),
			slog.String("code", res.Code.String()),
			slog.Int("reply", int(resp.Code)),
		)
	}
	if disconnect {
		conn.SetState(StateQuit)
	}
	return &resp, true
}

// writeResponse sends a response to the client.
func (s *Server) writeResponse(conn *Connection, resp Response) {
	if err := conn.writeReply(resp, s.config.WriteTimeout); err != nil {
		conn.RecordError(err)
	}
}
