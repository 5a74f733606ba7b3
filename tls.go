package rook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/synqronlabs/rook/metrics"
)

// handshake runs a server side TLS handshake over netConn bounded by the
// configured timeout. Cancelling ctx aborts it and closes netConn.
func (s *Server) handshake(ctx context.Context, netConn net.Conn) (*tls.Conn, error) {
	tlsConn := tls.Server(netConn, s.config.TLSConfig)

	// A socket deadline, unlike an expired context, leaves netConn open
	// after a timed out STARTTLS.
	_ = netConn.SetDeadline(time.Now().Add(s.config.TLSHandshakeTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTLSFailed, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// handleStartTLS processes the STARTTLS command and returns the connection
// the session continues on. On success that is a new Connection carrying
// only the durable notes; on a failed handshake it is conn, marked so that
// every later mail command is refused.
func (s *Server) handleStartTLS(conn *Connection, args string) *Connection {
	switch {
	case args != "":
		s.writeResponse(conn, ResponseSyntaxError("Syntax: STARTTLS"))
		return conn
	case s.config.TLSConfig == nil:
		s.writeResponse(conn, ResponseCommandNotImplemented("STARTTLS"))
		return conn
	case conn.IsTLS():
		s.writeResponse(conn, ResponseBadSequence("TLS already active"))
		return conn
	case conn.SSLFailed():
		s.writeResponse(conn, ResponseLackOfSecurity())
		return conn
	case conn.State() >= StateMail:
		s.writeResponse(conn, ResponseBadSequence("STARTTLS not permitted during a mail transaction"))
		return conn
	}

	s.writeResponse(conn, Response{Code: CodeServiceReady, EnhancedCode: string(ESCSuccess), Message: "Go ahead"})

	tlsConn, err := s.handshake(conn.Context(), conn.conn)
	if err != nil {
		metrics.TLSHandshakesTotal.WithLabelValues("starttls", "failed").Inc()
		conn.Logger().Warn("STARTTLS negotiation failed", slog.Any("error", err))
		conn.markSSLFailed()
		conn.RecordError(err)
		// The client may still be talking; the next command gets a 554
		// through the ssl_failed check of each handler.
		_ = conn.conn.SetDeadline(time.Time{})
		s.discardTransaction(conn)
		return conn
	}
	metrics.TLSHandshakesTotal.WithLabelValues("starttls", "ok").Inc()

	next := s.upgrade(conn, tlsConn)
	res := s.dispatcher.Dispatch(HookStartTLS, NewContext(next, nil), Decline())
	if resp, denied := s.verdict(next, HookStartTLS, res); denied {
		s.writeResponse(next, *resp)
	}
	return next
}

// upgrade moves the session from conn onto tlsConn.
func (s *Server) upgrade(conn *Connection, tlsConn *tls.Conn) *Connection {
	s.discardTransaction(conn)
	next := conn.upgraded(tlsConn)
	s.swap(conn, next)

	state := tlsConn.ConnectionState()
	next.Logger().Info("TLS established",
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipher", tls.CipherSuiteName(state.CipherSuite)),
	)
	return next
}

// implicitTLS completes TLS for a connection that arrived on the SMTPS
// port. With NonBlockingTLS the handshake runs on the event loop, falling
// back to this goroutine where the loop is unavailable. A failed handshake
// returns an error and the connection is dropped without a reply.
func (s *Server) implicitTLS(conn *Connection) (*Connection, error) {
	tlsConn, err := s.implicitHandshake(conn)
	if err != nil {
		conn.markSSLFailed()
		return nil, err
	}

	next := s.upgrade(conn, tlsConn)
	res := s.dispatcher.Dispatch(HookStartTLS, NewContext(next, nil), Decline())
	if resp, denied := s.verdict(next, HookStartTLS, res); denied {
		s.writeResponse(next, *resp)
	}
	return next, nil
}

func (s *Server) implicitHandshake(conn *Connection) (*tls.Conn, error) {
	if s.config.NonBlockingTLS {
		tlsConn, err := s.handshakeAsync(conn.conn)
		if !errors.Is(err, errNoEventLoop) {
			return tlsConn, err
		}
		conn.Logger().Warn("event loop unavailable, handshaking in connection goroutine", slog.Any("error", err))
	}

	tlsConn, err := s.handshake(conn.Context(), conn.conn)
	if err != nil {
		metrics.TLSHandshakesTotal.WithLabelValues("implicit", "failed").Inc()
		return nil, err
	}
	metrics.TLSHandshakesTotal.WithLabelValues("implicit", "ok").Inc()
	return tlsConn, nil
}
