package rook

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	rookio "github.com/synqronlabs/rook/io"
	"github.com/synqronlabs/rook/sasl"
)

// authAllowed reports whether AUTH is offered on conn. When a certificate
// is configured, credentials are only accepted over TLS.
func (s *Server) authAllowed(conn *Connection) bool {
	if len(s.config.AuthMechanisms) == 0 || conn.SSLFailed() {
		return false
	}
	return conn.IsTLS() || s.config.TLSConfig == nil
}

// authHook returns the mechanism specific hook, if there is one.
func authHook(mechanism string) (Hook, bool) {
	switch mechanism {
	case "PLAIN":
		return HookAuthPlain, true
	case "LOGIN":
		return HookAuthLogin, true
	}
	return "", false
}

// handleAuth processes the AUTH command.
func (s *Server) handleAuth(conn *Connection, args string) *Response {
	if conn.SSLFailed() {
		resp := ResponseLackOfSecurity()
		return &resp
	}
	if len(s.config.AuthMechanisms) == 0 {
		resp := ResponseCommandNotImplemented("AUTH")
		return &resp
	}
	if conn.State() < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}
	if conn.State() >= StateMail {
		resp := ResponseBadSequence("AUTH not permitted during a mail transaction")
		return &resp
	}
	if conn.IsAuthenticated() {
		resp := ResponseBadSequence("Already authenticated")
		return &resp
	}
	if !s.authAllowed(conn) {
		return &Response{
			Code:         530,
			EnhancedCode: string(ESCSecurityError),
			Message:      "Must issue a STARTTLS command first",
		}
	}

	name, initial, _ := strings.Cut(args, " ")
	mechanism := strings.ToUpper(name)
	if mechanism == "" {
		resp := ResponseSyntaxError("Syntax: AUTH mechanism [initial-response]")
		return &resp
	}
	if !slices.Contains(s.config.AuthMechanisms, mechanism) {
		return &Response{Code: CodeParameterNotImpl, EnhancedCode: string(ESCInvalidArgs), Message: "Mechanism not supported"}
	}

	mech, err := sasl.New(mechanism)
	if err != nil {
		return &Response{Code: CodeParameterNotImpl, EnhancedCode: string(ESCInvalidArgs), Message: "Mechanism not implemented"}
	}

	creds, err := s.runSASLExchange(conn, mech, strings.TrimSpace(initial))
	if err != nil {
		conn.RecordError(err)
		if errors.Is(err, sasl.ErrAuthenticationCancelled) {
			resp := ResponseSyntaxError("Authentication cancelled")
			return &resp
		}
		if errors.Is(err, sasl.ErrInvalidBase64) || errors.Is(err, sasl.ErrInvalidFormat) {
			resp := ResponseSyntaxError("Malformed authentication response")
			return &resp
		}
		conn.SetState(StateQuit)
		return nil
	}

	hook := HookAuth
	res := Decline()
	if h, ok := authHook(mechanism); ok {
		hook = h
		res = s.dispatcher.Dispatch(hook, s.authContext(conn, mechanism, creds), Decline())
	}
	if res.Code == Declined && hook != HookAuth {
		hook = HookAuth
		res = s.dispatcher.Dispatch(hook, s.authContext(conn, mechanism, creds), Decline())
	}
	if resp, denied := s.verdict(conn, hook, res); denied {
		conn.Logger().Info("authentication failed",
			slog.String("mechanism", mechanism),
			slog.String("user", creds.AuthenticationID),
		)
		return resp
	}

	identity := creds.Identity()
	conn.mu.Lock()
	conn.Auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       mechanism,
		Identity:        identity,
		AuthenticatedAt: time.Now(),
	}
	conn.mu.Unlock()
	conn.Notes().SetDurable(NoteAuthUser, identity)
	conn.Logger().Info("client authenticated",
		slog.String("mechanism", mechanism),
		slog.String("user", identity),
	)

	msg := res.Message
	if msg == "" {
		msg = "Authentication successful"
	}
	return &Response{Code: CodeAuthSuccess, EnhancedCode: string(ESCSecuritySuccess), Message: msg}
}

func (s *Server) authContext(conn *Connection, mechanism string, creds *sasl.Credentials) *Context {
	hc := NewContext(conn, nil, mechanism, creds.AuthenticationID)
	hc.Mechanism = mechanism
	hc.Credentials = creds
	return hc
}

// runSASLExchange drives mech until it completes, sending each challenge
// as a 334 reply.
func (s *Server) runSASLExchange(conn *Connection, mech sasl.Mechanism, initial string) (*sasl.Credentials, error) {
	challenge, done, err := mech.Start(initial)
	for !done && err == nil {
		s.writeResponse(conn, Response{Code: CodeAuthContinue, Message: challenge})

		if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return nil, err
		}
		line, rerr := rookio.ReadLine(conn.reader, s.config.MaxLineLength, false)
		if rerr != nil {
			return nil, fmt.Errorf("smtp: reading SASL response: %w", rerr)
		}
		if line == "*" {
			return nil, sasl.ErrAuthenticationCancelled
		}
		challenge, done, err = mech.Next(line)
	}
	if err != nil {
		return nil, err
	}
	creds := mech.Credentials()
	if creds == nil {
		return nil, sasl.ErrInvalidFormat
	}
	return creds, nil
}
