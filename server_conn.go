package rook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	rookio "github.com/synqronlabs/rook/io"
)

// commandLoop processes commands from the client until QUIT, a
// disconnecting verdict or a read error. It returns the connection that is
// current when the session ends, which differs from conn after STARTTLS.
func (s *Server) commandLoop(conn *Connection) *Connection {
	for {
		select {
		case <-conn.Context().Done():
			return conn
		default:
		}

		if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return conn
		}

		line, err := rookio.ReadLine(conn.reader, s.config.MaxLineLength, false)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return conn
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// An idle client is deferred, never refused.
				s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname,
					fmt.Sprintf("Timeout waiting for command, closing connection [%s]", conn.ID())))
				return conn
			}
			if errors.Is(err, rookio.ErrLineTooLong) {
				s.writeResponse(conn, ResponseSyntaxError("Line too long"))
				conn.RecordError(err)
				continue
			}
			if errors.Is(err, rookio.ErrBadLineEnding) {
				s.writeResponse(conn, ResponseSyntaxError("Line must be terminated with CRLF"))
				conn.RecordError(err)
				continue
			}
			conn.Logger().Error("read error", slog.Any("error", err))
			return conn
		}

		conn.UpdateActivity()

		if conn.Limits.MaxCommands > 0 && conn.Trace.CommandCount > conn.Limits.MaxCommands {
			s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname, "Too many commands"))
			return conn
		}
		if conn.Limits.MaxErrors > 0 && conn.ErrorCount() >= conn.Limits.MaxErrors {
			s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname, "Too many errors"))
			return conn
		}

		cmd, args, known := parseCommand(line)
		conn.Logger().Debug("command received", slog.String("cmd", string(cmd)))

		switch {
		case !known:
			s.writeResponseIf(conn, s.handleUnrecognized(conn, line))
		case cmd == CmdStartTLS:
			conn = s.handleStartTLS(conn, args)
		default:
			s.writeResponseIf(conn, s.handleCommand(conn, cmd, args))
		}

		if conn.State() == StateQuit {
			return conn
		}
	}
}

func (s *Server) writeResponseIf(conn *Connection, resp *Response) {
	if resp != nil {
		s.writeResponse(conn, *resp)
	}
}

// handleCommand processes a single SMTP command.
func (s *Server) handleCommand(conn *Connection, cmd Command, args string) *Response {
	switch cmd {
	case CmdHelo:
		return s.handleHelo(conn, args)
	case CmdEhlo:
		return s.handleEhlo(conn, args)
	case CmdMail:
		return s.handleMail(conn, args)
	case CmdRcpt:
		return s.handleRcpt(conn, args)
	case CmdData:
		return s.handleData(conn)
	case CmdRset:
		return s.handleRset(conn)
	case CmdVrfy:
		return s.handleVrfy(conn, args)
	case CmdHelp:
		return s.handleHelp(conn)
	case CmdNoop:
		return s.handleNoop(conn, args)
	case CmdQuit:
		return s.handleQuit(conn)
	case CmdAuth:
		return s.handleAuth(conn, args)
	}
	return s.handleUnrecognized(conn, string(cmd)+" "+args)
}

// handleUnrecognized fires unrecognized_command for a verb without a
// handler. The hook receives the verb followed by its arguments.
func (s *Server) handleUnrecognized(conn *Connection, line string) *Response {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		fields = []string{""}
	}
	conn.RecordError(fmt.Errorf("%w: %s", ErrInvalidCommand, fields[0]))

	hc := NewContext(conn, conn.currentTransaction(), fields...)
	res := s.dispatcher.Dispatch(HookUnrecognizedCommand, hc, Decline())
	resp, _ := s.verdict(conn, HookUnrecognizedCommand, res)
	if resp == nil {
		// OK or DONE: a plugin handled the verb.
		msg := res.Message
		if msg == "" {
			msg = "OK"
		}
		return &Response{Code: CodeOK, Message: msg, Lines: res.Lines}
	}
	return resp
}
