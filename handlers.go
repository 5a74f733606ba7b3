package rook

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	rookio "github.com/synqronlabs/rook/io"
	"github.com/synqronlabs/rook/metrics"
)

// maxTextLine is the RFC 5321 text line limit including CRLF.
const maxTextLine = 1000

func (s *Server) greetingLine(conn *Connection) string {
	ip := conn.RemoteIP()
	if ip == nil {
		ip = net.IPv4zero
	}
	return fmt.Sprintf("%s Hello %s [%s] [%s]", s.config.Hostname, conn.RemoteHost(), ip.String(), conn.ID())
}

// discardTransaction fires reset_transaction for an open transaction and
// drops it.
func (s *Server) discardTransaction(conn *Connection) {
	if txn := conn.currentTransaction(); txn != nil {
		s.dispatcher.Dispatch(HookResetTransaction, NewContext(conn, txn), Decline())
		metrics.TransactionsTotal.WithLabelValues("reset").Inc()
	}
	conn.resetTransaction()
}

func (s *Server) handleHelo(conn *Connection, hostname string) *Response {
	if conn.SSLFailed() {
		resp := ResponseLackOfSecurity()
		return &resp
	}
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	res := s.dispatcher.Dispatch(HookHelo, NewContext(conn, nil, hostname), Decline())
	if resp, denied := s.verdict(conn, HookHelo, res); denied {
		return resp
	}

	s.discardTransaction(conn)
	conn.setClientHostname(hostname)
	conn.setCapabilities(nil)
	conn.SetState(StateGreeted)

	return &Response{Code: CodeOK, Message: s.greetingLine(conn)}
}

// capabilities returns the EHLO keyword lines for conn.
func (s *Server) capabilities(conn *Connection) []string {
	caps := []string{"PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES"}
	if s.config.MaxMessageSize > 0 {
		caps = append(caps, "SIZE "+strconv.FormatInt(s.config.MaxMessageSize, 10))
	}
	if s.config.TLSConfig != nil && !conn.IsTLS() {
		caps = append(caps, "STARTTLS")
	}
	if s.authAllowed(conn) {
		caps = append(caps, "AUTH "+strings.Join(s.config.AuthMechanisms, " "))
	}
	return caps
}

func (s *Server) handleEhlo(conn *Connection, hostname string) *Response {
	if conn.SSLFailed() {
		resp := ResponseLackOfSecurity()
		return &resp
	}
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	res := s.dispatcher.Dispatch(HookEhlo, NewContext(conn, nil, hostname), Decline())
	if resp, denied := s.verdict(conn, HookEhlo, res); denied {
		return resp
	}

	s.discardTransaction(conn)
	caps := s.capabilities(conn)
	conn.setClientHostname(hostname)
	conn.setCapabilities(caps)
	conn.SetState(StateGreeted)

	return &Response{Code: CodeOK, Message: s.greetingLine(conn), Lines: caps}
}

func (s *Server) handleMail(conn *Connection, args string) *Response {
	if conn.SSLFailed() {
		resp := ResponseLackOfSecurity()
		return &resp
	}
	switch state := conn.State(); {
	case state < StateGreeted:
		resp := ResponseBadSequence("Send EHLO/HELO first")
		return &resp
	case state >= StateMail:
		resp := ResponseBadSequence("MAIL command already given")
		return &resp
	}

	rest, ok := cutPrefixFold(args, "FROM:")
	if !ok {
		resp := ResponseSyntaxError("Syntax: MAIL FROM:<address>")
		return &resp
	}
	from, params, err := parsePathWithParams(rest)
	if err != nil {
		resp := ResponseSyntaxError(err.Error())
		return &resp
	}

	if size, ok := params["SIZE"]; ok && s.config.MaxMessageSize > 0 {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			resp := ResponseSyntaxError("Invalid SIZE parameter")
			return &resp
		}
		if n > s.config.MaxMessageSize {
			resp := ResponseExceededStorage("Message size exceeds fixed maximum message size")
			return &resp
		}
	}

	s.discardTransaction(conn)
	txn := conn.beginTransaction()
	txn.SetSender(from, params)

	hc := NewContext(conn, txn, strings.Fields(rest)...)
	hc.Address = &from
	hc.Params = params
	res := s.dispatcher.Dispatch(HookMail, hc, Decline())
	if resp, denied := s.verdict(conn, HookMail, res); denied {
		conn.resetTransaction()
		return resp
	}

	conn.SetState(StateMail)
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%s, sender OK", from.Bracketed())
	}
	return &Response{Code: CodeOK, EnhancedCode: string(ESCAddressValid), Message: msg}
}

func (s *Server) handleRcpt(conn *Connection, args string) *Response {
	if conn.SSLFailed() {
		resp := ResponseLackOfSecurity()
		return &resp
	}
	txn := conn.currentTransaction()
	if conn.State() < StateMail || txn == nil {
		resp := ResponseBadSequence("Need MAIL before RCPT")
		return &resp
	}

	rest, ok := cutPrefixFold(args, "TO:")
	if !ok {
		resp := ResponseSyntaxError("Syntax: RCPT TO:<address>")
		return &resp
	}
	to, params, err := parsePathWithParams(rest)
	if err != nil {
		resp := ResponseSyntaxError(err.Error())
		return &resp
	}
	if to.IsNull() {
		resp := ResponseSyntaxError("Null recipient not allowed")
		return &resp
	}

	if s.config.MaxRecipients > 0 && txn.RecipientCount() >= s.config.MaxRecipients {
		return &Response{
			Code:         CodeInsufficientStorage,
			EnhancedCode: string(ESCTooManyRecipients.ForClass(4)),
			Message:      "Too many recipients",
		}
	}

	hc := NewContext(conn, txn, strings.Fields(rest)...)
	hc.Address = &to
	hc.Params = params
	res := s.dispatcher.Dispatch(HookRcpt, hc, Decline())
	if resp, denied := s.verdict(conn, HookRcpt, res); denied {
		return resp
	}

	txn.AddRecipient(to)
	conn.SetState(StateRcpt)
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("%s, recipient ok", to.Bracketed())
	}
	return &Response{Code: CodeOK, EnhancedCode: string(ESCRecipientValid), Message: msg}
}

func (s *Server) handleData(conn *Connection) *Response {
	if conn.SSLFailed() {
		resp := ResponseLackOfSecurity()
		return &resp
	}
	txn := conn.currentTransaction()
	switch {
	case conn.State() < StateMail || txn == nil:
		resp := ResponseBadSequence("Need MAIL before DATA")
		return &resp
	case conn.State() < StateRcpt:
		resp := ResponseBadSequence("Need RCPT before DATA")
		return &resp
	}

	res := s.dispatcher.Dispatch(HookData, NewContext(conn, txn), Decline())
	if resp, denied := s.verdict(conn, HookData, res); denied {
		return resp
	}

	conn.SetState(StateData)
	s.writeResponse(conn, Response{Code: CodeStartMailInput, Message: "End data with <CR><LF>.<CR><LF>"})

	if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout)); err != nil {
		conn.SetState(StateQuit)
		return nil
	}
	data, err := rookio.ReadData(conn.reader, maxTextLine, s.config.MaxMessageSize)
	if err != nil {
		return s.dataReadFailed(conn, err)
	}

	txn.SetData(data)
	if limit := s.config.MaxReceivedHeaders; limit > 0 && txn.Headers().Count("Received") >= limit {
		conn.Logger().Warn("mail loop detected", slog.Int("received_count", txn.Headers().Count("Received")))
		s.discardTransaction(conn)
		return &Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCRoutingLoop), Message: "Too many hops"}
	}
	txn.AddHeader("Received", s.receivedHeader(conn, txn))

	conn.SetState(StatePostData)
	res = s.dispatcher.Dispatch(HookDataPost, NewContext(conn, txn), Decline())
	if resp, denied := s.verdict(conn, HookDataPost, res); denied {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		conn.resetTransaction()
		return resp
	}

	res = s.dispatcher.Dispatch(HookQueue, NewContext(conn, txn), Decline())
	if resp, denied := s.verdict(conn, HookQueue, res); denied {
		metrics.TransactionsTotal.WithLabelValues("rejected").Inc()
		conn.resetTransaction()
		return resp
	}

	metrics.TransactionsTotal.WithLabelValues("queued").Inc()
	conn.completeTransaction()
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("Queued! %s", txn.ID())
	}
	return &Response{Code: CodeOK, EnhancedCode: string(ESCMessageAccepted), Message: msg}
}

// dataReadFailed answers a DATA payload that could not be read whole.
func (s *Server) dataReadFailed(conn *Connection, err error) *Response {
	conn.RecordError(err)
	var netErr net.Error
	switch {
	case errors.Is(err, rookio.ErrDataTooLarge):
		conn.resetTransaction()
		resp := ResponseExceededStorage("Message size exceeds fixed maximum message size")
		return &resp
	case errors.Is(err, rookio.ErrLineTooLong):
		conn.resetTransaction()
		resp := Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCPermFailure), Message: "Line too long in message data"}
		return &resp
	case errors.As(err, &netErr) && netErr.Timeout():
		conn.SetState(StateQuit)
		resp := ResponseServiceUnavailable(s.config.Hostname, "Timeout waiting for data")
		return &resp
	}
	conn.SetState(StateQuit)
	return nil
}

// receivedHeader builds the trace field added to every accepted message
// (RFC 5321 section 4.4).
func (s *Server) receivedHeader(conn *Connection, txn *Transaction) string {
	protocol := "SMTP"
	if conn.HeloHost() != "" && len(txn.Capabilities()) > 0 {
		protocol = "ESMTP"
	}
	if conn.IsTLS() {
		protocol += "S"
	}
	if conn.IsAuthenticated() {
		protocol += "A"
	}
	ip := conn.RemoteIP()
	if ip == nil {
		ip = net.IPv4zero
	}
	return fmt.Sprintf("from %s (%s [%s]) by %s with %s id %s; %s",
		conn.HeloHost(), conn.RemoteHost(), ip, s.config.Hostname, protocol,
		txn.ID(), time.Now().Format(time.RFC1123Z))
}

func (s *Server) handleRset(conn *Connection) *Response {
	s.discardTransaction(conn)
	return &Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: "OK"}
}

func (s *Server) handleVrfy(conn *Connection, args string) *Response {
	res := s.dispatcher.Dispatch(HookVrfy, NewContext(conn, nil, strings.Fields(args)...), Decline())
	if resp, denied := s.verdict(conn, HookVrfy, res); denied {
		return resp
	}
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("<%s> OK", args)
	}
	return &Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: msg}
}

func (s *Server) handleNoop(conn *Connection, args string) *Response {
	res := s.dispatcher.Dispatch(HookNoop, NewContext(conn, conn.currentTransaction(), strings.Fields(args)...), Decline())
	if resp, denied := s.verdict(conn, HookNoop, res); denied {
		return resp
	}
	return &Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: "OK"}
}

func (s *Server) handleHelp(conn *Connection) *Response {
	cmds := []string{"HELO", "EHLO", "MAIL", "RCPT", "DATA", "RSET", "VRFY", "NOOP", "QUIT", "HELP"}
	if s.config.TLSConfig != nil && !conn.IsTLS() {
		cmds = append(cmds, "STARTTLS")
	}
	if s.authAllowed(conn) {
		cmds = append(cmds, "AUTH")
	}
	return &Response{
		Code:    214,
		Message: "This is " + s.config.Hostname,
		Lines:   []string{"Supported commands:", strings.Join(cmds, " "), "End of HELP info"},
	}
}

func (s *Server) handleQuit(conn *Connection) *Response {
	res := s.dispatcher.Dispatch(HookQuit, NewContext(conn, conn.currentTransaction()), Decline())
	s.discardTransaction(conn)
	conn.SetState(StateQuit)
	msg := fmt.Sprintf("closing connection. Have a wonderful day. [%s]", conn.ID())
	if res.Message != "" {
		msg = res.Message
	}
	resp := ResponseServiceClosing(s.config.Hostname, msg)
	return &resp
}
