package rook

import (
	"context"
	"log/slog"

	"github.com/synqronlabs/rook/sasl"
)

// Context is passed to every hook callback. Transaction is nil for hooks
// fired outside a mail transaction (connect, helo, ehlo, auth, noop, ...).
type Context struct {
	ctx context.Context

	// Hook and Plugin identify the running callback.
	Hook   Hook
	Plugin string

	Connection  *Connection
	Transaction *Transaction

	// Args are the whitespace separated command arguments, Params the
	// ESMTP parameters of MAIL and RCPT.
	Args   []string
	Params map[string]string

	// Address is the sender of the mail hook or the recipient of the rcpt
	// hook.
	Address *Address

	// Mechanism and Credentials are set for auth hooks.
	Mechanism   string
	Credentials *sasl.Credentials

	// Logger is scoped to the connection, plugin and hook.
	Logger *slog.Logger
}

// NewContext returns a hook context for conn and txn.
func NewContext(conn *Connection, txn *Transaction, args ...string) *Context {
	c := &Context{
		Connection:  conn,
		Transaction: txn,
		Args:        args,
	}
	if conn != nil {
		c.ctx = conn.Context()
		c.Logger = conn.Logger()
	}
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Context returns the connection context. It is cancelled when the client
// goes away or the server shuts down.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Notes returns the connection-scoped notes.
func (c *Context) Notes() *Notes {
	return c.Connection.Notes()
}

// TxnNotes returns the transaction-scoped notes, or nil outside a
// transaction.
func (c *Context) TxnNotes() *Notes {
	if c.Transaction == nil {
		return nil
	}
	return c.Transaction.Notes()
}

// Arg returns the i-th argument or "".
func (c *Context) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}
