package rook

import "log/slog"

// Karma is the connection's aggregate reputation score. Plugins adjust it
// as they learn about the client; the karma plugin acts on the total.

// AdjustKarma adds delta to the karma score and returns the new score.
func (c *Connection) AdjustKarma(delta int) int {
	score := c.notes.Add(NoteKarma, delta)
	// Reputation must not reset across STARTTLS.
	c.notes.SetDurable(NoteKarma, score)
	c.logger.Debug("karma adjusted", slog.Int("delta", delta), slog.Int("karma", score))
	return score
}

// Karma returns the current score. An untouched connection scores 0.
func (c *Connection) Karma() int {
	return c.notes.Int(NoteKarma)
}

// MarkImmune exempts the connection from karma and naughty rejections.
func (c *Connection) MarkImmune() {
	c.notes.SetDurable(NoteImmune, true)
}

// IsImmune reports whether MarkImmune has been called.
func (c *Connection) IsImmune() bool {
	return c.notes.Bool(NoteImmune)
}

// MarkNaughty flags the connection for a deferred rejection carrying msg.
func (c *Connection) MarkNaughty(msg string) {
	if msg == "" {
		msg = "naughty"
	}
	c.notes.SetDurable(NoteNaughty, msg)
	c.logger.Info("connection marked naughty", slog.String("reason", msg))
}

// IsNaughty reports whether MarkNaughty has been called.
func (c *Connection) IsNaughty() bool {
	return c.notes.Bool(NoteNaughty)
}

// NaughtyReason returns the message passed to MarkNaughty.
func (c *Connection) NaughtyReason() string {
	return c.notes.String(NoteNaughty)
}
