package rook

import (
	"fmt"
	"strings"
)

// Code is the verdict a hook callback returns to the dispatcher.
type Code int

// Result codes, in ascending order of precedence. Any code other than
// Declined stops dispatch and is returned to the command handler as is.
const (
	Declined Code = iota
	OK
	Done
	DenySoft
	Deny
	DenySoftDisconnect
	DenyDisconnect
)

var codeNames = [...]string{
	Declined:           "DECLINED",
	OK:                 "OK",
	Done:               "DONE",
	DenySoft:           "DENYSOFT",
	Deny:               "DENY",
	DenySoftDisconnect: "DENYSOFT_DISCONNECT",
	DenyDisconnect:     "DENY_DISCONNECT",
}

func (c Code) String() string {
	if c.Valid() {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Valid reports whether c is one of the recognized result codes.
func (c Code) Valid() bool {
	return c >= Declined && c <= DenyDisconnect
}

// Stops reports whether the code ends dispatch.
func (c Code) Stops() bool {
	return c != Declined
}

// IsDeny reports whether the code rejects the current command.
func (c Code) IsDeny() bool {
	return c >= DenySoft
}

// Temporary reports whether the code maps to a 4xx reply.
func (c Code) Temporary() bool {
	return c == DenySoft || c == DenySoftDisconnect
}

// Disconnects reports whether the connection closes after the reply.
func (c Code) Disconnects() bool {
	return c == DenySoftDisconnect || c == DenyDisconnect
}

// ParseCode parses a code name such as "DENY_DISCONNECT". Matching is
// case-insensitive and accepts "DENYSOFT" in both spellings.
func ParseCode(s string) (Code, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "DENY_SOFT", "DENYSOFT")
	for i, n := range codeNames {
		if n == name {
			return Code(i), nil
		}
	}
	return Declined, fmt.Errorf("%w: %q", ErrUnknownCode, s)
}

// Result is the value a callback returns. Message replaces the per-hook
// default reply text; Lines, when set, produce a multi-line reply.
type Result struct {
	Code    Code
	Message string
	Lines   []string
}

// Decline is the neutral result: the callback has no opinion.
func Decline() Result {
	return Result{Code: Declined}
}

// Accept returns an OK result with an optional reply message.
func Accept(msg string) Result {
	return Result{Code: OK, Message: msg}
}

// Reject returns a result with the given code and message.
func Reject(code Code, msg string) Result {
	return Result{Code: code, Message: msg}
}

// Text returns the reply lines of the result, falling back to def when the
// callback did not supply any.
func (r Result) Text(def string) []string {
	switch {
	case len(r.Lines) > 0 && r.Message != "":
		return append([]string{r.Message}, r.Lines...)
	case len(r.Lines) > 0:
		return r.Lines
	case r.Message != "":
		return []string{r.Message}
	}
	return []string{def}
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return r.Code.String() + " " + r.Message
}
