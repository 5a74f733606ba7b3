// Package sasl implements the server side of the PLAIN and LOGIN SASL
// mechanisms used by SMTP AUTH (RFC 4954).
package sasl

import (
	"errors"
	"strings"
)

var (
	// ErrAuthenticationCancelled is returned when the client sends "*".
	ErrAuthenticationCancelled = errors.New("sasl: authentication cancelled")
	ErrInvalidFormat           = errors.New("sasl: invalid authentication format")
	ErrInvalidBase64           = errors.New("sasl: invalid base64 encoding")
	ErrUnsupportedMechanism    = errors.New("sasl: unsupported mechanism")
)

// Credentials are the values collected by a completed exchange.
type Credentials struct {
	AuthorizationID  string
	AuthenticationID string
	Password         string
}

// Identity returns the identity the client asked to act as.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is a server-side SASL state machine. Start is called with the
// optional initial response from the AUTH line; Next with every later
// client line. A non-done step returns the base64 challenge to send.
type Mechanism interface {
	Name() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Credentials() *Credentials
}

// New returns a fresh mechanism for the given (case-insensitive) name.
func New(name string) (Mechanism, error) {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return NewPlain(), nil
	case "LOGIN":
		return NewLogin(), nil
	}
	return nil, ErrUnsupportedMechanism
}
