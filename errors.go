package rook

import "errors"

var (
	ErrServerClosed     = errors.New("smtp: server closed")
	ErrTooManyRecipents = errors.New("smtp: too many recipients")
	ErrMessageTooLarge  = errors.New("smtp: message too large")
	ErrTimeout          = errors.New("smtp: timeout")
	ErrInvalidCommand   = errors.New("smtp: invalid command")
	ErrUnknownHook      = errors.New("smtp: unknown hook")
	ErrUnknownCode      = errors.New("smtp: unknown result code")
	ErrRegistryFrozen   = errors.New("smtp: hook registry is frozen")
	ErrNilCallback      = errors.New("smtp: nil hook callback")
	ErrTLSNotConfigured = errors.New("smtp: TLS is not configured")
	ErrTLSFailed        = errors.New("smtp: TLS negotiation failed")
	ErrInvalidAddress   = errors.New("smtp: invalid address")
	ErrInvalidConfig    = errors.New("smtp: invalid server configuration")
)
