package rook

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/synqronlabs/rook/dns"
)

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via rook.New().
type ServerConfig struct {
	Hostname  string `validate:"required,hostname_rfc1123"`
	Addr      string `validate:"required"`
	SMTPSAddr string

	// SMTPSPort is the local port on which connections start with implicit
	// TLS. Zero disables implicit TLS.
	SMTPSPort int `validate:"gte=0,lte=65535"`

	TLSConfig           *tls.Config   `validate:"-"`
	TLSHandshakeTimeout time.Duration `validate:"gte=0"`

	// NonBlockingTLS drives implicit TLS handshakes from a single event
	// loop instead of the connection goroutine.
	NonBlockingTLS bool

	AuthMechanisms []string

	// ReverseLookup resolves the client hostname on connect.
	ReverseLookup bool
	Resolver      dns.Resolver  `validate:"-"`
	DNSTimeout    time.Duration `validate:"gte=0"`

	MaxMessageSize     int64 `validate:"gte=0"`
	MaxRecipients      int   `validate:"gte=0"`
	MaxConnections     int   `validate:"gte=0"`
	MaxCommands        int64 `validate:"gte=0"`
	MaxErrors          int   `validate:"gte=0"`
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	DataTimeout        time.Duration
	MaxLineLength      int `validate:"gte=0"`
	MaxReceivedHeaders int `validate:"gte=0"`
	ShutdownTimeout    time.Duration
	Logger             *slog.Logger `validate:"-"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                ":25",
		ReadTimeout:         5 * time.Minute,
		WriteTimeout:        5 * time.Minute,
		DataTimeout:         10 * time.Minute,
		TLSHandshakeTimeout: 30 * time.Second,
		DNSTimeout:          dns.DefaultTimeout,
		MaxLineLength:       512,
		MaxReceivedHeaders:  100, // RFC 5321 Section 6.3 recommends at least 100
		AuthMechanisms:      []string{"PLAIN", "LOGIN"},
		ShutdownTimeout:     30 * time.Second,
		Logger:              slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port 587).
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	return config
}
