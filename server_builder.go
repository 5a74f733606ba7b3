package rook

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/synqronlabs/rook/dns"
)

var validate = validator.New()

// ServerBuilder provides a fluent API for configuring an SMTP server.
type ServerBuilder struct {
	config   ServerConfig
	registry *Registry
	errs     []error
}

// New creates a new ServerBuilder.
func New(hostname string) *ServerBuilder {
	config := DefaultServerConfig()
	config.Hostname = hostname
	return &ServerBuilder{
		config:   config,
		registry: NewRegistry(),
	}
}

// Addr sets the address to listen on (e.g., ":25", "0.0.0.0:587").
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.config.Addr = addr
	return b
}

// Logger sets the structured logger for the server.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// TLS configures TLS for the server.
// This enables the STARTTLS extension.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.config.TLSConfig = config
	return b
}

// SMTPS sets the address of the implicit TLS listener. Connections whose
// local port is the port of addr handshake before the greeting.
func (b *ServerBuilder) SMTPS(addr string, port int) *ServerBuilder {
	b.config.SMTPSAddr = addr
	b.config.SMTPSPort = port
	return b
}

// NonBlockingTLS drives implicit TLS handshakes from the event loop.
func (b *ServerBuilder) NonBlockingTLS(enabled bool) *ServerBuilder {
	b.config.NonBlockingTLS = enabled
	return b
}

// TLSHandshakeTimeout bounds every TLS handshake.
func (b *ServerBuilder) TLSHandshakeTimeout(d time.Duration) *ServerBuilder {
	b.config.TLSHandshakeTimeout = d
	return b
}

// Auth sets the advertised SASL mechanisms.
func (b *ServerBuilder) Auth(mechanisms ...string) *ServerBuilder {
	b.config.AuthMechanisms = mechanisms
	return b
}

// Resolver sets the DNS resolver shared by all connections.
func (b *ServerBuilder) Resolver(r dns.Resolver) *ServerBuilder {
	b.config.Resolver = r
	return b
}

// DNSTimeout sets the default per-query DNS timeout.
func (b *ServerBuilder) DNSTimeout(d time.Duration) *ServerBuilder {
	b.config.DNSTimeout = d
	return b
}

// ReverseLookup resolves the client hostname on connect.
func (b *ServerBuilder) ReverseLookup(enabled bool) *ServerBuilder {
	b.config.ReverseLookup = enabled
	return b
}

// ReadTimeout sets the idle timeout for reading commands.
func (b *ServerBuilder) ReadTimeout(d time.Duration) *ServerBuilder {
	b.config.ReadTimeout = d
	return b
}

// WriteTimeout sets the timeout for writing responses.
func (b *ServerBuilder) WriteTimeout(d time.Duration) *ServerBuilder {
	b.config.WriteTimeout = d
	return b
}

// DataTimeout sets the timeout for reading message data.
func (b *ServerBuilder) DataTimeout(d time.Duration) *ServerBuilder {
	b.config.DataTimeout = d
	return b
}

// MaxMessageSize sets the maximum allowed message size in bytes.
// This enables the SIZE extension and advertises the limit.
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.config.MaxMessageSize = size
	return b
}

// MaxRecipients sets the maximum recipients per message.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.config.MaxRecipients = n
	return b
}

// MaxConnections sets the maximum concurrent connections.
func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.config.MaxConnections = n
	return b
}

// MaxCommands sets the maximum commands per connection.
func (b *ServerBuilder) MaxCommands(n int64) *ServerBuilder {
	b.config.MaxCommands = n
	return b
}

// MaxErrors sets the maximum errors before disconnect.
func (b *ServerBuilder) MaxErrors(n int) *ServerBuilder {
	b.config.MaxErrors = n
	return b
}

// MaxLineLength sets the maximum command line length.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.config.MaxLineLength = n
	return b
}

// MaxReceivedHeaders sets the maximum number of Received headers allowed
// before rejecting the message (loop detection).
func (b *ServerBuilder) MaxReceivedHeaders(n int) *ServerBuilder {
	b.config.MaxReceivedHeaders = n
	return b
}

// ShutdownTimeout sets the timeout for graceful shutdown.
func (b *ServerBuilder) ShutdownTimeout(d time.Duration) *ServerBuilder {
	b.config.ShutdownTimeout = d
	return b
}

// Registry replaces the builder's registry, for example with one filled by
// the plugin loader.
func (b *ServerBuilder) Registry(r *Registry) *ServerBuilder {
	b.registry = r
	return b
}

// Hook registers a callback. Registration errors are reported by Build.
func (b *ServerBuilder) Hook(hook Hook, pluginID string, fn HookFunc, opts ...RegisterOption) *ServerBuilder {
	if err := b.registry.Register(hook, pluginID, fn, opts...); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Use adds middleware applied to every registered callback.
func (b *ServerBuilder) Use(mw ...Middleware) *ServerBuilder {
	if err := b.registry.Use(mw...); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	if err := validate.Struct(b.config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return NewServer(b.config, b.registry)
}

// Run builds and starts the server.
func (b *ServerBuilder) Run() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}
