package rook

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/utils"
)

// ConnectionState represents the current state of an SMTP session per RFC 5321.
type ConnectionState int

const (
	StateConnect ConnectionState = iota
	StateGreeted
	StateMail
	StateRcpt
	StateData
	StatePostData
	StateQuit
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateGreeted:
		return "GREETED"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StatePostData:
		return "POSTDATA"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// UnknownHost is the remote hostname when reverse lookup is off or fails.
const UnknownHost = "Unknown"

// TLSInfo contains information about the TLS connection.
type TLSInfo struct {
	Enabled            bool
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	NegotiatedProtocol string
}

// AuthInfo contains information about client authentication.
type AuthInfo struct {
	Authenticated   bool
	Mechanism       string
	Identity        string
	AuthenticatedAt time.Time
}

// ConnectionTrace contains diagnostic information for a connection.
type ConnectionTrace struct {
	ID               string
	ConnectedAt      time.Time
	ClientHostname   string
	CommandCount     int64
	TransactionCount int64
	LastActivity     time.Time
	Errors           []error
}

// ConnectionLimits defines resource limits for a connection.
type ConnectionLimits struct {
	MaxMessageSize int64
	MaxRecipients  int
	MaxCommands    int64
	MaxErrors      int
	IdleTimeout    time.Duration
	DataTimeout    time.Duration
}

// Connection is one SMTP session on one socket. After a successful TLS
// upgrade the session continues on a new Connection built by upgraded.
type Connection struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	reader *bufio.Reader
	mu     sync.RWMutex
	logger *slog.Logger

	// writeMu serializes replies from the session goroutine with the
	// shutdown notice sent by the server.
	writeMu sync.Mutex
	writer  *bufio.Writer

	state      ConnectionState
	remoteIP   net.IP
	remotePort int
	localPort  int
	remoteHost string
	sslFailed  bool

	Trace  ConnectionTrace
	TLS    TLSInfo
	Auth   AuthInfo
	Limits ConnectionLimits

	// capabilities is the keyword list of the last EHLO reply.
	capabilities []string

	notes *Notes
	txn   *Transaction

	baseResolver dns.Resolver
	resolver     *dns.Service

	// dispatching guards against a callback dispatching on its own
	// connection.
	dispatching atomic.Bool

	closedChan chan struct{}
	closed     bool
}

// NewConnection creates a new Connection from a net.Conn.
// The provided context is used for cancellation and deadlines.
func NewConnection(ctx context.Context, conn net.Conn, logger *slog.Logger, limits ConnectionLimits, bufioSize int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		conn:       conn,
		ctx:        connCtx,
		cancel:     cancel,
		reader:     bufio.NewReaderSize(conn, bufioSize),
		writer:     bufio.NewWriterSize(conn, bufioSize),
		state:      StateConnect,
		remoteHost: UnknownHost,
		Trace: ConnectionTrace{
			ID:           utils.NewID(),
			ConnectedAt:  now,
			LastActivity: now,
		},
		Limits:     limits,
		notes:      NewNotes(),
		closedChan: make(chan struct{}),
	}
	c.remoteIP, _ = utils.GetIPFromAddr(conn.RemoteAddr())
	c.remotePort = utils.GetPortFromAddr(conn.RemoteAddr())
	c.localPort = utils.GetPortFromAddr(conn.LocalAddr())
	c.logger = logger.With(
		slog.String("conn_id", c.Trace.ID),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	return c
}

// upgraded returns the Connection that continues the session over tlsConn.
// It keeps the peer identity, the resolved hostname and the durable notes;
// everything else starts fresh, including the transaction.
func (c *Connection) upgraded(tlsConn *tls.Conn) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := tlsConn.ConnectionState()
	now := time.Now()
	id := utils.NewID()
	n := &Connection{
		conn:       tlsConn,
		ctx:        c.ctx,
		cancel:     c.cancel,
		reader:     bufio.NewReaderSize(tlsConn, c.reader.Size()),
		writer:     bufio.NewWriterSize(tlsConn, c.writer.Size()),
		logger:     c.logger.With(slog.String("tls_conn_id", id)),
		state:      StateConnect,
		remoteIP:   c.remoteIP,
		remotePort: c.remotePort,
		localPort:  c.localPort,
		remoteHost: c.remoteHost,
		Trace: ConnectionTrace{
			ID:           id,
			ConnectedAt:  c.Trace.ConnectedAt,
			CommandCount: c.Trace.CommandCount,
			LastActivity: now,
		},
		TLS: TLSInfo{
			Enabled:            true,
			Version:            state.Version,
			CipherSuite:        state.CipherSuite,
			ServerName:         state.ServerName,
			NegotiatedProtocol: state.NegotiatedProtocol,
		},
		Limits:       c.Limits,
		notes:        c.notes.Durable(),
		baseResolver: c.baseResolver,
		closedChan:   c.closedChan,
	}
	n.notes.Set(NoteTLSEnabled, true)
	// The old value is retired without closing the shared socket.
	c.closed = true
	return n
}

// ID returns the connection's trace ID.
func (c *Connection) ID() string {
	return c.Trace.ID
}

func (c *Connection) Context() context.Context {
	return c.ctx
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState sets the connection state.
func (c *Connection) SetState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteIP returns the client IP address.
func (c *Connection) RemoteIP() net.IP {
	return c.remoteIP
}

// RemotePort returns the client port.
func (c *Connection) RemotePort() int {
	return c.remotePort
}

// LocalPort returns the server port the client connected to.
func (c *Connection) LocalPort() int {
	return c.localPort
}

// RemoteHost returns the reverse-resolved client hostname, or UnknownHost.
func (c *Connection) RemoteHost() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteHost
}

// SetRemoteHost records the reverse-resolved client hostname.
func (c *Connection) SetRemoteHost(host string) {
	if host == "" {
		host = UnknownHost
	}
	c.mu.Lock()
	c.remoteHost = host
	c.mu.Unlock()
	c.notes.SetDurable(NoteRemoteHost, host)
}

// HeloHost returns the hostname the client gave in HELO/EHLO.
func (c *Connection) HeloHost() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Trace.ClientHostname
}

func (c *Connection) IsTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TLS.Enabled
}

// SSLFailed reports whether a TLS negotiation failed on this socket.
func (c *Connection) SSLFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslFailed
}

func (c *Connection) markSSLFailed() {
	c.mu.Lock()
	c.sslFailed = true
	c.mu.Unlock()
	c.notes.Set(NoteSSLFailed, true)
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.Authenticated
}

// AuthIdentity returns the authenticated identity, or "".
func (c *Connection) AuthIdentity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.Auth.Authenticated {
		return ""
	}
	return c.Auth.Identity
}

// Notes returns the connection-scoped notes.
func (c *Connection) Notes() *Notes {
	return c.notes
}

// Transaction returns the open transaction, creating an empty one if
// there is none.
func (c *Connection) Transaction() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txn == nil {
		c.txn = newTransaction(c.capabilities)
	}
	return c.txn
}

// HasTransaction reports whether a transaction is open.
func (c *Connection) HasTransaction() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.txn != nil
}

// currentTransaction returns the open transaction or nil.
func (c *Connection) currentTransaction() *Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.txn
}

// beginTransaction discards any open transaction and opens a new one that
// inherits only the capability list.
func (c *Connection) beginTransaction() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txn = newTransaction(c.capabilities)
	return c.txn
}

// resetTransaction discards the open transaction and returns the session
// to GREETED.
func (c *Connection) resetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txn = nil
	if c.state != StateConnect && c.state != StateQuit {
		c.state = StateGreeted
	}
}

// completeTransaction closes the open transaction after DATA.
func (c *Connection) completeTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txn = nil
	c.state = StateGreeted
	c.Trace.TransactionCount++
}

func (c *Connection) setCapabilities(caps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = caps
}

// InitResolver returns the connection's resolver service, creating it on
// first use with the given per-query timeout. Later calls return the same
// instance regardless of timeout.
func (c *Connection) InitResolver(timeout time.Duration) *dns.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		base := c.baseResolver
		if base == nil {
			base = dns.NewResolver(dns.ResolverConfig{})
		}
		c.resolver = dns.NewService(base, timeout)
	}
	return c.resolver
}

// UseResolver sets the backend of the connection's resolver service. It
// must be called before the first lookup to take effect.
func (c *Connection) UseResolver(r dns.Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseResolver = r
	c.resolver = nil
}

// Resolver returns the resolver service with the default timeout.
func (c *Connection) Resolver() *dns.Service {
	return c.InitResolver(dns.DefaultTimeout)
}

// Close closes the connection and releases resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()
	close(c.closedChan)

	c.writeMu.Lock()
	_ = c.writer.Flush()
	c.writeMu.Unlock()

	return c.conn.Close()
}

// writeReply sends resp and flushes it, bounded by timeout.
func (c *Connection) writeReply(resp Response, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := c.writer.WriteString(resp.Wire()); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Done returns a channel that is closed when the connection is terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.closedChan
}

// UpdateActivity updates the last activity timestamp and increments command count.
func (c *Connection) UpdateActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.LastActivity = time.Now()
	c.Trace.CommandCount++
}

// RecordError records an error for this connection.
func (c *Connection) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.Errors = append(c.Trace.Errors, err)
}

// ErrorCount returns the number of errors recorded for this connection.
func (c *Connection) ErrorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Trace.Errors)
}

func (c *Connection) setClientHostname(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.ClientHostname = hostname
}
