// Package plugintest provides helpers for testing plugins without a
// listening server.
package plugintest

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/plugin"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type addrConn struct {
	net.Conn
	local, remote net.Addr
}

func (c addrConn) LocalAddr() net.Addr  { return c.local }
func (c addrConn) RemoteAddr() net.Addr { return c.remote }

// Conn returns a connection from remoteIP that resolves through resolver,
// which may be nil. The peer end of the pipe is never read.
func Conn(t testing.TB, remoteIP string, resolver dns.Resolver) *rook.Connection {
	t.Helper()
	server, client := net.Pipe()
	nc := addrConn{
		Conn:   server,
		local:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 25},
		remote: &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: 40000},
	}
	conn := rook.NewConnection(context.Background(), nc, Logger(), rook.ConnectionLimits{}, 4096)
	if resolver != nil {
		conn.UseResolver(resolver)
	}
	t.Cleanup(func() {
		conn.Close()
		client.Close()
	})
	return conn
}

// Dispatcher registers plugins on a new registry and returns a dispatcher
// over the frozen result.
func Dispatcher(t testing.TB, plugins ...plugin.Plugin) *rook.Dispatcher {
	t.Helper()
	reg := rook.NewRegistry()
	for _, p := range plugins {
		if err := p.Register(reg); err != nil {
			t.Fatalf("register %s: %v", p.Name(), err)
		}
	}
	reg.Freeze()
	return rook.NewDispatcher(reg, Logger())
}

// New builds a plugin from a configuration line using loader l, which may
// be nil.
func New(t testing.TB, l *plugin.Loader, line ...string) plugin.Plugin {
	t.Helper()
	if l == nil {
		l = plugin.NewLoader(t.TempDir(), Logger())
	}
	p, err := l.New(line[0], line[1:])
	if err != nil {
		t.Fatalf("plugin %v: %v", line, err)
	}
	return p
}

// Base builds the shared plugin state for name from key/value tokens.
func Base(name string, tokens ...string) (plugin.Base, error) {
	args, err := plugin.ParseArgs(tokens)
	if err != nil {
		return plugin.Base{}, err
	}
	return plugin.NewBase(name, args, Logger())
}
