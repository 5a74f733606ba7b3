package rook

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

func (c *testClient) close() {
	c.conn.Close()
}

func (c *testClient) send(format string, args ...any) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, format+"\r\n", args...); err != nil {
		c.t.Fatalf("failed to send: %v", err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			return lines
		}
	}
}

func (c *testClient) expectCode(code int) string {
	c.t.Helper()
	line := c.readLine()
	if !strings.HasPrefix(line, fmt.Sprintf("%d ", code)) {
		c.t.Fatalf("expected %d, got: %s", code, line)
	}
	return line
}

func (c *testClient) expectMultilineCode(code int) []string {
	c.t.Helper()
	lines := c.readMultiline()
	prefix := fmt.Sprintf("%d", code)
	for _, line := range lines {
		if !strings.HasPrefix(line, prefix) {
			c.t.Fatalf("expected %d, got: %v", code, lines)
		}
	}
	return lines
}

// expectClosed asserts that the server has closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	if line, err := c.reader.ReadString('\n'); !errors.Is(err, io.EOF) {
		c.t.Fatalf("expected EOF, got %q, %v", line, err)
	}
}

// hello reads the greeting and sends EHLO.
func (c *testClient) hello() []string {
	c.t.Helper()
	c.expectCode(220)
	c.send("EHLO client.example.com")
	return c.expectMultilineCode(250)
}

func testBuilder() *ServerBuilder {
	return New("test.example.com").Logger(discardLogger())
}

// startTestServer serves b on a free loopback port and returns its
// address.
func startTestServer(t *testing.T, b *ServerBuilder) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return serveTestListener(t, b, listener)
}

func serveTestListener(t *testing.T, b *ServerBuilder, listener net.Listener) string {
	t.Helper()
	server, err := b.Build()
	if err != nil {
		listener.Close()
		t.Fatalf("failed to build server: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		server.Close()
		<-done
	})
	return listener.Addr().String()
}

// recorder collects values from hook callbacks running on server
// goroutines.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func acceptAll(*Context) Result { return Accept("") }

func TestServerBasicSession(t *testing.T) {
	messages := make(chan string, 1)
	b := testBuilder().
		Hook(HookRcpt, "rcpt_ok", acceptAll).
		Hook(HookQueue, "queue", func(ctx *Context) Result {
			messages <- string(ctx.Transaction.Message())
			return Accept("")
		})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	caps := c.hello()
	if !strings.Contains(strings.Join(caps, "\n"), "PIPELINING") {
		t.Errorf("EHLO capabilities = %v", caps)
	}
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(250)
	c.send("DATA")
	c.expectCode(354)
	c.send("Subject: test\r\n\r\nhello\r\n.")
	line := c.expectCode(250)
	if !strings.Contains(line, "Queued!") {
		t.Errorf("queue reply = %q", line)
	}

	msg := <-messages
	if !strings.HasPrefix(msg, "Received: from client.example.com") {
		t.Errorf("message does not start with a trace header: %q", msg)
	}
	if !strings.Contains(msg, "Subject: test\r\n\r\nhello\r\n") {
		t.Errorf("message = %q", msg)
	}

	c.send("QUIT")
	c.expectCode(221)
}

func TestServerRelayingDeniedWithoutRcptPlugin(t *testing.T) {
	c := newTestClient(t, startTestServer(t, testBuilder()))
	defer c.close()

	c.hello()
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<bob@example.org>")
	if line := c.expectCode(550); !strings.Contains(line, "Relaying denied") {
		t.Errorf("reply = %q", line)
	}
}

func TestServerQueueDeclined(t *testing.T) {
	c := newTestClient(t, startTestServer(t, testBuilder().Hook(HookRcpt, "rcpt_ok", acceptAll)))
	defer c.close()

	c.hello()
	c.send("MAIL FROM:<>")
	c.expectCode(250)
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(250)
	c.send("DATA")
	c.expectCode(354)
	c.send("\r\nbody\r\n.")
	c.expectCode(451)

	// The transaction is gone; the session is back to greeted.
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(503)
}

func TestServerFirstDecisionWins(t *testing.T) {
	var calls recorder
	b := testBuilder().
		Hook(HookRcpt, "A", func(*Context) Result {
			calls.add("A")
			return Decline()
		}).
		Hook(HookRcpt, "B", func(ctx *Context) Result {
			calls.add("B")
			if ctx.Address.LocalPart == "nobody" {
				return Reject(Deny, "no such user")
			}
			return Accept("")
		}).
		Hook(HookRcpt, "C", func(*Context) Result {
			calls.add("C")
			return Accept("")
		})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<nobody@example.org>")
	if line := c.expectCode(550); !strings.HasSuffix(line, "no such user") {
		t.Errorf("reply = %q", line)
	}
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(250)

	if got := strings.Join(calls.get(), ","); got != "A,B,A,B" {
		t.Errorf("calls = %s, want A,B,A,B", got)
	}
}

func TestServerConnectDenied(t *testing.T) {
	b := testBuilder().Hook(HookConnect, "blocker", func(*Context) Result { return Reject(DenyDisconnect, "") })
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	if line := c.expectCode(554); !strings.Contains(line, "denied") {
		t.Errorf("reply = %q", line)
	}
	c.expectClosed()
}

func TestServerConnectCustomGreeting(t *testing.T) {
	b := testBuilder().Hook(HookConnect, "banner", func(*Context) Result { return Accept("welcome friend") })
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	if line := c.expectCode(220); !strings.HasSuffix(line, "welcome friend") {
		t.Errorf("greeting = %q", line)
	}
}

func TestServerDenySoftDisconnect(t *testing.T) {
	b := testBuilder().Hook(HookMail, "greylist", func(*Context) Result {
		return Reject(DenySoftDisconnect, "come back later")
	})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("MAIL FROM:<alice@example.com>")
	if line := c.expectCode(421); !strings.HasSuffix(line, "come back later") {
		t.Errorf("reply = %q", line)
	}
	c.expectClosed()
}

func TestServerMultilineReject(t *testing.T) {
	b := testBuilder().Hook(HookHelo, "strict", func(*Context) Result {
		return Result{Code: Deny, Message: "not you", Lines: []string{"see policy"}}
	})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.expectCode(220)
	c.send("HELO somebody")
	lines := c.expectMultilineCode(550)
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "550-") || !strings.HasSuffix(lines[1], "see policy") {
		t.Errorf("reply = %v", lines)
	}
}

func TestServerRejectHookIsInformational(t *testing.T) {
	var rejected recorder
	b := testBuilder().
		Hook(HookMail, "deny", func(*Context) Result { return Reject(Deny, "") }).
		Hook(HookReject, "watch", func(ctx *Context) Result {
			rejected.add(ctx.Arg(0) + "/" + ctx.Arg(1))
			return Accept("ignored")
		})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(550)

	if got := rejected.get(); len(got) != 1 || got[0] != "mail/DENY" {
		t.Errorf("reject hook saw %v", got)
	}
}

func TestServerUnrecognizedCommand(t *testing.T) {
	b := testBuilder().Hook(HookUnrecognizedCommand, "xclient", func(ctx *Context) Result {
		if ctx.Arg(0) == "XCLIENT" {
			return Accept("XCLIENT handled")
		}
		return Decline()
	})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("FOO bar")
	c.expectCode(500)
	c.send("XCLIENT ADDR=1.2.3.4")
	if line := c.expectCode(250); !strings.HasSuffix(line, "XCLIENT handled") {
		t.Errorf("reply = %q", line)
	}
}

func TestServerSequenceErrors(t *testing.T) {
	c := newTestClient(t, startTestServer(t, testBuilder().Hook(HookRcpt, "rcpt_ok", acceptAll)))
	defer c.close()

	c.expectCode(220)
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(503)
	c.send("EHLO")
	c.expectCode(501)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(503)
	c.send("DATA")
	c.expectCode(503)
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(250)
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(503)
	c.send("DATA")
	c.expectCode(503)
}

func TestServerMaxRecipients(t *testing.T) {
	c := newTestClient(t, startTestServer(t, testBuilder().MaxRecipients(1).Hook(HookRcpt, "rcpt_ok", acceptAll)))
	defer c.close()

	c.hello()
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(250)
	c.send("RCPT TO:<carol@example.org>")
	c.expectCode(452)
}

func TestServerMessageTooLarge(t *testing.T) {
	b := testBuilder().MaxMessageSize(64).
		Hook(HookRcpt, "rcpt_ok", acceptAll).
		Hook(HookQueue, "queue", acceptAll)
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	caps := c.hello()
	if !strings.Contains(strings.Join(caps, "\n"), "SIZE 64") {
		t.Errorf("capabilities = %v", caps)
	}
	c.send("MAIL FROM:<alice@example.com> SIZE=1000")
	c.expectCode(552)
	c.send("MAIL FROM:<alice@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<bob@example.org>")
	c.expectCode(250)
	c.send("DATA")
	c.expectCode(354)
	c.send("Subject: big\r\n\r\n%s\r\n.", strings.Repeat("x", 200))
	c.expectCode(552)
}

func TestServerResetTransactionHook(t *testing.T) {
	tests := []struct {
		name   string
		finish func(c *testClient)
	}{
		{"rset", func(c *testClient) {
			c.send("RSET")
			c.expectCode(250)
		}},
		{"quit", func(c *testClient) {
			c.send("QUIT")
			c.expectCode(221)
		}},
		{"hang up", func(c *testClient) {
			c.close()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resets := make(chan string, 4)
			b := testBuilder().Hook(HookResetTransaction, "watch", func(ctx *Context) Result {
				resets <- ctx.Transaction.Sender().String()
				return Decline()
			})
			c := newTestClient(t, startTestServer(t, b))
			defer c.close()

			c.hello()
			// No transaction is open yet, so nothing is reset.
			c.send("RSET")
			c.expectCode(250)
			c.send("MAIL FROM:<alice@example.com>")
			c.expectCode(250)
			tt.finish(c)

			select {
			case got := <-resets:
				if got != "alice@example.com" {
					t.Errorf("reset_transaction fired for %q", got)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("reset_transaction did not fire")
			}
			select {
			case got := <-resets:
				t.Errorf("reset_transaction fired again for %q", got)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestServerIdleTimeout(t *testing.T) {
	c := newTestClient(t, startTestServer(t, testBuilder().ReadTimeout(200*time.Millisecond)))
	defer c.close()

	c.expectCode(220)
	if line := c.expectCode(421); !strings.Contains(line, "Timeout") {
		t.Errorf("reply = %q", line)
	}
	c.expectClosed()
}

func TestServerDisconnectHooks(t *testing.T) {
	fired := make(chan Hook, 2)
	notify := func(ctx *Context) Result {
		fired <- ctx.Hook
		return Decline()
	}
	b := testBuilder().
		Hook(HookDisconnect, "watch", notify).
		Hook(HookPostConnection, "watch", notify)
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("QUIT")
	c.expectCode(221)

	for _, want := range []Hook{HookDisconnect, HookPostConnection} {
		select {
		case got := <-fired:
			if got != want {
				t.Errorf("fired %s, want %s", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not fire", want)
		}
	}
}

func TestServerVrfyAndNoop(t *testing.T) {
	b := testBuilder().Hook(HookNoop, "grumpy", func(ctx *Context) Result {
		if ctx.Arg(0) == "again" {
			return Reject(Deny, "")
		}
		return Decline()
	})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("VRFY bob")
	c.expectCode(252)
	c.send("NOOP")
	c.expectCode(250)
	c.send("NOOP again")
	if line := c.expectCode(500); !strings.Contains(line, "Stop wasting my time") {
		t.Errorf("reply = %q", line)
	}
}

func plainResponse(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}

func checkPassword(ctx *Context) Result {
	if ctx.Credentials.AuthenticationID == "alice" && ctx.Credentials.Password == "secret" {
		return Accept("")
	}
	return Reject(Deny, "")
}

func TestServerAuthPlain(t *testing.T) {
	var seen recorder
	b := testBuilder().Hook(HookAuthPlain, "flat_file", func(ctx *Context) Result {
		seen.add(ctx.Mechanism + ":" + ctx.Arg(1))
		return checkPassword(ctx)
	})
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	caps := c.hello()
	if !strings.Contains(strings.Join(caps, "\n"), "AUTH PLAIN LOGIN") {
		t.Errorf("capabilities = %v", caps)
	}
	c.send("AUTH PLAIN %s", plainResponse("alice", "wrong"))
	c.expectCode(535)
	c.send("AUTH PLAIN %s", plainResponse("alice", "secret"))
	c.expectCode(235)
	c.send("AUTH PLAIN %s", plainResponse("alice", "secret"))
	c.expectCode(503)

	if got := seen.get(); len(got) != 2 || got[1] != "PLAIN:alice" {
		t.Errorf("auth-plain saw %v", got)
	}
}

func TestServerAuthLoginFallsBackToAuthHook(t *testing.T) {
	b := testBuilder().Hook(HookAuth, "generic", checkPassword)
	c := newTestClient(t, startTestServer(t, b))
	defer c.close()

	c.hello()
	c.send("AUTH LOGIN")
	c.expectCode(334)
	c.send(base64.StdEncoding.EncodeToString([]byte("alice")))
	c.expectCode(334)
	c.send(base64.StdEncoding.EncodeToString([]byte("secret")))
	c.expectCode(235)
}

func TestServerAuthErrors(t *testing.T) {
	c := newTestClient(t, startTestServer(t, testBuilder()))
	defer c.close()

	c.expectCode(220)
	c.send("AUTH PLAIN")
	c.expectCode(503)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)
	c.send("AUTH CRAM-MD5")
	c.expectCode(504)
	c.send("AUTH PLAIN")
	c.expectCode(334)
	c.send("*")
	c.expectCode(501)
	c.send("AUTH PLAIN !!!")
	c.expectCode(501)
	// Nobody vouches for the credentials.
	c.send("AUTH PLAIN %s", plainResponse("alice", "secret"))
	c.expectCode(535)
}

func TestServerConnectionLimit(t *testing.T) {
	addr := startTestServer(t, testBuilder().MaxConnections(1))

	first := newTestClient(t, addr)
	defer first.close()
	first.expectCode(220)

	second := newTestClient(t, addr)
	defer second.close()
	second.expectCode(421)
}

func TestServerShutdownNotifiesClients(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	server, err := testBuilder().Build()
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	c := newTestClient(t, listener.Addr().String())
	defer c.close()
	c.hello()
	c.send("NOOP")
	c.expectCode(250)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if line := c.expectCode(421); !strings.Contains(line, "shutting down") {
		t.Errorf("shutdown notice = %q", line)
	}
	c.expectClosed()
	if err := <-served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}
}

func TestBuilderValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		b    *ServerBuilder
	}{
		{"bad hostname", New("not a hostname").Logger(discardLogger())},
		{"empty addr", testBuilder().Addr("")},
		{"negative limit", testBuilder().MaxRecipients(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
