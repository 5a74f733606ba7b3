//go:build unix

package rook

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// drive steps h until it completes or fails, polling while it waits for
// the socket and sleeping on Wake while the handshake computes.
func drive(t *testing.T, h *Handshaker) HandshakeStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		switch st := h.Step(); st {
		case HandshakeWantRead, HandshakeWantWrite:
			time.Sleep(2 * time.Millisecond)
		case HandshakePending:
			select {
			case <-h.Wake():
			case <-time.After(time.Until(deadline)):
			}
		default:
			return st
		}
	}
	t.Fatal("handshake did not finish")
	return HandshakeFatal
}

func TestHandshakerCompletes(t *testing.T) {
	server, client := tcpPair(t)
	h, err := NewHandshaker(server, testTLSConfig(t), 5*time.Second)
	if err != nil {
		t.Fatalf("NewHandshaker: %v", err)
	}

	replies := make(chan string, 1)
	go func() {
		c := tls.Client(client, clientTLSConfig())
		if err := c.Handshake(); err != nil {
			replies <- "handshake: " + err.Error()
			return
		}
		// Sent right behind the handshake, possibly read ahead by Step.
		_, _ = c.Write([]byte("ping\n"))
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil {
			replies <- "read: " + err.Error()
			return
		}
		replies <- line
	}()

	if st := drive(t, h); st != HandshakeComplete {
		t.Fatalf("status = %v, err = %v", st, h.Err())
	}

	conn := h.Conn()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Fatalf("server read %q, %v", line, err)
	}
	if _, err := conn.Write([]byte("pong\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if got := <-replies; got != "pong\n" {
		t.Errorf("client got %q", got)
	}
	if v := conn.ConnectionState().Version; v < tls.VersionTLS12 {
		t.Errorf("negotiated version %x", v)
	}
}

func TestHandshakerRejectsPlaintext(t *testing.T) {
	server, client := tcpPair(t)
	h, err := NewHandshaker(server, testTLSConfig(t), 5*time.Second)
	if err != nil {
		t.Fatalf("NewHandshaker: %v", err)
	}
	go func() {
		_, _ = client.Write([]byte("EHLO client.example.com\r\n"))
	}()

	if st := drive(t, h); st != HandshakeFatal {
		t.Fatalf("status = %v, want fatal", st)
	}
	if h.Err() == nil {
		t.Error("Err() = nil after a fatal step")
	}
}

func TestHandshakerPeerClosed(t *testing.T) {
	server, client := tcpPair(t)
	h, err := NewHandshaker(server, testTLSConfig(t), 5*time.Second)
	if err != nil {
		t.Fatalf("NewHandshaker: %v", err)
	}
	client.Close()

	if st := drive(t, h); st != HandshakeFatal {
		t.Fatalf("status = %v, want fatal", st)
	}
	if err := h.Err(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Err() = %v, want unexpected EOF", err)
	}
}

func TestHandshakerDeadline(t *testing.T) {
	server, _ := tcpPair(t)
	before := time.Now()
	h, err := NewHandshaker(server, testTLSConfig(t), time.Minute)
	if err != nil {
		t.Fatalf("NewHandshaker: %v", err)
	}
	defer h.Abort()

	if d := h.Deadline(); d.Before(before.Add(time.Minute)) || d.After(time.Now().Add(time.Minute)) {
		t.Errorf("Deadline() = %v", d)
	}
	st := h.Step()
	for st == HandshakePending {
		select {
		case <-h.Wake():
		case <-time.After(5 * time.Second):
			t.Fatal("handshake never asked for input")
		}
		st = h.Step()
	}
	if st != HandshakeWantRead {
		t.Errorf("step on a silent socket = %v, want want_read", st)
	}
}

func TestHandshakerStepDoesNotWaitForCertificate(t *testing.T) {
	server, client := tcpPair(t)

	config := testTLSConfig(t)
	cert := config.Certificates[0]
	config.Certificates = nil
	lookups := make(chan struct{}, 1)
	config.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		lookups <- struct{}{}
		time.Sleep(300 * time.Millisecond)
		return &cert, nil
	}

	h, err := NewHandshaker(server, config, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHandshaker: %v", err)
	}
	var woken atomic.Int32
	h.OnWake(func() { woken.Add(1) })

	handshaked := make(chan error, 1)
	go func() {
		handshaked <- tls.Client(client, clientTLSConfig()).Handshake()
	}()

	deadline := time.Now().Add(5 * time.Second)
	var slowest time.Duration
	st := HandshakePending
	for time.Now().Before(deadline) {
		start := time.Now()
		st = h.Step()
		slowest = max(slowest, time.Since(start))
		if st == HandshakeComplete || st == HandshakeFatal {
			break
		}
		if st == HandshakePending {
			select {
			case <-h.Wake():
			case <-time.After(time.Until(deadline)):
			}
			continue
		}
		time.Sleep(2 * time.Millisecond)
	}

	if st != HandshakeComplete {
		t.Fatalf("status = %v, err = %v", st, h.Err())
	}
	if err := <-handshaked; err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	select {
	case <-lookups:
	default:
		t.Fatal("GetCertificate was not called")
	}
	if slowest > 100*time.Millisecond {
		t.Errorf("a single Step took %v while the certificate was looked up", slowest)
	}
	if woken.Load() == 0 {
		t.Error("OnWake callback never ran")
	}
}

func TestHandshakeStatusString(t *testing.T) {
	tests := map[HandshakeStatus]string{
		HandshakeComplete:  "complete",
		HandshakeWantRead:  "want_read",
		HandshakeWantWrite: "want_write",
		HandshakeFatal:     "fatal",
		HandshakePending:   "pending",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
