package rook

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow("192.0.2.1") || !rl.Allow("192.0.2.1") {
		t.Fatal("first two attempts refused")
	}
	if rl.Allow("192.0.2.1") {
		t.Error("third attempt allowed inside the window")
	}
	if !rl.Allow("192.0.2.2") {
		t.Error("other address refused")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("192.0.2.1") {
		t.Error("attempt refused after the window")
	}
}

func TestRateLimiterCallback(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	defer rl.Stop()

	cb := rl.Callback()
	ctx := NewContext(newPipeConnection(t), nil)
	if res := cb(ctx); res.Code != Declined {
		t.Fatalf("first = %v", res.Code)
	}
	if res := cb(NewContext(newPipeConnection(t), nil)); res.Code != DenySoftDisconnect {
		t.Errorf("second = %v, want DenySoftDisconnect", res.Code)
	}
}

func TestIPFilterModes(t *testing.T) {
	tests := []struct {
		ip    string
		deny  bool
		allow bool
	}{
		{"192.0.2.1", false, true},
		{"198.51.100.77", false, true},
		{"::ffff:198.51.100.8", false, true},
		{"2001:db8::1", false, true},
		{"192.0.2.2", true, false},
		{"203.0.113.1", true, false},
	}
	for _, mode := range []IPFilterMode{IPFilterModeDeny, IPFilterModeAllow} {
		f := NewIPFilter(mode)
		for _, entry := range []string{"192.0.2.1", "198.51.100.0/24", "2001:db8::/32"} {
			if err := f.Add(entry); err != nil {
				t.Fatalf("Add(%q): %v", entry, err)
			}
		}
		for _, tt := range tests {
			want := tt.deny
			if mode == IPFilterModeAllow {
				want = tt.allow
			}
			if got := f.IsAllowed(net.ParseIP(tt.ip)); got != want {
				t.Errorf("mode %d %s: allowed = %v, want %v", mode, tt.ip, got, want)
			}
		}
	}
}

func TestIPFilterAddErrors(t *testing.T) {
	f := NewIPFilter(IPFilterModeDeny)
	for _, entry := range []string{"", "mail.example.com", "192.0.2.0/33", "300.1.1.1"} {
		if err := f.Add(entry); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Add(%q) = %v, want ErrInvalidAddress", entry, err)
		}
	}
}

func TestIPFilterCallback(t *testing.T) {
	ctx := NewContext(newPipeConnection(t), nil)
	if res := NewIPFilter(IPFilterModeDeny).Callback()(ctx); res.Code != Declined {
		t.Errorf("empty deny list = %v", res.Code)
	}
	if res := NewIPFilter(IPFilterModeAllow).Callback()(ctx); res.Code != DenyDisconnect {
		t.Errorf("empty allow list = %v, want DenyDisconnect", res.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewContext(nil, nil)
	ctx.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fn := Logging()(func(*Context) Result { return Reject(Deny, "no thanks") })
	if res := fn(ctx); res.Code != Deny || res.Message != "no thanks" {
		t.Fatalf("result = %+v", res)
	}
	out := buf.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, `msg="no thanks"`) {
		t.Errorf("log = %q", out)
	}

	buf.Reset()
	Logging()(func(*Context) Result { return Decline() })(ctx)
	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Errorf("declined log = %q", buf.String())
	}
}
