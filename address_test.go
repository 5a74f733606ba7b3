package rook

import (
	"errors"
	"testing"
)

func TestParsePathWithParams(t *testing.T) {
	tests := []struct {
		in     string
		addr   string
		params map[string]string
		err    bool
	}{
		{in: "<alice@Example.COM>", addr: "alice@example.com"},
		{in: "<>", addr: ""},
		{in: "<@relay.example,@b.example:bob@example.org>", addr: "bob@example.org"},
		{in: "<Postmaster>", addr: "postmaster"},
		{in: "<carol@example.net> SIZE=1000 body=8BITMIME", addr: "carol@example.net", params: map[string]string{"SIZE": "1000", "BODY": "8BITMIME"}},
		{in: "alice@example.com", err: true},
		{in: "<alice@>", err: true},
		{in: "<józef@example.pl>", err: true},
		{in: "<a@example.com> SIZE=1 SIZE=2", err: true},
	}
	for _, tt := range tests {
		addr, params, err := parsePathWithParams(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if addr.String() != tt.addr {
			t.Errorf("%q: addr = %q, want %q", tt.in, addr.String(), tt.addr)
		}
		for k, v := range tt.params {
			if params[k] != v {
				t.Errorf("%q: param %s = %q, want %q", tt.in, k, params[k], v)
			}
		}
	}
}

func TestParseAddressInvalid(t *testing.T) {
	if _, err := ParseAddress("not an address"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}
