package rook

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/synqronlabs/rook/utils"
)

// Address is an envelope mailbox. The zero value is the null reverse-path
// "<>".
type Address struct {
	LocalPart string
	Domain    string
}

// IsNull reports whether the address is the null path.
func (a Address) IsNull() bool {
	return a.LocalPart == "" && a.Domain == ""
}

// String returns local@domain, or "" for the null path.
func (a Address) String() string {
	if a.IsNull() {
		return ""
	}
	if a.Domain == "" {
		return a.LocalPart
	}
	return a.LocalPart + "@" + a.Domain
}

// Bracketed returns the address as it appears in MAIL and RCPT.
func (a Address) Bracketed() string {
	return "<" + a.String() + ">"
}

// ParseAddress parses a bare mailbox such as "user@example.com". The
// domain is lower-cased. "postmaster" without a domain is accepted for
// RCPT (RFC 5321 section 4.5.1).
func ParseAddress(s string) (Address, error) {
	if strings.EqualFold(s, "postmaster") {
		return Address{LocalPart: "postmaster"}, nil
	}
	parsed, err := mail.ParseAddress("<" + s + ">")
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	at := strings.LastIndexByte(parsed.Address, '@')
	if at <= 0 || at == len(parsed.Address)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{
		LocalPart: parsed.Address[:at],
		Domain:    strings.ToLower(parsed.Address[at+1:]),
	}, nil
}

// parsePathWithParams parses "<address> [KEY=VALUE ...]". Duplicate
// parameters are rejected (RFC 3461 section 4.5).
func parsePathWithParams(s string) (Address, map[string]string, error) {
	start := strings.IndexByte(s, '<')
	end := strings.IndexByte(s, '>')
	if start == -1 || end == -1 || end < start {
		return Address{}, nil, fmt.Errorf("%w: missing angle brackets", ErrInvalidAddress)
	}

	raw := s[start+1 : end]
	// Strip an RFC 5321 source route, "@a,@b:user@c".
	if strings.HasPrefix(raw, "@") {
		if i := strings.IndexByte(raw, ':'); i != -1 {
			raw = raw[i+1:]
		}
	}

	// SMTPUTF8 is not advertised.
	if utils.ContainsNonASCII(raw) {
		return Address{}, nil, fmt.Errorf("%w: non-ASCII address", ErrInvalidAddress)
	}

	var addr Address
	if raw != "" {
		var err error
		addr, err = ParseAddress(raw)
		if err != nil {
			return Address{}, nil, err
		}
	}

	var params map[string]string
	if rest := strings.TrimSpace(s[end+1:]); rest != "" {
		params = make(map[string]string)
		for param := range strings.FieldsSeq(rest) {
			key, value, _ := strings.Cut(param, "=")
			key = strings.ToUpper(key)
			if _, exists := params[key]; exists {
				return Address{}, nil, fmt.Errorf("duplicate parameter: %s", key)
			}
			params[key] = value
		}
	}
	return addr, params, nil
}
