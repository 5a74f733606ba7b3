package dkim

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/synqronlabs/rook/dns"
)

// Record is a DKIM key record published at
// <selector>._domainkey.<domain>.
type Record struct {
	Version string
	// Key is the key type, "rsa" unless k= says otherwise.
	Key    string
	Hashes []string
	Flags  []string
	// Pubkey is the decoded p= value; empty means the key was revoked.
	Pubkey []byte
	// PublicKey is the parsed key for rsa records.
	PublicKey any
}

// IsTesting reports whether the domain is testing DKIM (t=y).
func (r *Record) IsTesting() bool {
	return slices.Contains(r.Flags, "y")
}

// Revoked reports whether the key has been revoked (empty p=).
func (r *Record) Revoked() bool {
	return len(r.Pubkey) == 0
}

// ParseRecord parses a key record. Records without a v= tag are accepted
// as DKIM1.
func ParseRecord(txt string) (*Record, error) {
	tags, err := parseTags(txt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordSyntax, err)
	}
	r := &Record{Version: "DKIM1", Key: "rsa"}
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, v)
	}
	if k, ok := tags["k"]; ok {
		r.Key = strings.ToLower(k)
	}
	if h, ok := tags["h"]; ok {
		r.Hashes = strings.Split(strings.ToLower(h), ":")
	}
	if t, ok := tags["t"]; ok {
		r.Flags = strings.Split(strings.ToLower(t), ":")
	}
	p, ok := tags["p"]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTag, "p")
	}
	if p == "" {
		return r, nil
	}
	if r.Pubkey, err = base64.StdEncoding.DecodeString(p); err != nil {
		return nil, fmt.Errorf("%w: p= is not base64", ErrRecordSyntax)
	}
	if r.Key == "rsa" {
		if r.PublicKey, err = x509.ParsePKIXPublicKey(r.Pubkey); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecordSyntax, err)
		}
	}
	return r, nil
}

// LookupRecord fetches and parses the key record for selector and domain.
// A revoked key is returned together with ErrKeyRevoked.
func LookupRecord(ctx context.Context, resolver dns.Resolver, selector, domain string) (*Record, error) {
	name := selector + "._domainkey." + strings.TrimSuffix(domain, ".") + "."
	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, ErrNoRecord
		}
		return nil, err
	}
	// TXT strings of one record arrive concatenated; several records for
	// one selector is a configuration error, the first parsable one wins.
	var errs []error
	for _, txt := range result.Records {
		r, err := ParseRecord(txt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.Revoked() {
			return r, ErrKeyRevoked
		}
		return r, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoRecord
}
