// Package dkim parses DKIM-Signature headers and DKIM key records
// (RFC 6376) and resolves signing domains through an alias table.
//
// Signature verification and signing are left to a dedicated milter; this
// package gives plugins the identifiers they annotate transactions with.
package dkim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHeaderMalformed = errors.New("dkim: malformed DKIM-Signature header")
	ErrDuplicateTag    = errors.New("dkim: duplicate tag")
	ErrMissingTag      = errors.New("dkim: missing required tag")
	ErrInvalidVersion  = errors.New("dkim: invalid version")
	ErrNoRecord        = errors.New("dkim: no key record")
	ErrRecordSyntax    = errors.New("dkim: malformed key record")
	ErrKeyRevoked      = errors.New("dkim: key revoked")
	ErrAliasCycle      = errors.New("dkim: signing domain alias cycle")
)

// Signature holds the identifying tags of a DKIM-Signature header.
type Signature struct {
	Version   int
	Algorithm string
	Domain    string
	Selector  string
	// Identity is the i= tag, defaulting to "@" + Domain.
	Identity         string
	SignedHeaders    []string
	Canonicalization string
}

// ParseSignature parses the value of a DKIM-Signature header, folded or
// not. The header name may be included.
func ParseSignature(header string) (*Signature, error) {
	if name, value, ok := strings.Cut(header, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "DKIM-Signature") {
		header = value
	}
	tags, err := parseTags(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderMalformed, err)
	}
	for _, required := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if _, ok := tags[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTag, required)
		}
	}
	if tags["v"] != "1" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, tags["v"])
	}

	sig := &Signature{
		Version:          1,
		Algorithm:        strings.ToLower(tags["a"]),
		Domain:           strings.ToLower(tags["d"]),
		Selector:         strings.ToLower(tags["s"]),
		Identity:         tags["i"],
		Canonicalization: tags["c"],
	}
	for _, h := range strings.Split(tags["h"], ":") {
		if h = strings.TrimSpace(h); h != "" {
			sig.SignedHeaders = append(sig.SignedHeaders, strings.ToLower(h))
		}
	}
	if sig.Canonicalization == "" {
		sig.Canonicalization = "simple/simple"
	}
	if sig.Identity == "" {
		sig.Identity = "@" + sig.Domain
	}
	_, idDomain, _ := strings.Cut(sig.Identity, "@")
	idDomain = strings.ToLower(idDomain)
	if idDomain != sig.Domain && !strings.HasSuffix(idDomain, "."+sig.Domain) {
		return nil, fmt.Errorf("%w: identity %s not under d=%s", ErrHeaderMalformed, sig.Identity, sig.Domain)
	}
	return sig, nil
}

// parseTags splits a tag-list ("a=1; b=2") into a map. Folding whitespace
// is removed from values.
func parseTags(s string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, spec := range strings.Split(s, ";") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		name, value, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("tag %q has no value", spec)
		}
		name = strings.TrimSpace(name)
		if _, dup := tags[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, name)
		}
		tags[name] = strings.Join(strings.Fields(value), "")
	}
	return tags, nil
}
