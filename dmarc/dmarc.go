// Package dmarc discovers and parses DMARC policies (RFC 7489).
//
// Policy discovery walks a bounded, precomputed list of candidate domains
// from the RFC5322.From domain up to its organizational domain and returns
// the first valid record found.
package dmarc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNoRecord indicates no DMARC DNS record was found.
	ErrNoRecord = errors.New("dmarc: no DMARC DNS record found")

	// ErrMultipleRecords indicates multiple DMARC records at one name.
	// Per RFC 7489 the domain is treated as not implementing DMARC.
	ErrMultipleRecords = errors.New("dmarc: multiple DMARC DNS records found")

	// ErrSyntax indicates the DMARC record has invalid syntax.
	ErrSyntax = errors.New("dmarc: malformed DMARC DNS record")

	// ErrDNS indicates a DNS lookup error occurred.
	ErrDNS = errors.New("dmarc: DNS lookup error")
)

// Status is the result of DMARC policy evaluation, for use in an
// Authentication-Results header per RFC 8601.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Policy determines how receivers should handle messages that fail DMARC.
type Policy string

const (
	// PolicyEmpty is only for the optional SubdomainPolicy field.
	PolicyEmpty      Policy = ""
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Align specifies the alignment mode for identifier comparison.
type Align string

const (
	// AlignRelaxed requires the organizational domains to match.
	AlignRelaxed Align = "r"
	// AlignStrict requires the domains to match exactly.
	AlignStrict Align = "s"
)

// Record is a parsed DMARC DNS TXT record.
//
//	v=DMARC1; p=reject; sp=quarantine; adkim=s; pct=50
type Record struct {
	Version         string
	Policy          Policy
	SubdomainPolicy Policy
	ADKIM           Align
	ASPF            Align
	Percentage      int

	// AggregateReportAddresses and FailureReportAddresses are the raw
	// rua and ruf URIs.
	AggregateReportAddresses []string
	FailureReportAddresses   []string
}

// DefaultRecord holds the default values for a DMARC record.
var DefaultRecord = Record{
	Version:    "DMARC1",
	ADKIM:      AlignRelaxed,
	ASPF:       AlignRelaxed,
	Percentage: 100,
}

// EffectivePolicy returns SubdomainPolicy for a record found at an
// ancestor of the From domain when one is set, and Policy otherwise.
func (r *Record) EffectivePolicy(isSubdomain bool) Policy {
	if isSubdomain && r.SubdomainPolicy != PolicyEmpty {
		return r.SubdomainPolicy
	}
	return r.Policy
}

// String returns the record formatted for DNS TXT. Default values are
// omitted.
func (r Record) String() string {
	var b strings.Builder
	b.WriteString("v=" + r.Version)
	write := func(do bool, tag, value string) {
		if do {
			fmt.Fprintf(&b, "; %s=%s", tag, value)
		}
	}
	write(r.Policy != "", "p", string(r.Policy))
	write(r.SubdomainPolicy != "", "sp", string(r.SubdomainPolicy))
	write(len(r.AggregateReportAddresses) > 0, "rua", strings.Join(r.AggregateReportAddresses, ","))
	write(len(r.FailureReportAddresses) > 0, "ruf", strings.Join(r.FailureReportAddresses, ","))
	write(r.ADKIM != AlignRelaxed, "adkim", string(r.ADKIM))
	write(r.ASPF != AlignRelaxed, "aspf", string(r.ASPF))
	write(r.Percentage != 100, "pct", strconv.Itoa(r.Percentage))
	return b.String()
}

// ParseRecord parses a DMARC TXT record. isDMARC reports whether s starts
// with the DMARC version tag; when it does not, s belongs to another
// protocol sharing the name and err is nil.
func ParseRecord(s string) (record *Record, isDMARC bool, err error) {
	tags := strings.Split(s, ";")
	name, value, ok := strings.Cut(tags[0], "=")
	if !ok || strings.TrimSpace(name) != "v" || strings.TrimSpace(value) != "DMARC1" {
		return nil, false, nil
	}

	r := DefaultRecord
	seen := make(map[string]bool)
	for i, tag := range tags[1:] {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		name, value, ok := strings.Cut(tag, "=")
		if !ok {
			return nil, true, fmt.Errorf("%w: tag %q has no value", ErrSyntax, tag)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if seen[name] {
			return nil, true, fmt.Errorf("%w: duplicate tag %q", ErrSyntax, name)
		}
		seen[name] = true

		switch name {
		case "p":
			if i != 0 {
				return nil, true, fmt.Errorf("%w: p= must follow v=", ErrSyntax)
			}
			if r.Policy, err = parsePolicy(value); err != nil {
				return nil, true, err
			}
		case "sp":
			if r.SubdomainPolicy, err = parsePolicy(value); err != nil {
				return nil, true, err
			}
		case "adkim", "aspf":
			a := Align(strings.ToLower(value))
			if a != AlignRelaxed && a != AlignStrict {
				return nil, true, fmt.Errorf("%w: invalid %s=%q", ErrSyntax, name, value)
			}
			if name == "adkim" {
				r.ADKIM = a
			} else {
				r.ASPF = a
			}
		case "pct":
			pct, perr := strconv.Atoi(value)
			if perr != nil || pct < 0 || pct > 100 {
				return nil, true, fmt.Errorf("%w: invalid pct=%q", ErrSyntax, value)
			}
			r.Percentage = pct
		case "rua":
			r.AggregateReportAddresses = splitURIs(value)
		case "ruf":
			r.FailureReportAddresses = splitURIs(value)
		default:
			// Unknown tags (ri, fo, rf and future ones) are ignored.
		}
	}
	if r.Policy == PolicyEmpty {
		return nil, true, fmt.Errorf("%w: missing p=", ErrSyntax)
	}
	return &r, true, nil
}

func parsePolicy(v string) (Policy, error) {
	switch p := Policy(strings.ToLower(v)); p {
	case PolicyNone, PolicyQuarantine, PolicyReject:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrSyntax, v)
}

func splitURIs(v string) []string {
	var out []string
	for _, u := range strings.Split(v, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
