package dmarc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/rook/dns"
)

// MaxCandidates bounds the number of names queried during discovery.
const MaxCandidates = 8

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// OrganizationalDomain returns the registered domain directly under the
// public suffix, or domain itself when none can be determined.
func OrganizationalDomain(domain string) string {
	domain = normalize(domain)
	if domain == "" {
		return ""
	}
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

// Candidates returns the domains queried for a policy, most specific
// first: domain, each of its parents, and finally the organizational
// domain. Long names keep the first entry and the entries closest to the
// organizational domain, so the list never exceeds MaxCandidates.
func Candidates(domain string) []string {
	domain = normalize(domain)
	if domain == "" {
		return nil
	}
	org := OrganizationalDomain(domain)
	if domain == org || !strings.HasSuffix(domain, "."+org) {
		return []string{domain}
	}

	var out []string
	for d := domain; ; {
		out = append(out, d)
		if d == org {
			break
		}
		_, parent, _ := strings.Cut(d, ".")
		d = parent
	}
	if len(out) > MaxCandidates {
		out = append(out[:1], out[len(out)-(MaxCandidates-1):]...)
	}
	return out
}

// Aligned reports whether an authenticated domain aligns with the From
// domain under mode.
func Aligned(from, authenticated string, mode Align) bool {
	from, authenticated = normalize(from), normalize(authenticated)
	if mode == AlignStrict {
		return from == authenticated
	}
	return OrganizationalDomain(from) == OrganizationalDomain(authenticated)
}

// Discovery is the outcome of policy discovery.
type Discovery struct {
	Status Status
	// Domain is the name the record was found at.
	Domain string
	Record *Record
	// Subdomain is true when the record belongs to an ancestor of the
	// From domain, in which case sp= applies.
	Subdomain bool
	// Queried lists the candidates looked up, in order.
	Queried []string
}

// Policy returns the policy that applies to the From domain.
func (d Discovery) Policy() Policy {
	if d.Record == nil {
		return PolicyEmpty
	}
	return d.Record.EffectivePolicy(d.Subdomain)
}

// Lookup discovers the DMARC policy for the From domain. Candidates are
// queried in order and the walk stops at the first name that publishes
// exactly one valid record. A DNS failure other than "not found" stops the
// walk with StatusTemperror.
func Lookup(ctx context.Context, resolver dns.Resolver, fromDomain string) (Discovery, error) {
	candidates := Candidates(fromDomain)
	if len(candidates) == 0 {
		return Discovery{Status: StatusNone}, ErrNoRecord
	}

	d := Discovery{Status: StatusNone}
	for i, name := range candidates {
		d.Queried = append(d.Queried, name)
		record, err := lookupRecord(ctx, resolver, name)
		switch {
		case err == nil:
			d.Domain = name
			d.Record = record
			d.Subdomain = i > 0
			return d, nil
		case errors.Is(err, ErrNoRecord):
			continue
		case errors.Is(err, ErrMultipleRecords):
			return d, err
		default:
			if errors.Is(err, ErrSyntax) {
				d.Status = StatusPermerror
			} else {
				d.Status = StatusTemperror
			}
			d.Domain = name
			return d, err
		}
	}
	return d, ErrNoRecord
}

func lookupRecord(ctx context.Context, resolver dns.Resolver, domain string) (*Record, error) {
	result, err := resolver.LookupTXT(ctx, "_dmarc."+domain+".")
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var record *Record
	for _, txt := range result.Records {
		r, isDMARC, err := ParseRecord(txt)
		if !isDMARC {
			continue
		}
		if err != nil {
			return nil, err
		}
		if record != nil {
			return nil, ErrMultipleRecords
		}
		record = r
	}
	if record == nil {
		return nil, ErrNoRecord
	}
	return record, nil
}
