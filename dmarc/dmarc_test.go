package dmarc

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/synqronlabs/rook/dns"
)

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		txt     string
		isDMARC bool
		wantErr bool
		check   func(t *testing.T, r *Record)
	}{
		{
			name:    "minimal",
			txt:     "v=DMARC1; p=none",
			isDMARC: true,
			check: func(t *testing.T, r *Record) {
				if r.Policy != PolicyNone || r.ADKIM != AlignRelaxed || r.Percentage != 100 {
					t.Errorf("unexpected record %+v", r)
				}
			},
		},
		{
			name:    "full",
			txt:     "v=DMARC1; p=reject; sp=quarantine; adkim=s; aspf=r; pct=50; rua=mailto:a@example.com, mailto:b@example.com",
			isDMARC: true,
			check: func(t *testing.T, r *Record) {
				if r.Policy != PolicyReject || r.SubdomainPolicy != PolicyQuarantine {
					t.Errorf("policies = %q/%q", r.Policy, r.SubdomainPolicy)
				}
				if r.ADKIM != AlignStrict || r.Percentage != 50 {
					t.Errorf("adkim=%q pct=%d", r.ADKIM, r.Percentage)
				}
				if len(r.AggregateReportAddresses) != 2 {
					t.Errorf("rua = %v", r.AggregateReportAddresses)
				}
			},
		},
		{name: "unknown tag ignored", txt: "v=DMARC1; p=none; fo=1", isDMARC: true},
		{name: "not dmarc", txt: "v=spf1 -all", isDMARC: false},
		{name: "missing policy", txt: "v=DMARC1; rua=mailto:a@example.com", isDMARC: true, wantErr: true},
		{name: "policy not first", txt: "v=DMARC1; pct=10; p=none", isDMARC: true, wantErr: true},
		{name: "bad policy", txt: "v=DMARC1; p=maybe", isDMARC: true, wantErr: true},
		{name: "duplicate tag", txt: "v=DMARC1; p=none; pct=1; pct=2", isDMARC: true, wantErr: true},
		{name: "pct out of range", txt: "v=DMARC1; p=none; pct=101", isDMARC: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, isDMARC, err := ParseRecord(tt.txt)
			if isDMARC != tt.isDMARC {
				t.Fatalf("isDMARC = %v, want %v", isDMARC, tt.isDMARC)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSyntax) {
				t.Errorf("error %v does not wrap ErrSyntax", err)
			}
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestRecordString(t *testing.T) {
	r := DefaultRecord
	r.Policy = PolicyReject
	r.Percentage = 20
	if got, want := r.String(), "v=DMARC1; p=reject; pct=20"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		domain string
		want   []string
	}{
		{"example.com", []string{"example.com"}},
		{"Mail.Example.COM.", []string{"mail.example.com", "example.com"}},
		{"a.b.example.co.uk", []string{"a.b.example.co.uk", "b.example.co.uk", "example.co.uk"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Candidates(tt.domain); !slices.Equal(got, tt.want) {
			t.Errorf("Candidates(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestCandidatesBounded(t *testing.T) {
	labels := []string{"l1", "l2", "l3", "l4", "l5", "l6", "l7", "l8", "l9", "l10", "example", "com"}
	domain := strings.Join(labels, ".")

	got := Candidates(domain)
	if len(got) != MaxCandidates {
		t.Fatalf("len = %d, want %d: %v", len(got), MaxCandidates, got)
	}
	if got[0] != domain {
		t.Errorf("first candidate = %q, want %q", got[0], domain)
	}
	if got[len(got)-1] != "example.com" {
		t.Errorf("last candidate = %q, want example.com", got[len(got)-1])
	}
}

func TestAligned(t *testing.T) {
	tests := []struct {
		from, auth string
		mode       Align
		want       bool
	}{
		{"example.com", "example.com", AlignStrict, true},
		{"example.com", "mail.example.com", AlignStrict, false},
		{"example.com", "mail.example.com", AlignRelaxed, true},
		{"example.co.uk", "other.co.uk", AlignRelaxed, false},
	}
	for _, tt := range tests {
		if got := Aligned(tt.from, tt.auth, tt.mode); got != tt.want {
			t.Errorf("Aligned(%q, %q, %q) = %v, want %v", tt.from, tt.auth, tt.mode, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("exact domain", func(t *testing.T) {
		r := &dns.MockResolver{TXT: map[string][]string{
			"_dmarc.example.com": {"v=DMARC1; p=reject"},
		}}
		d, err := Lookup(ctx, r, "example.com")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if d.Domain != "example.com" || d.Subdomain || d.Policy() != PolicyReject {
			t.Errorf("unexpected discovery %+v", d)
		}
	})

	t.Run("falls back to organizational domain", func(t *testing.T) {
		r := &dns.MockResolver{TXT: map[string][]string{
			"_dmarc.example.com": {"v=spf1 -all", "v=DMARC1; p=reject; sp=quarantine"},
		}}
		d, err := Lookup(ctx, r, "a.b.example.com")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !d.Subdomain || d.Policy() != PolicyQuarantine {
			t.Errorf("unexpected discovery %+v", d)
		}
		want := []string{"a.b.example.com", "b.example.com", "example.com"}
		if !slices.Equal(d.Queried, want) {
			t.Errorf("Queried = %v, want %v", d.Queried, want)
		}
	})

	t.Run("no record", func(t *testing.T) {
		d, err := Lookup(ctx, &dns.MockResolver{}, "mail.example.org")
		if !errors.Is(err, ErrNoRecord) || d.Status != StatusNone {
			t.Errorf("got %+v, %v", d, err)
		}
	})

	t.Run("server failure stops the walk", func(t *testing.T) {
		r := &dns.MockResolver{
			Fail: []string{"txt _dmarc.mail.example.com"},
			TXT:  map[string][]string{"_dmarc.example.com": {"v=DMARC1; p=reject"}},
		}
		d, err := Lookup(ctx, r, "mail.example.com")
		if !errors.Is(err, ErrDNS) || d.Status != StatusTemperror {
			t.Errorf("got %+v, %v", d, err)
		}
		if len(d.Queried) != 1 {
			t.Errorf("walk continued past failure: %v", d.Queried)
		}
	})

	t.Run("multiple records", func(t *testing.T) {
		r := &dns.MockResolver{TXT: map[string][]string{
			"_dmarc.example.com": {"v=DMARC1; p=none", "v=DMARC1; p=reject"},
		}}
		if _, err := Lookup(ctx, r, "example.com"); !errors.Is(err, ErrMultipleRecords) {
			t.Errorf("err = %v, want ErrMultipleRecords", err)
		}
	})

	t.Run("malformed record", func(t *testing.T) {
		r := &dns.MockResolver{TXT: map[string][]string{
			"_dmarc.example.com": {"v=DMARC1; p=sometimes"},
		}}
		d, err := Lookup(ctx, r, "example.com")
		if !errors.Is(err, ErrSyntax) || d.Status != StatusPermerror {
			t.Errorf("got %+v, %v", d, err)
		}
	})
}
