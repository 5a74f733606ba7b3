// Package dmarc applies the DMARC policy of the RFC5322.From domain once
// the message has been received.
//
//	dmarc reject 1 reject_type perm penalty 2
//
// Authentication results come from the transaction notes written by the
// DKIM and SPF verifiers that ran before it: NoteDKIMPass holds the
// domains of valid signatures and NoteSPFPass the domain SPF passed for.
// A message passes when either identifier aligns with the From domain.
package dmarc

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/mail"
	"strings"

	"github.com/synqronlabs/rook"
	libdmarc "github.com/synqronlabs/rook/dmarc"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "dmarc"

// Transaction notes read and written by the plugin.
const (
	NoteDKIMPass = "dkim.pass"
	NoteSPFPass  = "spf.pass"
	NoteStatus   = "dmarc.status"
	NoteDomain   = "dmarc.domain"
)

func init() {
	plugin.RegisterFactory(Name, New)
}

type dmarc struct {
	plugin.Base
	penalty int
	// sample decides whether pct= selects the message; it returns a
	// number in [0, 100).
	sample func() int
}

func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	p := &dmarc{Base: base, sample: func() int { return rand.IntN(100) }}
	var err error
	if p.penalty, err = base.Args.Int("penalty", 2); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *dmarc) Register(reg *rook.Registry) error {
	return p.Hook(reg, rook.HookDataPost, p.check)
}

// fromDomain returns the domain of the single From address.
func fromDomain(txn *rook.Transaction) (string, error) {
	h := txn.Headers()
	if n := h.Count("From"); n != 1 {
		return "", fmt.Errorf("message has %d From headers", n)
	}
	addrs, err := mail.ParseAddressList(h.Get("From"))
	if err != nil {
		return "", err
	}
	var domain string
	for _, a := range addrs {
		_, d, ok := strings.Cut(a.Address, "@")
		if !ok {
			return "", fmt.Errorf("no domain in %q", a.Address)
		}
		d = strings.ToLower(d)
		if domain != "" && d != domain {
			return "", errors.New("From addresses in different domains")
		}
		domain = d
	}
	return domain, nil
}

func (p *dmarc) check(ctx *rook.Context) rook.Result {
	txn := ctx.Transaction
	if txn == nil {
		return rook.Decline()
	}
	notes := txn.Notes()
	from, err := fromDomain(txn)
	if err != nil {
		ctx.Logger.Info("skip, unusable From", slog.Any("error", err))
		notes.Set(NoteStatus, string(libdmarc.StatusNone))
		return rook.Decline()
	}

	d, err := libdmarc.Lookup(ctx.Context(), ctx.Connection.Resolver(), from)
	if err != nil {
		status := d.Status
		if errors.Is(err, libdmarc.ErrMultipleRecords) {
			status = libdmarc.StatusNone
		}
		ctx.Logger.Info("no policy", slog.String("from", from), slog.String("status", string(status)), slog.Any("error", err))
		notes.Set(NoteStatus, string(status))
		return rook.Decline()
	}
	notes.Set(NoteDomain, d.Domain)

	if p.aligned(notes, from, d.Record) {
		ctx.Logger.Info("pass", slog.String("from", from))
		notes.Set(NoteStatus, string(libdmarc.StatusPass))
		return rook.Decline()
	}

	notes.Set(NoteStatus, string(libdmarc.StatusFail))
	policy := d.Policy()
	ctx.Logger.Info("fail", slog.String("from", from), slog.String("policy", string(policy)), slog.String("record_at", d.Domain))
	if d.Record.Percentage < 100 && p.sample() >= d.Record.Percentage {
		ctx.Logger.Info("not sampled by pct", slog.Int("pct", d.Record.Percentage))
		return rook.Decline()
	}
	switch policy {
	case libdmarc.PolicyReject:
		return p.GetReject(ctx, fmt.Sprintf("Message rejected by the DMARC policy of %s", from), "")
	case libdmarc.PolicyQuarantine:
		ctx.Connection.AdjustKarma(-p.penalty)
	}
	return rook.Decline()
}

func (p *dmarc) aligned(notes *rook.Notes, from string, r *libdmarc.Record) bool {
	if signers, ok := rook.NoteAs[[]string](notes, NoteDKIMPass); ok {
		for _, d := range signers {
			if libdmarc.Aligned(from, d, r.ADKIM) {
				return true
			}
		}
	}
	if spf := notes.String(NoteSPFPass); spf != "" && libdmarc.Aligned(from, spf, r.ASPF) {
		return true
	}
	return false
}
