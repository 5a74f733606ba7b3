// Package dkim annotates transactions with their DKIM identifiers.
//
//	dkim aliases dkim_aliases selectors dkim_selectors
//
// For mail from relay clients and authenticated users it resolves the
// domain whose key signs the message, following the alias table, and the
// selector to sign with; a signer downstream reads NoteSignDomain and
// NoteSignSelector. For other mail it records every DKIM-Signature header
// with the state of its published key in NoteSignatures.
//
// The alias table holds "domain signing-domain" lines and is resolved
// once when the plugin loads. A table that aliases a domain back to
// itself is refused.
package dkim

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/synqronlabs/rook"
	libdkim "github.com/synqronlabs/rook/dkim"
	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "dkim"

// Transaction notes written by the plugin.
const (
	NoteSignDomain   = "dkim.sign.domain"
	NoteSignSelector = "dkim.sign.selector"
	NoteSignatures   = "dkim.signatures"
)

// KeyState describes what was found for the key a signature names.
type KeyState string

const (
	KeyPublished KeyState = "published"
	KeyTesting   KeyState = "testing"
	KeyRevoked   KeyState = "revoked"
	KeyMissing   KeyState = "missing"
	KeyTempError KeyState = "temperror"
	KeyPermError KeyState = "permerror"
)

// SignatureInfo is one entry of NoteSignatures.
type SignatureInfo struct {
	Domain   string
	Selector string
	Key      KeyState
	Error    string
}

func init() {
	plugin.RegisterFactory(Name, New)
}

type dkim struct {
	plugin.Base
	aliases   libdkim.Aliases
	selectors map[string]string
}

func New(l *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	p := &dkim{Base: base, selectors: make(map[string]string)}

	cfg, err := l.Config(base.Args.Get("aliases", "dkim_aliases"))
	if err != nil {
		return nil, err
	}
	edges, err := libdkim.ParseAliases(cfg.Lines)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrConfig, err)
	}
	if p.aliases, err = libdkim.ResolveAliases(edges); err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrConfig, err)
	}

	cfg, err = l.Config(base.Args.Get("selectors", "dkim_selectors"))
	if err != nil {
		return nil, err
	}
	for _, line := range cfg.Lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: %s: want \"domain selector\", got %q", plugin.ErrConfig, cfg.Name, line)
		}
		p.selectors[strings.ToLower(fields[0])] = fields[1]
	}
	return p, nil
}

func (p *dkim) Register(reg *rook.Registry) error {
	return p.Hook(reg, rook.HookDataPost, p.annotate)
}

func (p *dkim) annotate(ctx *rook.Context) rook.Result {
	txn := ctx.Transaction
	if txn == nil {
		return rook.Decline()
	}
	conn := ctx.Connection
	if conn.Notes().Bool(rook.NoteRelayClient) || conn.IsAuthenticated() {
		p.signer(ctx, txn)
		return rook.Decline()
	}
	p.signatures(ctx, txn)
	return rook.Decline()
}

func (p *dkim) signer(ctx *rook.Context, txn *rook.Transaction) {
	sender := txn.Sender()
	if sender == nil || sender.Domain == "" {
		return
	}
	domain := p.aliases.SigningDomain(sender.Domain)
	selector, ok := p.selectors[domain]
	if !ok {
		ctx.Logger.Debug("no selector for signing domain", slog.String("domain", domain))
		return
	}
	txn.Notes().Set(NoteSignDomain, domain)
	txn.Notes().Set(NoteSignSelector, selector)
	ctx.Logger.Info("signing identity", slog.String("domain", domain), slog.String("selector", selector))
}

func (p *dkim) signatures(ctx *rook.Context, txn *rook.Transaction) {
	headers := txn.Headers().GetAll("DKIM-Signature")
	if len(headers) == 0 {
		return
	}
	resolver := ctx.Connection.Resolver()
	infos := make([]SignatureInfo, 0, len(headers))
	for _, h := range headers {
		sig, err := libdkim.ParseSignature(h)
		if err != nil {
			infos = append(infos, SignatureInfo{Key: KeyPermError, Error: err.Error()})
			continue
		}
		info := SignatureInfo{Domain: sig.Domain, Selector: sig.Selector}
		rec, err := libdkim.LookupRecord(ctx.Context(), resolver, sig.Selector, sig.Domain)
		switch {
		case err == nil && rec.IsTesting():
			info.Key = KeyTesting
		case err == nil:
			info.Key = KeyPublished
		case errors.Is(err, libdkim.ErrKeyRevoked):
			info.Key = KeyRevoked
		case errors.Is(err, libdkim.ErrNoRecord):
			info.Key = KeyMissing
		case dns.IsTemporary(err):
			info.Key = KeyTempError
			info.Error = err.Error()
		default:
			info.Key = KeyPermError
			info.Error = err.Error()
		}
		ctx.Logger.Info("signature", slog.String("domain", info.Domain), slog.String("selector", info.Selector), slog.String("key", string(info.Key)))
		infos = append(infos, info)
	}
	txn.Notes().Set(NoteSignatures, infos)
}
