// Package dnsbl checks the client address against DNS block lists.
//
//	dnsbl zones zen.spamhaus.org,bl.spamcop.net reject naughty penalty 2
//
// Zones are queried when the client connects. A listing costs karma and
// is acted on at RCPT, so mail to postmaster is still accepted. Lookup
// timeouts and server failures are logged and never count as a listing.
package dnsbl

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "dnsbl"

// NoteListed is the connection note holding the listing message.
const NoteListed = "dnsbl.listed"

func init() {
	plugin.RegisterFactory(Name, New)
}

type dnsbl struct {
	plugin.Base
	zones   []string
	penalty int
	timeout time.Duration
}

// New builds the plugin from its zones argument.
func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	p := &dnsbl{Base: base, zones: base.Args.List("zones")}
	if len(p.zones) == 0 {
		return nil, fmt.Errorf("%w: zones is required", plugin.ErrArgs)
	}
	var err error
	if p.penalty, err = base.Args.Int("penalty", 1); err != nil {
		return nil, err
	}
	if p.timeout, err = base.Args.Duration("timeout", dns.DefaultTimeout); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *dnsbl) Register(reg *rook.Registry) error {
	if err := p.Hook(reg, rook.HookConnect, p.lookup); err != nil {
		return err
	}
	return p.Hook(reg, rook.HookRcpt, p.verdict)
}

func (p *dnsbl) lookup(ctx *rook.Context) rook.Result {
	conn := ctx.Connection
	if conn.IsImmune() || conn.Notes().Bool(rook.NoteRelayClient) {
		return rook.Decline()
	}
	ip := conn.RemoteIP()
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return rook.Decline()
	}
	labels, err := dns.ReverseLabels(ip)
	if err != nil {
		ctx.Logger.Warn("cannot reverse address", slog.Any("error", err))
		return rook.Decline()
	}

	resolver := conn.InitResolver(p.timeout)
	for _, zone := range p.zones {
		name := labels + "." + zone
		res, err := resolver.LookupIP(ctx.Context(), name)
		switch {
		case err == nil && listed(res.Records):
		case err == nil, dns.IsNotFound(err):
			continue
		default:
			ctx.Logger.Warn("dnsbl lookup failed", slog.String("zone", zone), slog.Any("error", err))
			continue
		}

		msg := fmt.Sprintf("Your address %s is listed at %s", ip, zone)
		if txt, err := resolver.LookupTXT(ctx.Context(), name); err == nil && len(txt.Records) > 0 {
			msg = txt.Records[0]
		}
		ctx.Logger.Info("listed", slog.String("zone", zone), slog.String("msg", msg))
		conn.Notes().Set(NoteListed, msg)
		conn.AdjustKarma(-p.penalty)
		return rook.Decline()
	}
	return rook.Decline()
}

// listed reports whether any answer is in 127.0.0.0/8, the range block
// lists answer with. Other answers are typically error codes.
func listed(ips []net.IP) bool {
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && ip4[0] == 127 {
			return true
		}
	}
	return false
}

func (p *dnsbl) verdict(ctx *rook.Context) rook.Result {
	msg := ctx.Notes().String(NoteListed)
	if msg == "" {
		return rook.Decline()
	}
	if rcpt := ctx.Address; rcpt != nil && strings.EqualFold(rcpt.LocalPart, "postmaster") {
		return rook.Decline()
	}
	return p.GetReject(ctx, msg, "")
}
