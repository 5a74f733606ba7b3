// Package fcrdns checks that the client has forward-confirmed reverse
// DNS: a PTR name whose address records lead back to the client.
//
//	fcrdns reject 0 penalty 1 bonus 1
//
// By default a failed check only costs karma. With reject 1 the client is
// turned away when it connects.
package fcrdns

import (
	"log/slog"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "fcrdns"

// Connection notes set by the plugin.
const (
	NoteName = "fcrdns.name"
	NoteFail = "fcrdns.fail"
)

func init() {
	plugin.RegisterFactory(Name, New)
}

type fcrdns struct {
	plugin.Base
	penalty int
	bonus   int
}

func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	base.DefaultReject(plugin.RejectLog)
	p := &fcrdns{Base: base}
	var err error
	if p.penalty, err = base.Args.Int("penalty", 1); err != nil {
		return nil, err
	}
	if p.bonus, err = base.Args.Int("bonus", 1); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *fcrdns) Register(reg *rook.Registry) error {
	return p.Hook(reg, rook.HookConnect, p.check)
}

func (p *fcrdns) check(ctx *rook.Context) rook.Result {
	conn := ctx.Connection
	ip := conn.RemoteIP()
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return rook.Decline()
	}

	names, err := conn.Resolver().ForwardConfirmed(ctx.Context(), ip)
	switch {
	case err == nil:
		ctx.Logger.Info("pass", slog.String("name", names[0]))
		conn.Notes().Set(NoteName, names[0])
		conn.SetRemoteHost(names[0])
		conn.AdjustKarma(p.bonus)
		return rook.Decline()
	case dns.IsTemporary(err):
		ctx.Logger.Warn("lookup failed, skipping", slog.Any("error", err))
		return rook.Decline()
	}

	reason := "no reverse DNS"
	if ptr, err := conn.Resolver().LookupAddr(ctx.Context(), ip); err == nil && len(ptr.Records) > 0 {
		reason = "reverse DNS " + ptr.Records[0] + " does not resolve back to " + ip.String()
	}
	conn.Notes().Set(NoteFail, reason)
	conn.AdjustKarma(-p.penalty)
	return p.GetReject(ctx, "Your address has no forward-confirmed reverse DNS", reason)
}
