// Package rcptok accepts recipients in the domains this server receives
// mail for, and any recipient from a relay client.
//
// Domains are read from the rcpthosts configuration, one per line. A line
// starting with a dot matches every subdomain.
package rcptok

import (
	"log/slog"
	"strings"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "rcpt_ok"

// HostsConfig is the configuration listing local domains.
const HostsConfig = "rcpthosts"

func init() {
	plugin.RegisterFactory(Name, New)
}

type rcptOK struct {
	plugin.Base
	exact    map[string]bool
	suffixes []string
}

// New reads the rcpthosts configuration through l.
func New(l *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	p := &rcptOK{Base: base, exact: make(map[string]bool)}
	cfg, err := l.Config(base.Args.Get("config", HostsConfig))
	if err != nil {
		return nil, err
	}
	if !cfg.Found {
		base.Logger.Warn("no rcpthosts configured, only relay clients are accepted", slog.String("path", cfg.Path))
	}
	for _, line := range cfg.Lines {
		host := strings.ToLower(line)
		if strings.HasPrefix(host, ".") {
			p.suffixes = append(p.suffixes, host)
			continue
		}
		p.exact[host] = true
	}
	return p, nil
}

func (p *rcptOK) Register(reg *rook.Registry) error {
	return p.Hook(reg, rook.HookRcpt, p.check)
}

// Local reports whether domain is one of the configured hosts.
func (p *rcptOK) Local(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if p.exact[domain] {
		return true
	}
	for _, s := range p.suffixes {
		if strings.HasSuffix(domain, s) {
			return true
		}
	}
	return false
}

func (p *rcptOK) check(ctx *rook.Context) rook.Result {
	if ctx.Notes().Bool(rook.NoteRelayClient) {
		return rook.Accept("")
	}
	rcpt := ctx.Address
	if rcpt == nil {
		return rook.Decline()
	}
	// postmaster without a domain is always deliverable.
	if rcpt.Domain == "" && strings.EqualFold(rcpt.LocalPart, "postmaster") {
		return rook.Accept("")
	}
	if p.Local(rcpt.Domain) {
		return rook.Accept("")
	}
	ctx.Logger.Info("relaying denied", slog.String("rcpt", rcpt.String()))
	return rook.Decline()
}
