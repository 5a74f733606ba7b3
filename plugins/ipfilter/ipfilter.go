// Package ipfilter refuses clients by address.
//
//	ip_filter mode deny file badips
//	ip_filter mode allow file goodips
//
// The file lists one address or CIDR network per line. In deny mode listed
// clients are refused; in allow mode every client not listed is.
package ipfilter

import (
	"fmt"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "ip_filter"

func init() {
	plugin.RegisterFactory(Name, New)
}

type ipFilter struct {
	plugin.Base
	filter *rook.IPFilter
}

func New(l *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	var mode rook.IPFilterMode
	switch m := base.Args.Get("mode", "deny"); m {
	case "deny":
		mode = rook.IPFilterModeDeny
	case "allow":
		mode = rook.IPFilterModeAllow
	default:
		return nil, fmt.Errorf("%w: mode %q", plugin.ErrArgs, m)
	}
	file := base.Args.Get("file", "")
	if file == "" {
		return nil, fmt.Errorf("%w: file is required", plugin.ErrArgs)
	}
	cfg, err := l.Config(file)
	if err != nil {
		return nil, err
	}
	if !cfg.Found {
		return nil, fmt.Errorf("%w: %s not found", plugin.ErrConfig, cfg.Path)
	}

	f := rook.NewIPFilter(mode)
	for _, line := range cfg.Lines {
		if err := f.Add(line); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", plugin.ErrConfig, cfg.Name, err)
		}
	}
	return &ipFilter{Base: base, filter: f}, nil
}

func (p *ipFilter) Register(reg *rook.Registry) error {
	return p.Hook(reg, rook.HookConnect, p.filter.Callback())
}
