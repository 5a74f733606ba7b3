// Package karma turns the connection's accumulated karma into a verdict.
// Other plugins adjust the score and flag connections naughty; this one
// rejects once the score reaches the negative threshold or a naughty flag
// is set, unless the connection is immune.
//
//	karma negative -3 reject_naughty 1 hooks rcpt,data_post
package karma

import (
	"fmt"
	"log/slog"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "karma"

// DefaultNegative is the threshold used when none is configured.
const DefaultNegative = -3

// DefaultHooks lists the hooks the verdict is given on by default.
var DefaultHooks = []rook.Hook{rook.HookDataPost}

func init() {
	plugin.RegisterFactory(Name, New)
}

type karma struct {
	plugin.Base
	negative      int
	rejectNaughty bool
	hooks         []rook.Hook
}

// New builds the plugin. A positive negative argument is read as its
// negation, so "negative 3" and "negative -3" are the same threshold.
func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	k := &karma{Base: base, hooks: DefaultHooks}
	var err error
	if k.negative, err = base.Args.Int("negative", DefaultNegative); err != nil {
		return nil, err
	}
	if k.negative > 0 {
		k.negative = -k.negative
	}
	if k.rejectNaughty, err = base.Args.Bool("reject_naughty", true); err != nil {
		return nil, err
	}
	if names := base.Args.List("hooks"); len(names) > 0 {
		k.hooks = nil
		for _, name := range names {
			h, err := rook.ParseHook(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", plugin.ErrArgs, err)
			}
			k.hooks = append(k.hooks, h)
		}
	}
	return k, nil
}

func (k *karma) Register(reg *rook.Registry) error {
	for _, h := range k.hooks {
		if err := k.Hook(reg, h, k.verdict); err != nil {
			return err
		}
	}
	return nil
}

func (k *karma) verdict(ctx *rook.Context) rook.Result {
	conn := ctx.Connection
	if conn.IsImmune() {
		ctx.Logger.Debug("skip, immune")
		return rook.Decline()
	}
	if k.rejectNaughty && conn.IsNaughty() {
		return k.GetReject(ctx, conn.NaughtyReason(), "naughty")
	}
	score := conn.Karma()
	if score <= k.negative {
		return k.GetReject(ctx, "Your karma is too low, please try again later",
			fmt.Sprintf("karma %d at or below %d", score, k.negative))
	}
	ctx.Logger.Debug("karma ok", slog.Int("karma", score), slog.Int("negative", k.negative))
	return rook.Decline()
}
