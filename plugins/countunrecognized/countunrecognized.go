// Package countunrecognized disconnects clients that send too many
// unrecognized commands.
//
//	count_unrecognized_commands max 4
package countunrecognized

import (
	"fmt"
	"log/slog"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "count_unrecognized_commands"

// NoteCount is the connection note holding the running count.
const NoteCount = "unrec_cmd.count"

// DefaultMax is the count at which the client is disconnected.
const DefaultMax = 4

func init() {
	plugin.RegisterFactory(Name, New)
}

type counter struct {
	plugin.Base
	max int
}

// New builds the plugin from its arguments.
func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	limit, err := base.Args.Int("max", DefaultMax)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: max must be positive", plugin.ErrArgs)
	}
	return &counter{Base: base, max: limit}, nil
}

func (c *counter) Register(reg *rook.Registry) error {
	return c.Hook(reg, rook.HookUnrecognizedCommand, c.check)
}

func (c *counter) check(ctx *rook.Context) rook.Result {
	count := ctx.Notes().Add(NoteCount, 1)
	ctx.Logger.Info("unrecognized command",
		slog.String("command", ctx.Arg(0)),
		slog.Int("count", count),
		slog.Int("max", c.max),
	)
	if count < c.max {
		return rook.Decline()
	}
	return rook.Reject(rook.DenyDisconnect,
		fmt.Sprintf("Closing connection, %d unrecognized commands. Perhaps you should read RFC 5321?", count))
}
