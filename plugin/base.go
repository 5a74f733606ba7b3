package plugin

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/synqronlabs/rook"
)

// RejectMode is what a plugin does when its check fails, set with the
// reject argument.
type RejectMode int

const (
	// RejectNow rejects the command (reject 1).
	RejectNow RejectMode = iota
	// RejectLog only logs the failure (reject 0).
	RejectLog
	// RejectNaughty marks the connection naughty and leaves the decision
	// to the karma plugin (reject naughty).
	RejectNaughty
)

func (m RejectMode) String() string {
	switch m {
	case RejectLog:
		return "0"
	case RejectNaughty:
		return "naughty"
	}
	return "1"
}

// ParseRejectMode parses the value of a reject argument.
func ParseRejectMode(s string) (RejectMode, error) {
	switch strings.ToLower(s) {
	case "1", "yes", "true":
		return RejectNow, nil
	case "0", "no", "false":
		return RejectLog, nil
	case "naughty":
		return RejectNaughty, nil
	}
	return 0, fmt.Errorf("%w: reject %q", ErrArgs, s)
}

// ParseRejectType maps a reject_type argument to the result code used
// when rejecting.
func ParseRejectType(s string) (rook.Code, error) {
	switch strings.ToLower(s) {
	case "perm", "hard":
		return rook.Deny, nil
	case "temp", "soft":
		return rook.DenySoft, nil
	case "disconnect":
		return rook.DenyDisconnect, nil
	case "temp_disconnect":
		return rook.DenySoftDisconnect, nil
	}
	return 0, fmt.Errorf("%w: reject_type %q", ErrArgs, s)
}

// Base holds what every plugin instance shares: its name, its arguments
// and the reject options. Plugins embed it.
type Base struct {
	name     string
	Args     Args
	Logger   *slog.Logger
	Priority int

	Reject     RejectMode
	RejectType rook.Code
}

// NewBase reads the shared arguments reject, reject_type and priority.
func NewBase(name string, args Args, logger *slog.Logger) (Base, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := Base{
		name:       name,
		Args:       args,
		Logger:     logger.With(slog.String("plugin", name)),
		Reject:     RejectNow,
		RejectType: rook.Deny,
	}
	var err error
	if v, ok := args.Lookup("reject"); ok {
		if b.Reject, err = ParseRejectMode(v); err != nil {
			return Base{}, err
		}
	}
	if v, ok := args.Lookup("reject_type"); ok {
		if b.RejectType, err = ParseRejectType(v); err != nil {
			return Base{}, err
		}
	}
	if b.Priority, err = args.Int("priority", 0); err != nil {
		return Base{}, err
	}
	return b, nil
}

// Name returns the instance name.
func (b Base) Name() string {
	return b.name
}

// DefaultReject sets the reject mode used when the configuration line
// has no reject argument.
func (b *Base) DefaultReject(m RejectMode) {
	if _, ok := b.Args.Lookup("reject"); !ok {
		b.Reject = m
	}
}

// Hook registers fn for hook under the instance name and priority.
func (b Base) Hook(reg *rook.Registry, hook rook.Hook, fn rook.HookFunc) error {
	return reg.Register(hook, b.name, fn, rook.WithPriority(b.Priority))
}

// GetReject turns a failed check into the plugin's configured verdict.
// msg is sent to the client on rejection; logMsg, when set, replaces it
// in the log.
func (b Base) GetReject(ctx *rook.Context, msg, logMsg string) rook.Result {
	if logMsg == "" {
		logMsg = msg
	}
	switch b.Reject {
	case RejectLog:
		ctx.Logger.Info("fail, tolerated", slog.String("reason", logMsg))
		return rook.Decline()
	case RejectNaughty:
		ctx.Logger.Info("fail, naughty", slog.String("reason", logMsg))
		ctx.Connection.MarkNaughty(msg)
		return rook.Decline()
	}
	ctx.Logger.Info("fail", slog.String("reason", logMsg))
	return rook.Reject(b.RejectType, msg)
}

// Skip reports whether checks should be skipped for the connection:
// immune, relaying or authenticated clients, and clients already marked
// naughty.
func (b Base) Skip(ctx *rook.Context) bool {
	conn := ctx.Connection
	var reason string
	switch {
	case conn.IsImmune():
		reason = "immune"
	case conn.Notes().Bool(rook.NoteRelayClient):
		reason = "relayclient"
	case conn.IsAuthenticated():
		reason = "authenticated"
	case conn.IsNaughty():
		reason = "naughty"
	default:
		return false
	}
	ctx.Logger.Debug("skip", slog.String("reason", reason))
	return true
}
