// Package authfile authenticates SMTP AUTH users against a flat file of
// bcrypt password hashes, one "user:hash" per line.
//
//	auth_flat_file file auth_flat_file
//
// A successful login makes the connection immune and a relay client.
package authfile

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "auth_flat_file"

func init() {
	plugin.RegisterFactory(Name, New)
}

type authFile struct {
	plugin.Base
	users map[string][]byte
}

func New(l *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	cfg, err := l.Config(base.Args.Get("file", Name))
	if err != nil {
		return nil, err
	}
	if !cfg.Found {
		return nil, fmt.Errorf("%w: %s not found", plugin.ErrConfig, cfg.Path)
	}
	p := &authFile{Base: base, users: make(map[string][]byte, len(cfg.Lines))}
	for i, line := range cfg.Lines {
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("%w: %s line %d: want user:hash", plugin.ErrConfig, cfg.Name, i+1)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: %s: user %s: %w", plugin.ErrConfig, cfg.Name, user, err)
		}
		p.users[strings.ToLower(user)] = []byte(hash)
	}
	return p, nil
}

func (p *authFile) Register(reg *rook.Registry) error {
	for _, h := range []rook.Hook{rook.HookAuthPlain, rook.HookAuthLogin} {
		if err := p.Hook(reg, h, p.authenticate); err != nil {
			return err
		}
	}
	return nil
}

func (p *authFile) authenticate(ctx *rook.Context) rook.Result {
	creds := ctx.Credentials
	if creds == nil {
		return rook.Decline()
	}
	user := strings.ToLower(creds.AuthenticationID)
	hash, ok := p.users[user]
	if !ok {
		ctx.Logger.Debug("unknown user", slog.String("user", user))
		return rook.Decline()
	}
	if creds.AuthorizationID != "" && !strings.EqualFold(creds.AuthorizationID, creds.AuthenticationID) {
		ctx.Logger.Info("authorization identity refused", slog.String("user", user), slog.String("authzid", creds.AuthorizationID))
		return rook.Reject(rook.Deny, "Authentication failed")
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(creds.Password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		ctx.Connection.AdjustKarma(-1)
		ctx.Logger.Info("bad password", slog.String("user", user))
		return rook.Reject(rook.Deny, "Authentication failed")
	}
	if err != nil {
		ctx.Logger.Error("password check failed", slog.String("user", user), slog.Any("error", err))
		return rook.Reject(rook.DenySoft, "Temporary authentication failure")
	}

	conn := ctx.Connection
	conn.MarkImmune()
	conn.Notes().SetDurable(rook.NoteRelayClient, true)
	return rook.Accept("")
}
