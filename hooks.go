package rook

import (
	"fmt"
	"slices"
	"sync"
)

// Hook names a point in the SMTP session where plugins are consulted.
type Hook string

const (
	HookPreConnection       Hook = "pre_connection"
	HookConnect             Hook = "connect"
	HookHelo                Hook = "helo"
	HookEhlo                Hook = "ehlo"
	HookMail                Hook = "mail"
	HookRcpt                Hook = "rcpt"
	HookData                Hook = "data"
	HookDataPost            Hook = "data_post"
	HookQueue               Hook = "queue"
	HookReject              Hook = "reject"
	HookResetTransaction    Hook = "reset_transaction"
	HookDisconnect          Hook = "disconnect"
	HookUnrecognizedCommand Hook = "unrecognized_command"
	HookAuthPlain           Hook = "auth-plain"
	HookAuthLogin           Hook = "auth-login"
	HookAuth                Hook = "auth"
	HookStartTLS            Hook = "starttls"
	HookVrfy                Hook = "vrfy"
	HookNoop                Hook = "noop"
	HookQuit                Hook = "quit"
	HookPostConnection      Hook = "post_connection"
)

// Hooks lists every hook the server fires.
var Hooks = []Hook{
	HookPreConnection, HookConnect, HookHelo, HookEhlo, HookMail, HookRcpt,
	HookData, HookDataPost, HookQueue, HookReject, HookResetTransaction,
	HookDisconnect, HookUnrecognizedCommand, HookAuthPlain, HookAuthLogin,
	HookAuth, HookStartTLS, HookVrfy, HookNoop, HookQuit, HookPostConnection,
}

// Valid reports whether h is a hook the server fires.
func (h Hook) Valid() bool {
	return slices.Contains(Hooks, h)
}

// fatalOnFault reports whether a panicking callback must end the session.
// Hooks fired while the TLS state is being replaced cannot fall back.
func (h Hook) fatalOnFault() bool {
	return h == HookStartTLS
}

// ParseHook validates a hook name taken from configuration.
func ParseHook(name string) (Hook, error) {
	h := Hook(name)
	if !h.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownHook, name)
	}
	return h, nil
}

// HookFunc is a plugin callback. It must not block indefinitely; DNS and
// other I/O should be bounded by ctx.Context().
type HookFunc func(ctx *Context) Result

type registration struct {
	hook     Hook
	plugin   string
	priority int
	seq      int
	fn       HookFunc
}

// RegisterOption customizes a registration.
type RegisterOption func(*registration)

// WithPriority sets the registration priority. Lower values run first;
// the default is 0.
func WithPriority(p int) RegisterOption {
	return func(r *registration) {
		r.priority = p
	}
}

// Registry maps hooks to their ordered callbacks. It is filled during
// plugin loading and frozen when the server starts serving, after which it
// is read without locking by every connection.
type Registry struct {
	mu         sync.RWMutex
	hooks      map[Hook][]registration
	middleware []Middleware
	seq        int
	frozen     bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Hook][]registration)}
}

// Register appends fn to the callbacks of hook. The same plugin may register
// several callbacks for one hook.
func (r *Registry) Register(hook Hook, pluginID string, fn HookFunc, opts ...RegisterOption) error {
	if !hook.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownHook, hook)
	}
	if fn == nil {
		return ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}

	reg := registration{hook: hook, plugin: pluginID, seq: r.seq, fn: fn}
	for _, opt := range opts {
		opt(&reg)
	}
	r.seq++

	list := append(slices.Clone(r.hooks[hook]), reg)
	slices.SortStableFunc(list, func(a, b registration) int {
		if a.priority != b.priority {
			return a.priority - b.priority
		}
		return a.seq - b.seq
	})
	r.hooks[hook] = list
	return nil
}

// Use adds middleware wrapped around every callback at Freeze. The first
// middleware added is the outermost.
func (r *Registry) Use(mw ...Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.middleware = append(r.middleware, mw...)
	return nil
}

// Freeze applies the middleware and rejects any further registration.
// Freezing twice is a no-op.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.frozen = true
	if len(r.middleware) == 0 {
		return
	}
	for hook, regs := range r.hooks {
		wrapped := make([]registration, len(regs))
		for i, reg := range regs {
			for j := len(r.middleware) - 1; j >= 0; j-- {
				reg.fn = r.middleware[j](reg.fn)
			}
			wrapped[i] = reg
		}
		r.hooks[hook] = wrapped
	}
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Has reports whether any callback is registered for hook.
func (r *Registry) Has(hook Hook) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[hook]) > 0
}

// Plugins returns the plugin ids registered for hook in execution order.
func (r *Registry) Plugins(hook Hook) []string {
	regs := r.callbacks(hook)
	ids := make([]string, len(regs))
	for i, reg := range regs {
		ids[i] = reg.plugin
	}
	return ids
}

func (r *Registry) callbacks(hook Hook) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[hook]
}
