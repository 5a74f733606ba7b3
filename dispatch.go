package rook

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/synqronlabs/rook/metrics"
)

// Dispatcher runs the callbacks of a Registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher over reg.
func NewDispatcher(reg *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, logger: logger}
}

// Registry returns the registry the dispatcher reads.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs the callbacks registered for hook in order. The first
// result other than Declined is returned unchanged and the remaining
// callbacks are skipped. When every callback declines, or none is
// registered, def is returned.
//
// A dispatch started from inside a callback on the same connection is
// refused and returns def without running anything.
func (d *Dispatcher) Dispatch(hook Hook, hc *Context, def Result) Result {
	if hc == nil {
		hc = NewContext(nil, nil)
	}
	conn := hc.Connection
	if conn != nil {
		if !conn.dispatching.CompareAndSwap(false, true) {
			conn.Logger().Error("re-entrant hook dispatch refused",
				slog.String("hook", string(hook)),
				slog.String("from_plugin", hc.Plugin),
			)
			return def
		}
		defer conn.dispatching.Store(false)
	}

	start := time.Now()
	res := d.run(hook, hc, def)
	metrics.HookDispatchTotal.WithLabelValues(string(hook), res.Code.String()).Inc()
	metrics.HookDispatchDuration.WithLabelValues(string(hook)).Observe(time.Since(start).Seconds())
	return res
}

func (d *Dispatcher) run(hook Hook, hc *Context, def Result) Result {
	base := hc.Logger
	if base == nil {
		base = d.logger
	}
	hc.Hook = hook
	defer func() {
		hc.Plugin = ""
		hc.Logger = base
	}()

	for _, reg := range d.registry.callbacks(hook) {
		hc.Plugin = reg.plugin
		hc.Logger = base.With(slog.String("plugin", reg.plugin), slog.String("hook", string(hook)))

		res, err := invoke(reg, hc)
		if err != nil {
			hc.Logger.Error("plugin callback failed", slog.Any("error", err))
			metrics.PluginPanicsTotal.WithLabelValues(string(hook), reg.plugin).Inc()
			if hook.fatalOnFault() {
				return Result{Code: DenyDisconnect, Message: "TLS negotiation failed"}
			}
			continue
		}
		if !res.Code.Valid() {
			hc.Logger.Warn("plugin returned unknown result code", slog.Int("code", int(res.Code)))
			continue
		}
		if res.Code.Stops() {
			hc.Logger.Debug("hook decided", slog.String("code", res.Code.String()), slog.String("msg", res.Message))
			return res
		}
	}
	return def
}

func invoke(reg registration, hc *Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return reg.fn(hc), nil
}
