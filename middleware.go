package rook

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Middleware wraps hook callbacks. Middleware registered on a Registry is
// applied to every callback when the registry is frozen.
type Middleware func(HookFunc) HookFunc

// Logging returns middleware that logs the outcome and duration of every
// callback at debug level, and every non-declined outcome at info level.
func Logging() Middleware {
	return func(next HookFunc) HookFunc {
		return func(ctx *Context) Result {
			start := time.Now()
			res := next(ctx)
			attrs := []any{
				slog.String("code", res.Code.String()),
				slog.Duration("duration", time.Since(start)),
			}
			if res.Message != "" {
				attrs = append(attrs, slog.String("msg", res.Message))
			}
			if res.Code == Declined {
				ctx.Logger.Debug("callback declined", attrs...)
			} else {
				ctx.Logger.Info("callback decided", attrs...)
			}
			return res
		}
	}
}

// RateLimiter counts connections per client address in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
	limit   int
	window  time.Duration
	stop    chan struct{}
	once    sync.Once
}

type rateWindow struct {
	start time.Time
	seen  int
}

// NewRateLimiter returns a limiter admitting limit connections per client
// address in each window. A sweeper drops expired windows until Stop.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]rateWindow),
		limit:   limit,
		window:  window,
		stop:    make(chan struct{}),
	}
	go rl.sweep(2 * window)
	return rl
}

func (rl *RateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, w := range rl.windows {
				if now.Sub(w.start) > rl.window {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow records one connection from key and reports whether it is within
// the limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > rl.window {
		rl.windows[key] = rateWindow{start: now, seen: 1}
		return true
	}
	if w.seen >= rl.limit {
		return false
	}
	w.seen++
	rl.windows[key] = w
	return true
}

// Callback returns a pre_connection callback that defers clients over
// the limit.
func (rl *RateLimiter) Callback() HookFunc {
	return func(ctx *Context) Result {
		if !rl.Allow(ctx.Connection.RemoteIP().String()) {
			return Reject(DenySoftDisconnect, "Too many connections, please try again later")
		}
		return Decline()
	}
}

// IPFilterMode selects what an IPFilter does with listed addresses.
type IPFilterMode int

const (
	// IPFilterModeAllow admits listed addresses only.
	IPFilterModeAllow IPFilterMode = iota
	// IPFilterModeDeny refuses listed addresses.
	IPFilterModeDeny
)

// IPFilter admits or refuses clients by address or network.
type IPFilter struct {
	mu       sync.RWMutex
	mode     IPFilterMode
	prefixes []netip.Prefix
}

func NewIPFilter(mode IPFilterMode) *IPFilter {
	return &IPFilter{mode: mode}
}

// Add lists an address ("192.0.2.1") or a network ("192.0.2.0/24").
func (f *IPFilter) Add(entry string) error {
	var p netip.Prefix
	if strings.Contains(entry, "/") {
		var err error
		if p, err = netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, entry)
		}
		p = p.Masked()
	} else {
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, entry)
		}
		addr = addr.Unmap()
		p = netip.PrefixFrom(addr, addr.BitLen())
	}
	f.mu.Lock()
	f.prefixes = append(f.prefixes, p)
	f.mu.Unlock()
	return nil
}

// Listed reports whether ip falls in a listed address or network.
func (f *IPFilter) Listed(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowed applies the filter mode to ip.
func (f *IPFilter) IsAllowed(ip net.IP) bool {
	if f.mode == IPFilterModeAllow {
		return f.Listed(ip)
	}
	return !f.Listed(ip)
}

// Callback returns a connect callback that disconnects refused clients.
func (f *IPFilter) Callback() HookFunc {
	return func(ctx *Context) Result {
		if !f.IsAllowed(ctx.Connection.RemoteIP()) {
			return Reject(DenyDisconnect, "Connection not allowed from your IP address")
		}
		return Decline()
	}
}
