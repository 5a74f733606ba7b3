// Package concurrency limits simultaneous connections and connection
// rate per client address.
//
//	concurrency max 5 rate 30 window 1m
package concurrency

import (
	"fmt"
	"log/slog"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
)

// Name is the name used in the plugins configuration.
const Name = "concurrency"

// noteCounted marks a connection included in the per-address count.
const noteCounted = "concurrency.counted"

func init() {
	plugin.RegisterFactory(Name, New)
}

type concurrency struct {
	plugin.Base
	max     int
	counts  cmap.ConcurrentMap
	limiter *rook.RateLimiter
}

func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	c := &concurrency{Base: base, counts: cmap.New()}
	var err error
	if c.max, err = base.Args.Int("max", 0); err != nil {
		return nil, err
	}
	rate, err := base.Args.Int("rate", 0)
	if err != nil {
		return nil, err
	}
	window, err := base.Args.Duration("window", time.Minute)
	if err != nil {
		return nil, err
	}
	if c.max <= 0 && rate <= 0 {
		return nil, fmt.Errorf("%w: max or rate is required", plugin.ErrArgs)
	}
	if rate > 0 {
		c.limiter = rook.NewRateLimiter(rate, window)
	}
	return c, nil
}

func (c *concurrency) Register(reg *rook.Registry) error {
	if c.limiter != nil {
		if err := c.Hook(reg, rook.HookPreConnection, c.limiter.Callback()); err != nil {
			return err
		}
	}
	if c.max <= 0 {
		return nil
	}
	if err := c.Hook(reg, rook.HookPreConnection, c.acquire); err != nil {
		return err
	}
	return c.Hook(reg, rook.HookPostConnection, c.release)
}

// Close stops the rate limiter.
func (c *concurrency) Close() error {
	if c.limiter != nil {
		c.limiter.Stop()
	}
	return nil
}

// Count returns the number of open connections from ip.
func (c *concurrency) Count(ip string) int {
	if v, ok := c.counts.Get(ip); ok {
		return v.(int)
	}
	return 0
}

func (c *concurrency) acquire(ctx *rook.Context) rook.Result {
	ip := ctx.Connection.RemoteIP()
	if ip == nil {
		return rook.Decline()
	}
	key := ip.String()
	n := c.counts.Upsert(key, 1, func(exists bool, cur, add interface{}) interface{} {
		if !exists {
			return add
		}
		return cur.(int) + add.(int)
	}).(int)
	if n > c.max {
		c.decrement(key)
		ctx.Logger.Info("too many connections", slog.String("ip", key), slog.Int("max", c.max))
		return rook.Reject(rook.DenySoftDisconnect, "Too many connections from your address, try again later")
	}
	ctx.Notes().SetDurable(noteCounted, true)
	return rook.Decline()
}

func (c *concurrency) release(ctx *rook.Context) rook.Result {
	if !ctx.Notes().Bool(noteCounted) {
		return rook.Decline()
	}
	ctx.Notes().Delete(noteCounted)
	c.decrement(ctx.Connection.RemoteIP().String())
	return rook.Decline()
}

func (c *concurrency) decrement(key string) {
	c.counts.Upsert(key, -1, func(exists bool, cur, add interface{}) interface{} {
		if !exists {
			return 0
		}
		return cur.(int) + add.(int)
	})
	c.counts.RemoveCb(key, func(_ string, v interface{}, exists bool) bool {
		return exists && v.(int) <= 0
	})
}
