// Package plugin loads policy plugins from configuration and registers
// their callbacks with a rook.Registry.
//
// A plugin package registers a Factory under its configuration name from
// an init function. The daemon reads the plugins file, one plugin per
// line ("dnsbl zones zen.spamhaus.org reject naughty"), and asks each
// factory for an instance built from the rest of the line.
package plugin

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/synqronlabs/rook"
)

var (
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")
	ErrDuplicate     = errors.New("plugin: factory already registered")
	ErrArgs          = errors.New("plugin: bad arguments")
	ErrConfig        = errors.New("plugin: bad configuration")
)

// Plugin is a configured plugin instance.
type Plugin interface {
	// Name is the instance name used as plugin id in the registry.
	Name() string
	// Register adds the instance's callbacks to reg.
	Register(reg *rook.Registry) error
}

// Factory builds a plugin instance. base carries the instance name, its
// arguments and the shared reject options.
type Factory func(l *Loader, base Base) (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a plugin available under name. It panics when
// name is taken, as registration happens from init functions.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("%v: %s", ErrDuplicate, name))
	}
	factories[name] = f
}

// Factories returns the names of all registered factories, sorted.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}

func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}
