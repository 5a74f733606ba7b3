package plugin

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Args are the key/value arguments following the plugin name on its
// configuration line. Keys are unique; a value may hold a comma separated
// list.
type Args struct {
	keys   []string
	values map[string]string
}

// ParseArgs pairs up tokens as key value. An odd number of tokens or a
// repeated key is an error.
func ParseArgs(tokens []string) (Args, error) {
	if len(tokens)%2 != 0 {
		return Args{}, fmt.Errorf("%w: %q has no value", ErrArgs, tokens[len(tokens)-1])
	}
	a := Args{values: make(map[string]string, len(tokens)/2)}
	for i := 0; i < len(tokens); i += 2 {
		key := strings.ToLower(tokens[i])
		if _, dup := a.values[key]; dup {
			return Args{}, fmt.Errorf("%w: %q given twice", ErrArgs, key)
		}
		a.keys = append(a.keys, key)
		a.values[key] = tokens[i+1]
	}
	return a, nil
}

// MustArgs is ParseArgs for literal argument lists in tests and defaults.
func MustArgs(tokens ...string) Args {
	a, err := ParseArgs(tokens)
	if err != nil {
		panic(err)
	}
	return a
}

// Keys returns the argument keys in configuration order.
func (a Args) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Lookup returns the value of key.
func (a Args) Lookup(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Get returns the value of key or def.
func (a Args) Get(key, def string) string {
	if v, ok := a.values[key]; ok {
		return v
	}
	return def
}

// Int returns the integer value of key or def.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a.values[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrArgs, key, v)
	}
	return n, nil
}

// Bool returns the boolean value of key or def. "1", "yes", "true" and
// "on" are true; "0", "no", "false" and "off" are false.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a.values[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrArgs, key, v)
}

// Duration returns the value of key as a duration. A bare number is read
// as seconds.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a.values[key]
	if !ok {
		return def, nil
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", ErrArgs, key, v)
	}
	return d, nil
}

// List splits the value of key on commas, dropping empty items.
func (a Args) List(key string) []string {
	v, ok := a.values[key]
	if !ok {
		return nil
	}
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
