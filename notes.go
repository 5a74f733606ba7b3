package rook

import (
	"fmt"
	"strconv"
	"sync"
)

// Well-known connection note keys shared between the core and plugins.
const (
	NoteKarma       = "karma"
	NoteImmune      = "immune"
	NoteNaughty     = "naughty"
	NoteTLSEnabled  = "tls_enabled"
	NoteSSLFailed   = "ssl_failed"
	NoteRelayClient = "relayclient"
	NoteAuthUser    = "auth_user"
	NoteRemoteHost  = "remote_host"
)

// Notes is a string-keyed scratch space shared by the plugins of one
// connection or one transaction. Keys are unique; there is no iteration
// order. Values set with SetDurable survive a TLS upgrade.
type Notes struct {
	mu      sync.RWMutex
	values  map[string]any
	durable map[string]struct{}
}

// NewNotes returns an empty store.
func NewNotes() *Notes {
	return &Notes{
		values:  make(map[string]any),
		durable: make(map[string]struct{}),
	}
}

// Get returns the value stored under key.
func (n *Notes) Get(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.values[key]
	return v, ok
}

// Has reports whether key is set.
func (n *Notes) Has(key string) bool {
	_, ok := n.Get(key)
	return ok
}

// Set stores value under key, overwriting any previous value. A key
// previously marked durable stays durable.
func (n *Notes) Set(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[key] = value
}

// SetDurable stores value under key and marks it to be carried over when
// the connection is replaced after STARTTLS.
func (n *Notes) SetDurable(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[key] = value
	n.durable[key] = struct{}{}
}

// Delete removes key.
func (n *Notes) Delete(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.values, key)
	delete(n.durable, key)
}

// Len returns the number of stored keys.
func (n *Notes) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.values)
}

// Keys returns the stored keys in no particular order.
func (n *Notes) Keys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]string, 0, len(n.values))
	for k := range n.values {
		keys = append(keys, k)
	}
	return keys
}

// String returns the value under key formatted as a string, or "".
func (n *Notes) String(key string) string {
	v, ok := n.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// Int returns the value under key as an int. Strings are parsed; anything
// else that is not an integer yields 0.
func (n *Notes) Int(key string) int {
	v, ok := n.Get(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case int32:
		return int(t)
	case string:
		i, _ := strconv.Atoi(t)
		return i
	}
	return 0
}

// Bool returns the truthiness of the value under key: true for true,
// non-zero integers and non-empty strings other than "0".
func (n *Notes) Bool(key string) bool {
	v, ok := n.Get(key)
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != "" && t != "0"
	}
	return true
}

// Add increments the integer under key by delta and returns the new value.
// The read and write happen under one lock.
func (n *Notes) Add(key string, delta int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var cur int
	switch t := n.values[key].(type) {
	case int:
		cur = t
	case int64:
		cur = int(t)
	case string:
		cur, _ = strconv.Atoi(t)
	}
	cur += delta
	n.values[key] = cur
	return cur
}

// Durable returns a new store holding only the durable keys.
func (n *Notes) Durable() *Notes {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := NewNotes()
	for k := range n.durable {
		if v, ok := n.values[k]; ok {
			out.values[k] = v
			out.durable[k] = struct{}{}
		}
	}
	return out
}

// NoteAs returns the value under key when it has type T.
func NoteAs[T any](n *Notes, key string) (T, bool) {
	var zero T
	v, ok := n.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
