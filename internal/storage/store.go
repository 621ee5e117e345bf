// Package storage provides the string key/value stores that back each
// browser client's session-scoped and long-lived storage.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is returned by every operation of an Unavailable store.
var ErrUnavailable = errors.New("storage: unavailable")

// Store is a string key/value store. Get reports ok=false for an absent
// (or expired) key; a missing key is never an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Available reports whether s can be used for persistence. A nil store, an
// Unavailable store, or a namespace over one, is not available.
func Available(s Store) bool {
	if s == nil {
		return false
	}
	if a, ok := s.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

// Unavailable is a Store for environments without persistent storage.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string) (string, bool, error) {
	return "", false, ErrUnavailable
}

func (Unavailable) Set(context.Context, string, string) error { return ErrUnavailable }

func (Unavailable) Delete(context.Context, string) error { return ErrUnavailable }

// Available always returns false.
func (Unavailable) Available() bool { return false }

// Namespaced prefixes every key of an inner store, giving each client (and
// each storage scope of a client) its own key space.
type Namespaced struct {
	inner  Store
	prefix string
}

// Namespace returns a view of inner whose keys are prefixed with
// "<part1>:<part2>:...:".
func Namespace(inner Store, parts ...string) *Namespaced {
	return &Namespaced{inner: inner, prefix: strings.Join(parts, ":") + ":"}
}

// Prefix returns the key prefix applied by the namespace.
func (n *Namespaced) Prefix() string { return n.prefix }

func (n *Namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key, value string) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

// Available reports whether the inner store is available.
func (n *Namespaced) Available() bool { return Available(n.inner) }
