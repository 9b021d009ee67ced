package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a secret reference does not exist in any backend.
var ErrNotFound = errors.New("secret not found")

// Reference prefixes understood by Router.
const (
	PrefixOnePassword = "op://"
	PrefixEnv         = "env:"
)

// Resolver turns a secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Static resolves from a fixed map. Used for tests and dry runs.
type Static map[string]string

func (s Static) Resolve(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("'%s': %w", name, ErrNotFound)
	}
	return v, nil
}

// Env resolves "env:NAME" references from the process environment.
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (e Env) Resolve(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := strings.TrimPrefix(name, PrefixEnv)
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable '%s': %w", key, ErrNotFound)
	}
	return v, nil
}

// Router dispatches by reference prefix. Names without a known prefix go to
// Default.
type Router struct {
	OnePassword Resolver
	Env         Resolver
	Default     Resolver
}

func (r Router) Resolve(ctx context.Context, name string) (string, error) {
	var target Resolver
	var backend string
	switch {
	case strings.HasPrefix(name, PrefixOnePassword):
		target, backend = r.OnePassword, "1Password"
	case strings.HasPrefix(name, PrefixEnv):
		target, backend = r.Env, "environment"
		if target == nil {
			target = Env{}
		}
	default:
		target, backend = r.Default, "default"
	}
	if target == nil {
		return "", fmt.Errorf("no %s secret backend configured for '%s'", backend, name)
	}
	return target.Resolve(ctx, name)
}

// Cache memoizes successful lookups so a secret shared by several VMs is
// fetched once per run.
type Cache struct {
	next Resolver

	mu     sync.Mutex
	values map[string]string
}

func NewCache(next Resolver) *Cache {
	return &Cache{next: next, values: map[string]string{}}
}

func (c *Cache) Resolve(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	v, ok := c.values[name]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := c.next.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
	return v, nil
}

// Placeholder resolves every name to a fixed marker. Used to render scripts
// for inspection without touching a secret backend.
type Placeholder struct{}

func (Placeholder) Resolve(_ context.Context, name string) (string, error) {
	return "<redacted:" + name + ">", nil
}
