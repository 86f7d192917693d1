// Package auth resolves bearer tokens to identities and guards routes
// by role. Token verification lives in an external identity service
// behind the Resolver interface; resolved identities are cached with a
// short TTL so the hot path stays off the network.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid credentials")
	ErrForbidden       = errors.New("insufficient role")
)

// Identity is the resolved caller.
type Identity struct {
	UserID string
	Role   string
}

// Roles understood by the route guards.
const (
	RoleClient = "client"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Resolver verifies a bearer token with the identity provider.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, token string) (*Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

type cacheEntry struct {
	identity  Identity
	expiresAt time.Time
}

// Cache wraps a Resolver with a TTL cache. A revoked token can stay
// valid for up to one TTL; callers pick the TTL to bound that staleness.
type Cache struct {
	resolver Resolver
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(resolver Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
	}
}

func (c *Cache) Resolve(ctx context.Context, token string) (*Identity, error) {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		id := entry.identity
		return &id, nil
	}

	id, err := c.resolver.Resolve(ctx, token)
	if err != nil {
		// Failures are not cached: a flaky provider should not lock a
		// valid token out for a whole TTL.
		return nil, err
	}

	c.mu.Lock()
	c.entries[token] = cacheEntry{identity: *id, expiresAt: now.Add(c.ttl)}
	// Drop expired entries opportunistically so the map cannot grow
	// without bound under token churn.
	if len(c.entries) > 10000 {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()

	out := *id
	return &out, nil
}

// Invalidate evicts one token, for explicit logout handling.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

// DevResolver accepts tokens of the form "userID:role" without any
// verification. Development and tests only; production wiring must pass
// a real identity-provider resolver.
func DevResolver() Resolver {
	return ResolverFunc(func(_ context.Context, token string) (*Identity, error) {
		userID, role, ok := strings.Cut(token, ":")
		if !ok || userID == "" {
			return nil, ErrUnauthenticated
		}
		switch role {
		case RoleClient, RoleWorker, RoleAdmin:
		default:
			return nil, ErrUnauthenticated
		}
		return &Identity{UserID: userID, Role: role}, nil
	})
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// SecretEqual compares a presented secret against the configured one in
// constant time. An empty configured secret never matches.
func SecretEqual(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
