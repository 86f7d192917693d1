package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache(t *testing.T) {
	var calls atomic.Int64
	resolver := ResolverFunc(func(_ context.Context, token string) (*Identity, error) {
		calls.Add(1)
		if token == "bad" {
			return nil, ErrUnauthenticated
		}
		return &Identity{UserID: "user-" + token, Role: RoleClient}, nil
	})
	cache := NewCache(resolver, time.Minute)
	ctx := context.Background()

	id, err := cache.Resolve(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.UserID != "user-tok-1" {
		t.Errorf("UserID = %q", id.UserID)
	}

	// Second hit is served from cache.
	if _, err := cache.Resolve(ctx, "tok-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("resolver called %d times, want 1", got)
	}

	// Different token misses.
	if _, err := cache.Resolve(ctx, "tok-2"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("resolver called %d times, want 2", got)
	}
}

func TestCache_FailuresNotCached(t *testing.T) {
	var calls atomic.Int64
	resolver := ResolverFunc(func(_ context.Context, _ string) (*Identity, error) {
		calls.Add(1)
		return nil, ErrUnauthenticated
	})
	cache := NewCache(resolver, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.Resolve(ctx, "bad"); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("Resolve error = %v", err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("resolver called %d times, want 3 (failures must not cache)", got)
	}
}

func TestCache_Expiry(t *testing.T) {
	var calls atomic.Int64
	resolver := ResolverFunc(func(_ context.Context, _ string) (*Identity, error) {
		calls.Add(1)
		return &Identity{UserID: "u", Role: RoleWorker}, nil
	})
	cache := NewCache(resolver, time.Nanosecond)
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "tok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := cache.Resolve(ctx, "tok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("resolver called %d times, want 2 after expiry", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	var calls atomic.Int64
	resolver := ResolverFunc(func(_ context.Context, _ string) (*Identity, error) {
		calls.Add(1)
		return &Identity{UserID: "u", Role: RoleClient}, nil
	})
	cache := NewCache(resolver, time.Minute)
	ctx := context.Background()

	cache.Resolve(ctx, "tok")
	cache.Invalidate("tok")
	cache.Resolve(ctx, "tok")
	if got := calls.Load(); got != 2 {
		t.Errorf("resolver called %d times, want 2 after invalidation", got)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"Bearer  spaced ", "spaced", true},
		{"Basic abc123", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := BearerToken(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)",
				tt.header, token, ok, tt.token, tt.ok)
		}
	}
}

func TestSecretEqual(t *testing.T) {
	if !SecretEqual("s3cret", "s3cret") {
		t.Error("matching secrets rejected")
	}
	if SecretEqual("wrong", "s3cret") {
		t.Error("mismatched secrets accepted")
	}
	if SecretEqual("", "") {
		t.Error("empty configured secret must never match")
	}
}
