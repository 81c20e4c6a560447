package transport

import (
	"context"
	"testing"
	"time"
)

func TestDNSCache_ServesCachedEntryUntilExpiry(t *testing.T) {
	now := time.Now()
	cache := newDNSCache(5 * time.Minute)
	cache.now = func() time.Time { return now }

	// Seed the cache with a sentinel entry so a hit is observable
	// without touching the resolver.
	cache.entries["example.test"] = dnsEntry{
		addrs:   []string{"192.0.2.10"},
		expires: now.Add(5 * time.Minute),
	}

	addrs, err := cache.lookup(context.Background(), "example.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != "192.0.2.10" {
		t.Errorf("expected cached sentinel address, got %v", addrs)
	}
}

func TestDNSCache_ExpiredEntryIsRefreshed(t *testing.T) {
	now := time.Now()
	cache := newDNSCache(5 * time.Minute)
	cache.now = func() time.Time { return now }

	cache.entries["localhost"] = dnsEntry{
		addrs:   []string{"198.51.100.1"},
		expires: now.Add(-time.Second),
	}

	addrs, err := cache.lookup(context.Background(), "localhost")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if a == "198.51.100.1" {
			t.Fatal("expired sentinel address returned; entry was not refreshed")
		}
	}

	entry, ok := cache.entries["localhost"]
	if !ok {
		t.Fatal("refreshed entry not stored")
	}
	if !entry.expires.After(now) {
		t.Error("refreshed entry has no future expiry")
	}
}

func TestDNSCache_DefaultTTL(t *testing.T) {
	cache := newDNSCache(0)
	if cache.ttl != DefaultDNSTTL {
		t.Errorf("ttl = %v, want %v", cache.ttl, DefaultDNSTTL)
	}
}
