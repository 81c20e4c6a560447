package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// DefaultDNSTTL is how long resolved addresses stay valid.
const DefaultDNSTTL = 5 * time.Minute

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// dnsCache caches hostname lookups for a fixed TTL. It is consulted
// before every connection attempt and refreshed on miss or expiry.
type dnsCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]dnsEntry
	resolver *net.Resolver
	now      func() time.Time
}

func newDNSCache(ttl time.Duration) *dnsCache {
	if ttl <= 0 {
		ttl = DefaultDNSTTL
	}
	return &dnsCache{
		ttl:      ttl,
		entries:  make(map[string]dnsEntry),
		resolver: net.DefaultResolver,
		now:      time.Now,
	}
}

func (d *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	d.mu.Lock()
	if e, ok := d.entries[host]; ok && d.now().Before(e.expires) {
		addrs := e.addrs
		d.mu.Unlock()
		return addrs, nil
	}
	d.mu.Unlock()

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.entries[host] = dnsEntry{addrs: addrs, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return addrs, nil
}

// dialContext resolves through the cache and tries each address in
// order until one connects. IP literals bypass the cache.
func (d *dnsCache) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if net.ParseIP(host) != nil {
		return dialer.DialContext(ctx, network, addr)
	}

	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, resolved := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(resolved, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no addresses", Name: host}
	}
	return nil, lastErr
}
