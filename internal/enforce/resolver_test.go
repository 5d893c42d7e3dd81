package enforce

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCachesUntilExpiry(t *testing.T) {
	var calls atomic.Int64
	r := NewResolver(ResolverConfig{
		Lookup: func(_ context.Context, host string) ([]netip.Addr, time.Duration, error) {
			calls.Add(1)
			return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, 30 * time.Second, nil
		},
	})

	for i := 0; i < 3; i++ {
		addrs, err := r.Resolve(context.Background(), "API.Example.COM")
		require.NoError(t, err)
		assert.Equal(t, "93.184.216.34", addrs[0].String())
	}
	assert.Equal(t, int64(1), calls.Load(), "case-insensitive cache hit after first lookup")

	hits, misses, _ := r.CacheStats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestResolveTTLCapped(t *testing.T) {
	r := NewResolver(ResolverConfig{
		MaxTTL: 50 * time.Millisecond,
		Lookup: func(_ context.Context, host string) ([]netip.Addr, time.Duration, error) {
			return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, 24 * time.Hour, nil
		},
	})

	_, err := r.Resolve(context.Background(), "long-ttl.example")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = r.Resolve(context.Background(), "long-ttl.example")
	require.NoError(t, err)

	_, misses, _ := r.CacheStats()
	assert.Equal(t, uint64(2), misses, "a day-long answer TTL must not outlive the cap")
}

func TestResolveFailure(t *testing.T) {
	r := NewResolver(ResolverConfig{
		Lookup: func(_ context.Context, host string) ([]netip.Addr, time.Duration, error) {
			return nil, 0, errors.New("SERVFAIL")
		},
	})

	_, err := r.Resolve(context.Background(), "broken.example")
	require.ErrorIs(t, err, ErrDNSResolution)

	_, err = r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrDNSResolution)
}

func TestResolveEmptyAnswerIsError(t *testing.T) {
	r := NewResolver(ResolverConfig{
		Lookup: func(_ context.Context, host string) ([]netip.Addr, time.Duration, error) {
			return nil, 0, nil
		},
	})
	_, err := r.Resolve(context.Background(), "empty.example")
	require.ErrorIs(t, err, ErrDNSResolution)
}

func TestResolveEviction(t *testing.T) {
	r := NewResolver(ResolverConfig{
		CacheSize: 2,
		Lookup: func(_ context.Context, host string) ([]netip.Addr, time.Duration, error) {
			return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, time.Minute, nil
		},
	})

	for _, h := range []string{"a.example", "b.example", "c.example"} {
		_, err := r.Resolve(context.Background(), h)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.CacheLen())
	_, _, evictions := r.CacheStats()
	assert.Equal(t, uint64(1), evictions)
}
