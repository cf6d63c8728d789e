package ippool

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawciobiel/golubrelay/internal/config"
)

func TestStatic_RoundRobin(t *testing.T) {
	pool := NewStatic(&config.SourceAddressesConfig{
		IPv4: []string{"192.0.2.1", "192.0.2.2"},
		IPv6: []string{"2001:db8::1"},
	})
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		ip, err := pool.IPv4(ctx)
		require.NoError(t, err)
		got = append(got, ip)
	}
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2", "192.0.2.1", "192.0.2.2"}, got)

	ip6, err := pool.IPv6(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip6)
}

func TestStatic_EmptyReturnsUnspecified(t *testing.T) {
	pool := NewStatic(&config.SourceAddressesConfig{})
	ctx := context.Background()

	ip4, err := pool.IPv4(ctx)
	require.NoError(t, err)
	assert.Equal(t, AnyIPv4, ip4)

	ip6, err := pool.IPv6(ctx)
	require.NoError(t, err)
	assert.Equal(t, AnyIPv6, ip6)
}

func TestStatic_Concurrent(t *testing.T) {
	pool := NewStatic(&config.SourceAddressesConfig{IPv4: []string{"192.0.2.1", "192.0.2.2"}})

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Go(func() {
			ip, _ := pool.IPv4(context.Background())
			mu.Lock()
			counts[ip]++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 50, counts["192.0.2.1"])
	assert.Equal(t, 50, counts["192.0.2.2"])
}

func setupShared(t *testing.T, cfg *config.SourceAddressesConfig) (*Shared, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewShared(NewStatic(cfg), client, "test", nil), mr
}

func TestShared_ContinuesSequenceAcrossPools(t *testing.T) {
	cfg := &config.SourceAddressesConfig{IPv4: []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}, Shared: true}
	first, mr := setupShared(t, cfg)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	second := NewShared(NewStatic(cfg), client, "test", nil)

	ctx := context.Background()
	a, err := first.IPv4(ctx)
	require.NoError(t, err)
	b, err := second.IPv4(ctx)
	require.NoError(t, err)
	c, err := first.IPv4(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}, []string{a, b, c})

	val, err := mr.Get("test:ippool:ipv4")
	require.NoError(t, err)
	assert.Equal(t, "3", val)
}

func TestShared_FallsBackToLocalRotation(t *testing.T) {
	cfg := &config.SourceAddressesConfig{IPv6: []string{"2001:db8::1", "2001:db8::2"}, Shared: true}
	pool, mr := setupShared(t, cfg)
	mr.Close()

	ip, err := pool.IPv6(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip)
}

func TestShared_EmptyFamilySkipsRedis(t *testing.T) {
	pool, mr := setupShared(t, &config.SourceAddressesConfig{IPv4: []string{"192.0.2.1"}, Shared: true})

	ip, err := pool.IPv6(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AnyIPv6, ip)
	assert.False(t, mr.Exists("test:ippool:ipv6"))
}

func TestNew_SelectsImplementation(t *testing.T) {
	_, isStatic := New(&config.SourceAddressesConfig{Shared: true}, nil, "p", nil).(*Static)
	assert.True(t, isStatic, "shared without a counter should fall back to a static pool")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, isShared := New(&config.SourceAddressesConfig{Shared: true}, client, "p", nil).(*Shared)
	assert.True(t, isShared)
}
