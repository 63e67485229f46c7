package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/waybank/internal/domain"
)

const (
	wethAddr = "0x4200000000000000000000000000000000000006"
	usdcAddr = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
)

const poolsBody = `{
  "status": "success",
  "data": [
    {
      "chain": "Base",
      "project": "uniswap-v3",
      "symbol": "WETH-USDC",
      "pool": "d0a978f6-8c77-4a34-8b3c-5a1c8a8e1111",
      "apy": 24.5,
      "tvlUsd": 18500000,
      "volumeUsd1d": 4200000,
      "poolMeta": "0.05%",
      "underlyingTokens": ["0x4200000000000000000000000000000000000006", "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"]
    },
    {
      "chain": "Base",
      "project": "uniswap-v3",
      "symbol": "WETH-USDC",
      "pool": "c1b978f6-8c77-4a34-8b3c-5a1c8a8e2222",
      "apy": 61.2,
      "tvlUsd": 2100000,
      "poolMeta": "0.3%",
      "underlyingTokens": ["0x4200000000000000000000000000000000000006", "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"]
    },
    {
      "chain": "Ethereum",
      "project": "uniswap-v3",
      "symbol": "WETH-USDC",
      "pool": "a2c978f6-8c77-4a34-8b3c-5a1c8a8e3333",
      "apy": 12.0,
      "tvlUsd": 90000000,
      "poolMeta": "0.05%",
      "underlyingTokens": ["0x4200000000000000000000000000000000000006", "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"]
    }
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, RequestsPerMinute: 10000})
}

func baseQuery() domain.PoolQuery {
	return domain.PoolQuery{
		PoolAddress: "0xpool",
		Token0:      wethAddr,
		Token1:      usdcAddr,
		FeeTier:     500,
		Network:     "base",
	}
}

func TestGetPoolStateMatchesByTokensAndFeeTier(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pools", r.URL.Path)
		fmt.Fprint(w, poolsBody)
	})

	state, err := c.GetPoolState(context.Background(), baseQuery())
	require.NoError(t, err)

	// Debe elegir el pool 0.05% de Base, no el 0.3% ni el de Ethereum.
	assert.True(t, state.AprPercent.Equal(decimal.NewFromFloat(24.5)), "apr got %s", state.AprPercent)
	assert.True(t, state.TVLUSD.Equal(decimal.NewFromInt(18500000)))
	assert.True(t, state.Volume24hUSD.Equal(decimal.NewFromInt(4200000)))
	assert.False(t, state.FetchedAt.IsZero())
}

func TestGetPoolStateTokenOrderInsensitive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, poolsBody)
	})

	q := baseQuery()
	q.Token0, q.Token1 = q.Token1, q.Token0

	state, err := c.GetPoolState(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, state.AprPercent.Equal(decimal.NewFromFloat(24.5)))
}

func TestGetPoolStateNoMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, poolsBody)
	})

	q := baseQuery()
	q.Network = "arbitrum"

	_, err := c.GetPoolState(context.Background(), q)
	assert.Error(t, err)
}

func TestPoolListCached(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, poolsBody)
	})

	for i := 0; i < 5; i++ {
		_, err := c.GetPoolState(context.Background(), baseQuery())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load(), "pool list fetched once within the TTL")
}

func TestStaleCacheServedOnFailure(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) > 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, poolsBody)
	})
	c.cfg.CacheTTL = time.Millisecond

	_, err := c.GetPoolState(context.Background(), baseQuery())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // caducar la caché

	state, err := c.GetPoolState(context.Background(), baseQuery())
	require.NoError(t, err, "stale cache must be served when the refresh fails")
	assert.True(t, state.AprPercent.Equal(decimal.NewFromFloat(24.5)))
}

func TestFetchFailureWithoutCache(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.GetPoolState(context.Background(), baseQuery())
	assert.Error(t, err)
}
